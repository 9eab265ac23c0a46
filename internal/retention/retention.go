// Package retention decides which changes may be purged.
//
// Two independent rules apply. Sync safety: a change is a candidate only
// when it is older than the purge-safe time and no peer still has a failed
// export of it within the retry budget. Policy: the AutoPurger's entry count
// and age limits select candidates, never touching excluded users or types.
package retention

import (
	"cmp"
	"slices"

	"github.com/roach88/meshlog/internal/record"
)

// DefaultMaxSyncTries is the export retry budget per (change, peer).
const DefaultMaxSyncTries = 10

// PurgeSafeTime returns the time before which changes are no longer needed
// by any peer. Each non-deleted peer other than self contributes
//
//	now                                      if it never exported
//	max(lastExport, now - changeSaveTime)    otherwise
//
// and the minimum contribution wins. A peer silent for longer than its own
// change save time stops holding changes back; it may need a full snapshot
// on its next sync.
func PurgeSafeTime(centers []*record.Center, selfRowID int64, now int64) int64 {
	safe := now
	for _, c := range centers {
		if c.Deleted || c.ID == selfRowID {
			continue
		}
		safe = min(safe, watermark(c, now))
	}
	return safe
}

func watermark(c *record.Center, now int64) int64 {
	if c.LastExport <= 0 {
		return now
	}
	return max(c.LastExport, now-c.ChangeSaveTime)
}

// ExportAttempt is one export of a change to a peer.
type ExportAttempt struct {
	// Peer is the local row ID of the receiving center.
	Peer     int64
	RecordID int64
	Time     int64
	// Failed is true when the change errored on that attempt, or when the
	// attempt never completed.
	Failed bool
}

// HasSyncExportError reports whether some peer's latest export of a change
// failed while the number of failed attempts to that peer is still below
// maxTries. Such a change must be kept so the export can be retried.
func HasSyncExportError(attempts []ExportAttempt, maxTries int) bool {
	if maxTries <= 0 {
		maxTries = DefaultMaxSyncTries
	}
	type peerState struct {
		latest   ExportAttempt
		failures int
	}
	peers := make(map[int64]*peerState)
	for _, a := range attempts {
		st, ok := peers[a.Peer]
		if !ok {
			st = &peerState{latest: a}
			peers[a.Peer] = st
		} else if later(a, st.latest) {
			st.latest = a
		}
		if a.Failed {
			st.failures++
		}
	}
	for _, st := range peers {
		if st.latest.Failed && st.failures < maxTries {
			return true
		}
	}
	return false
}

func later(a, b ExportAttempt) bool {
	if a.Time != b.Time {
		return a.Time > b.Time
	}
	return a.RecordID > b.RecordID
}

// Input is everything Select needs besides the policy.
type Input struct {
	Changes  []record.Raw
	SafeTime int64
	Now      int64
	// ExportError reports whether a change has a retryable export error.
	ExportError func(changeID int64) bool
	// Internal reports whether a subject type is built-in bookkeeping.
	// Internal changes do not take entry-count slots and are never
	// selected by count, so recording a policy change does not shift
	// what the policy selects.
	Internal func(subjectType string) bool
}

// Select returns the changes the policy purges, oldest first.
//
// A change is selected when it is beyond the EntryCount most recent
// counted changes or older than Age, and it is not excluded by user or type,
// is older than SafeTime and has no retryable export error.
func Select(policy *record.AutoPurger, in Input) []record.Raw {
	if !policy.Active() {
		return nil
	}

	ranked := make([]*record.Raw, 0, len(in.Changes))
	for i := range in.Changes {
		c := &in.Changes[i]
		if policy.Excludes(*c) || isInternal(in, c.SubjectType) {
			continue
		}
		ranked = append(ranked, c)
	}
	slices.SortFunc(ranked, newestFirst)

	overCount := make(map[int64]bool)
	if policy.EntryCount != nil {
		for i := *policy.EntryCount; i < len(ranked); i++ {
			overCount[ranked[i].ID] = true
		}
	}

	var out []record.Raw
	for _, c := range in.Changes {
		if policy.Excludes(c) {
			continue
		}
		tooOld := policy.Age != nil && c.Time < in.Now-*policy.Age
		if !overCount[c.ID] && !tooOld {
			continue
		}
		if c.Time >= in.SafeTime {
			continue
		}
		if in.ExportError != nil && in.ExportError(c.ID) {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b record.Raw) int { return -newestFirst(&a, &b) })
	return out
}

func isInternal(in Input, subject string) bool {
	return in.Internal != nil && in.Internal(subject)
}

func newestFirst(a, b *record.Raw) int {
	if c := cmp.Compare(b.Time, a.Time); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}
