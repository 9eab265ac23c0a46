package memkeeper

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/retention"
)

// Purge permanently deletes a change, advancing the latest-purged
// watermark of its pair and releasing entities nothing references.
func (k *Keeper) Purge(ctx context.Context, c record.Change) error {
	return k.purgeIDs(ctx, []int64{c.Header().ID}, nil)
}

// PurgeBatch purges changes by ID. Failures are collected in a
// *record.BatchError; every other change is still purged.
func (k *Keeper) PurgeBatch(ctx context.Context, ids []int64) (int, error) {
	batch := &record.BatchError{Op: "purge"}
	err := k.purgeIDs(ctx, ids, batch)
	if err != nil {
		return 0, err
	}
	return len(ids) - len(batch.Failures), batch.Err()
}

// purgeIDs purges ids in one owner operation. With a nil batch the first
// failure is returned.
func (k *Keeper) purgeIDs(ctx context.Context, ids []int64, batch *record.BatchError) error {
	var released []keeper.ItemRef
	err := k.do(ctx, func(st *state) error {
		for _, id := range ids {
			raw, ok := st.changes[id]
			if !ok {
				err := fmt.Errorf("purge change %d: change %d not found", id, id)
				if batch == nil {
					return err
				}
				batch.Add(err)
				continue
			}
			released = append(released, st.purge(raw)...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	k.release(ctx, released)
	return nil
}

// purge deletes raw and returns the external entities that became
// unreferenced. Deleted centers nothing refers to are dropped here along
// with their sync records and peer watermarks.
func (st *state) purge(raw record.Raw) []keeper.ItemRef {
	st.purged.Raise(record.Pair{Origin: raw.Origin(), Subject: raw.SubjectCenter()}, raw.Time)
	delete(st.changes, raw.ID)
	for key := range st.assocs {
		if key.change == raw.ID {
			delete(st.assocs, key)
		}
	}
	st.touch()

	var released []keeper.ItemRef
	for _, ref := range dedupe(keeper.Refs(raw, st.reg)) {
		if ref.Type == record.TypeAutoPurger || st.referenced(ref.ID) {
			continue
		}
		if ref.Type == record.TypeCenter {
			st.dropCenter(ref.ID)
			continue
		}
		released = append(released, ref)
	}
	return released
}

func (st *state) dropCenter(rowID int64) {
	c, ok := st.centers[rowID]
	if !ok || !c.Deleted {
		return
	}
	delete(st.centers, rowID)
	delete(st.peers, rowID)
	for id, r := range st.records {
		if r.Center.ID == rowID {
			st.dropRecord(id)
		}
	}
}

// referenced reports whether any change still refers to id in any slot,
// regardless of entity type.
func (st *state) referenced(id int64) bool {
	is := func(p *int64) bool { return p != nil && *p == id }
	for _, c := range st.changes {
		if c.Major == id || is(c.Minor) || is(c.Data1) || is(c.Data2) || is(c.PreValueID) {
			return true
		}
	}
	return false
}

func dedupe(refs []keeper.ItemRef) []keeper.ItemRef {
	out := refs[:0:0]
	for _, r := range refs {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// autoPurgeDue runs the stored policy when the purge interval elapsed.
func (k *Keeper) autoPurgeDue(st *state) []keeper.ItemRef {
	now := k.stamper.Now()
	if now-st.lastPurge < k.interval {
		return nil
	}
	st.lastPurge = now
	_, released := k.autoPurge(st, st.policy)
	return released
}

// autoPurge applies policy to the stored changes.
func (k *Keeper) autoPurge(st *state, policy *record.AutoPurger) (int, []keeper.ItemRef) {
	selected := k.selectPurge(st, policy)
	var released []keeper.ItemRef
	for _, raw := range selected {
		released = append(released, st.purge(raw)...)
	}
	if len(selected) > 0 {
		k.logger.Info("auto-purged changes", "count", len(selected))
	}
	return len(selected), released
}

func (k *Keeper) selectPurge(st *state, policy *record.AutoPurger) []record.Raw {
	if !policy.Active() {
		return nil
	}
	attempts := st.exportAttempts(0, 0)
	now := k.stamper.Now()
	return retention.Select(policy, retention.Input{
		Changes:  st.sortedChanges(),
		SafeTime: retention.PurgeSafeTime(st.centerList(), st.selfRowID, now),
		Now:      now,
		ExportError: func(id int64) bool {
			return retention.HasSyncExportError(attempts[id], k.maxTries)
		},
		Internal: st.reg.IsInternal,
	})
}

// exportAttempts groups the export history by change, optionally limited
// to one change and one receiving center. A pending record counts as failed.
func (st *state) exportAttempts(changeID, centerRowID int64) map[int64][]retention.ExportAttempt {
	out := make(map[int64][]retention.ExportAttempt)
	for _, a := range st.associations(func(key assocKey) bool { return changeID == 0 || key.change == changeID }) {
		r, ok := st.records[a.RecordID]
		if !ok || r.IsImport {
			continue
		}
		if centerRowID != 0 && r.Center.ID != centerRowID {
			continue
		}
		out[a.ChangeID] = append(out[a.ChangeID], retention.ExportAttempt{
			Peer:     r.Center.ID,
			RecordID: r.ID,
			Time:     r.Time,
			Failed:   a.Error || r.SyncError != nil,
		})
	}
	return out
}

func (k *Keeper) AutoPurger(ctx context.Context) (*record.AutoPurger, error) {
	var out *record.AutoPurger
	err := k.do(ctx, func(st *state) error {
		out = st.policy.Clone()
		return nil
	})
	return out, err
}

// SetAutoPurger stores a new policy, records one change per difference
// from the old one and runs a purge pass with it right away.
func (k *Keeper) SetAutoPurger(ctx context.Context, txn *keeper.Txn, p *record.AutoPurger) (int, error) {
	if err := txn.RequireUser("set auto-purger"); err != nil {
		return 0, err
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	user := txn.UserOr(record.SystemUser)

	var (
		purged   int
		released []keeper.ItemRef
	)
	err := k.do(ctx, func(st *state) error {
		old := st.policy
		st.policy = p.Clone()
		if txn.Audited() {
			for _, pc := range retention.Diff(old, p) {
				if _, err := st.persist(k.persister, k.stamper, user, pc.Mutation(st.selfRowID)); err != nil {
					st.policy = old
					return fmt.Errorf("record %s change: %w", pc.ChangeType, err)
				}
			}
		}
		purged, released = k.autoPurge(st, st.policy)
		st.lastPurge = k.stamper.Now()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("set auto-purger: %w", err)
	}
	k.release(ctx, released)
	return purged, nil
}

// PreviewAutoPurge counts the changes p would purge now, without purging.
func (k *Keeper) PreviewAutoPurge(ctx context.Context, p *record.AutoPurger) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	var n int
	err := k.do(ctx, func(st *state) error {
		n = len(k.selectPurge(st, p))
		return nil
	})
	return n, err
}

func (k *Keeper) PurgeSafeTime(ctx context.Context) (int64, error) {
	var t int64
	err := k.do(ctx, func(st *state) error {
		t = retention.PurgeSafeTime(st.centerList(), st.selfRowID, k.stamper.Now())
		return nil
	})
	return t, err
}

func (k *Keeper) HasSyncExportError(ctx context.Context, changeID int64) (bool, error) {
	var failed bool
	err := k.do(ctx, func(st *state) error {
		failed = retention.HasSyncExportError(st.exportAttempts(changeID, 0)[changeID], k.maxTries)
		return nil
	})
	return failed, err
}

// PendingExportErrors lists, by ascending ID, the changes whose last
// export to the center failed within the retry budget.
func (k *Keeper) PendingExportErrors(ctx context.Context, centerRowID int64) ([]int64, error) {
	ids := []int64{}
	err := k.do(ctx, func(st *state) error {
		for id, a := range st.exportAttempts(0, centerRowID) {
			if retention.HasSyncExportError(a, k.maxTries) {
				ids = append(ids, id)
			}
		}
		return nil
	})
	slices.Sort(ids)
	return ids, err
}
