package memkeeper

import (
	"context"
	"maps"

	"github.com/roach88/meshlog/internal/record"
)

// LatestChanges returns the newest change time per (origin, subject)
// pair, purged changes included.
func (k *Keeper) LatestChanges(ctx context.Context) (record.Watermarks, error) {
	wm := record.Watermarks{}
	err := k.do(ctx, func(st *state) error {
		for _, raw := range st.changes {
			wm.Raise(record.Pair{Origin: raw.Origin(), Subject: raw.SubjectCenter()}, raw.Time)
		}
		wm.Merge(st.purged)
		return nil
	})
	return wm, err
}

func (k *Keeper) LatestPurged(ctx context.Context) (record.Watermarks, error) {
	var wm record.Watermarks
	err := k.do(ctx, func(st *state) error {
		wm = maps.Clone(st.purged)
		return nil
	})
	return wm, err
}

// GetLatestChange returns what a peer is known to hold.
func (k *Keeper) GetLatestChange(ctx context.Context, centerRowID int64) (record.Watermarks, error) {
	wm := record.Watermarks{}
	err := k.do(ctx, func(st *state) error {
		wm.Merge(st.peers[centerRowID])
		return nil
	})
	return wm, err
}

// SetLatestChange merges a peer's watermarks into what is known about it.
// Watermarks never move backwards.
func (k *Keeper) SetLatestChange(ctx context.Context, centerRowID int64, wm record.Watermarks) error {
	return k.do(ctx, func(st *state) error {
		if _, err := st.center(centerRowID); err != nil {
			return err
		}
		known, ok := st.peers[centerRowID]
		if !ok {
			known = record.Watermarks{}
			st.peers[centerRowID] = known
		}
		known.Merge(wm)
		return nil
	})
}
