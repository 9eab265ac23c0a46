package memkeeper

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

// Persist records a local change. Auto-purge runs at most once per purge
// interval. A memory-only transaction records nothing and returns nil, nil.
func (k *Keeper) Persist(ctx context.Context, txn *keeper.Txn, m keeper.Mutation) (*record.ChangeRecord, error) {
	if txn != nil && txn.MemoryOnly {
		return nil, nil
	}
	raw, err := m.Prepare(k.persister)
	if err != nil {
		return nil, fmt.Errorf("persist change: %w", err)
	}
	user := txn.UserOr(record.SystemUser)

	var released []keeper.ItemRef
	err = k.do(ctx, func(st *state) error {
		if err := st.insert(&raw, user, k.stamper); err != nil {
			return err
		}
		released = k.autoPurgeDue(st)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist change: %w", err)
	}
	k.release(ctx, released)
	return m.Record(raw, user), nil
}

// ImportChange stores a change received from a peer, keeping its ID and
// time. The first copy of an ID wins.
func (k *Keeper) ImportChange(ctx context.Context, raw record.Raw) (bool, error) {
	if !raw.Additivity.Valid() {
		return false, fmt.Errorf("import change %d: invalid additivity %d", raw.ID, int(raw.Additivity))
	}
	var inserted bool
	err := k.do(ctx, func(st *state) error {
		if _, ok := st.changes[raw.ID]; ok {
			return nil
		}
		st.changes[raw.ID] = raw
		st.touch()
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	k.stamper.Observe(raw.Time)
	return inserted, nil
}

func (k *Keeper) SetLocalOnly(ctx context.Context, id int64, localOnly bool) error {
	return k.do(ctx, func(st *state) error {
		raw, ok := st.changes[id]
		if !ok {
			return fmt.Errorf("set local only: no change %d", id)
		}
		raw.LocalOnly = localOnly
		st.changes[id] = raw
		st.touch()
		return nil
	})
}

// RawChanges returns stored changes by ID in the order given, skipping
// missing ones.
func (k *Keeper) RawChanges(ctx context.Context, ids []int64) ([]record.Raw, error) {
	out := make([]record.Raw, 0, len(ids))
	err := k.do(ctx, func(st *state) error {
		for _, id := range ids {
			if raw, ok := st.changes[id]; ok {
				out = append(out, raw)
			}
		}
		return nil
	})
	return out, err
}

// Changes decodes changes by ID in the order given. Decoding runs on the
// caller's goroutine against a copy of the centers and the policy.
func (k *Keeper) Changes(ctx context.Context, ids []int64) ([]record.Change, error) {
	var (
		found   = make(map[int64]record.Raw, len(ids))
		centers map[int64]*record.Center
		policy  *record.AutoPurger
	)
	err := k.do(ctx, func(st *state) error {
		for _, id := range ids {
			if raw, ok := st.changes[id]; ok {
				found[id] = raw
			}
		}
		centers = make(map[int64]*record.Center, len(st.centers))
		for id, c := range st.centers {
			centers[id] = c.Clone()
		}
		policy = st.policy.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	resolver := &keeper.Resolver{
		Persister: k.persister,
		Center:    func(id int64) *record.Center { return centers[id] },
		Policy:    func() *record.AutoPurger { return policy },
	}
	batch := &record.BatchError{Op: "get changes"}
	out := make([]record.Change, 0, len(ids))
	for _, id := range ids {
		raw, ok := found[id]
		if !ok {
			batch.Add(fmt.Errorf("change %d not found", id))
			continue
		}
		out = append(out, record.Decode(raw, k.reg, resolver))
	}
	return out, batch.Err()
}

// ChangesSince returns the non-local changes newer than the watermark of
// their (origin, subject) pair, oldest first.
func (k *Keeper) ChangesSince(ctx context.Context, wm record.Watermarks) ([]record.Raw, error) {
	out := []record.Raw{}
	err := k.do(ctx, func(st *state) error {
		for _, raw := range st.changes {
			if raw.LocalOnly {
				continue
			}
			if raw.Time > wm.Get(record.Pair{Origin: raw.Origin(), Subject: raw.SubjectCenter()}) {
				out = append(out, raw)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b record.Raw) int {
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, err
}
