package memkeeper

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/meshlog/internal/record"
)

func notFound(id int64) error {
	return record.NewError(record.ErrCodeReceiptNotFound, fmt.Sprintf("no sync record %d", id))
}

// SyncRecords lists the sync records of a center, oldest first. A nil
// center lists all of them.
func (k *Keeper) SyncRecords(ctx context.Context, center *record.Center) ([]*record.SyncRecord, error) {
	out := []*record.SyncRecord{}
	err := k.do(ctx, func(st *state) error {
		for _, r := range st.records {
			if center == nil || r.Center.ID == center.ID {
				out = append(out, st.syncRecord(r))
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *record.SyncRecord) int {
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, err
}

func (k *Keeper) SyncRecord(ctx context.Context, id int64) (*record.SyncRecord, error) {
	var out *record.SyncRecord
	err := k.do(ctx, func(st *state) error {
		r, ok := st.records[id]
		if !ok {
			return notFound(id)
		}
		out = st.syncRecord(r)
		return nil
	})
	return out, err
}

// PutSyncRecord inserts a new record (ID 0) or updates the parallel ID of
// an existing one.
func (k *Keeper) PutSyncRecord(ctx context.Context, r *record.SyncRecord) error {
	if r.Center == nil || r.Center.ID == 0 {
		return fmt.Errorf("put sync record: no center")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("put sync record: invalid sync type %q", r.Type)
	}
	var newID int64
	err := k.do(ctx, func(st *state) error {
		if r.ID != 0 {
			stored, ok := st.records[r.ID]
			if !ok {
				return notFound(r.ID)
			}
			updated := *stored
			updated.ParallelID = r.ParallelID
			st.records[r.ID] = &updated
			st.touch()
			return nil
		}
		if _, err := st.center(r.Center.ID); err != nil {
			return err
		}
		id, err := st.nextID(record.TableSyncRecords)
		if err != nil {
			return err
		}
		stored := *r
		stored.ID = id
		stored.Center = &record.Center{ID: r.Center.ID}
		if r.SyncError != nil {
			msg := *r.SyncError
			stored.SyncError = &msg
		}
		st.records[id] = &stored
		st.touch()
		newID = id
		return nil
	})
	if err != nil {
		return fmt.Errorf("put sync record: %w", err)
	}
	if newID != 0 {
		r.ID = newID
	}
	return nil
}

// CloseSyncRecord stores the outcome of an attempt. Closing a record twice,
// or one that does not exist, fails with RECORD_CLOSED.
func (k *Keeper) CloseSyncRecord(ctx context.Context, r *record.SyncRecord, cause error) error {
	closed := *r
	if err := closed.Close(cause); err != nil {
		return err
	}
	err := k.do(ctx, func(st *state) error {
		stored, ok := st.records[r.ID]
		if !ok || !stored.Pending() {
			return record.NewError(record.ErrCodeRecordClosed, fmt.Sprintf("sync record %d already closed or missing", r.ID))
		}
		updated := *stored
		updated.SyncError = closed.SyncError
		updated.ParallelID = closed.ParallelID
		st.records[r.ID] = &updated
		st.touch()
		return nil
	})
	if err != nil {
		return err
	}
	*r = closed
	return nil
}

// RemoveSyncRecord deletes a record with its associations.
func (k *Keeper) RemoveSyncRecord(ctx context.Context, r *record.SyncRecord) error {
	return k.do(ctx, func(st *state) error {
		st.dropRecord(r.ID)
		return nil
	})
}

func (st *state) dropRecord(id int64) {
	delete(st.records, id)
	for key := range st.assocs {
		if key.record == id {
			delete(st.assocs, key)
		}
	}
	st.touch()
}

// Associate links changes to the record that transports them. An existing
// association takes the new error flag. Nothing is linked when the record
// or one of the changes is missing.
func (k *Keeper) Associate(ctx context.Context, r *record.SyncRecord, changeIDs []int64, failed bool) error {
	if len(changeIDs) == 0 {
		return nil
	}
	return k.do(ctx, func(st *state) error {
		if _, ok := st.records[r.ID]; !ok {
			return fmt.Errorf("associate: %w", notFound(r.ID))
		}
		for _, id := range changeIDs {
			if _, ok := st.changes[id]; !ok {
				return fmt.Errorf("associate change %d with record %d: change not found", id, r.ID)
			}
		}
		for _, id := range changeIDs {
			st.assocs[assocKey{record: r.ID, change: id}] = failed
		}
		st.touch()
		return nil
	})
}

// SetAssociationError sets the error flag of one association, or of every
// association of the record when changeID is 0.
func (k *Keeper) SetAssociationError(ctx context.Context, recordID, changeID int64, failed bool) error {
	return k.do(ctx, func(st *state) error {
		for key := range st.assocs {
			if key.record == recordID && (changeID == 0 || key.change == changeID) {
				st.assocs[key] = failed
			}
		}
		st.touch()
		return nil
	})
}

// Associations lists the associations of a change by record ID.
func (k *Keeper) Associations(ctx context.Context, changeID int64) ([]record.Association, error) {
	var out []record.Association
	err := k.do(ctx, func(st *state) error {
		out = st.associations(func(key assocKey) bool { return key.change == changeID })
		return nil
	})
	return out, err
}
