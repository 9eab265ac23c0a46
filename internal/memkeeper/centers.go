package memkeeper

import (
	"context"
	"fmt"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

func unknownCenter(rowID int64) error {
	return record.NewError(record.ErrCodeUnknownCenter, fmt.Sprintf("no center with row ID %d", rowID))
}

func (k *Keeper) SelfCenter(ctx context.Context) (*record.Center, error) {
	var out *record.Center
	err := k.do(ctx, func(st *state) error {
		out = st.centers[st.selfRowID].Clone()
		return nil
	})
	return out, err
}

// Centers returns every center, deleted ones included, ordered by row ID.
func (k *Keeper) Centers(ctx context.Context) ([]*record.Center, error) {
	var out []*record.Center
	err := k.do(ctx, func(st *state) error {
		out = st.centerList()
		return nil
	})
	return out, err
}

func (k *Keeper) Center(ctx context.Context, rowID int64) (*record.Center, error) {
	var out *record.Center
	err := k.do(ctx, func(st *state) error {
		c, err := st.center(rowID)
		if err != nil {
			return err
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

// PutCenter inserts a center (ID 0) or updates the audited fields of an
// existing one, recording the same changes as the durable keeper.
func (k *Keeper) PutCenter(ctx context.Context, txn *keeper.Txn, c *record.Center) error {
	if err := txn.RequireUser("put center"); err != nil {
		return err
	}
	user := txn.UserOr(record.SystemUser)

	var newID int64
	err := k.do(ctx, func(st *state) error {
		if c.ID == 0 {
			id, err := st.nextID(record.TableCenters)
			if err != nil {
				return err
			}
			stored := c.Clone()
			stored.ID = id
			st.centers[id] = stored
			newID = id
			if !txn.Audited() {
				return nil
			}
			_, err = st.persist(k.persister, k.stamper, user, keeper.Mutation{
				Subject:    record.SubjectCenter,
				Additivity: record.Creation,
				Major:      id,
			})
			return err
		}

		old, err := st.center(c.ID)
		if err != nil {
			return err
		}
		updated := old.Clone()
		updated.Name = c.Name
		updated.ServerURL = c.ServerURL
		updated.ServerUserName = c.ServerUserName
		updated.ServerPassword = c.ServerPassword
		updated.SyncFrequency = c.SyncFrequency
		updated.Priority = c.Priority
		updated.ClientUser = c.Clone().ClientUser
		updated.ChangeSaveTime = c.ChangeSaveTime
		st.centers[c.ID] = updated
		if !txn.Audited() {
			return nil
		}
		for _, f := range updated.Diff(old) {
			ct, _ := record.FindChangeType(record.SubjectCenter, f.Name)
			_, err := st.persist(k.persister, k.stamper, user, keeper.Mutation{
				Subject:       record.SubjectCenter,
				Change:        ct,
				Additivity:    record.Modification,
				Major:         c.ID,
				PreviousValue: f.Old,
			})
			if err != nil {
				return fmt.Errorf("record %s change: %w", f.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put center %q: %w", c.Name, err)
	}
	if newID != 0 {
		c.ID = newID
	}
	return nil
}

// RemoveCenter soft-deletes a center. Removing it twice is a no-op.
func (k *Keeper) RemoveCenter(ctx context.Context, txn *keeper.Txn, c *record.Center) error {
	if err := txn.RequireUser("remove center"); err != nil {
		return err
	}
	err := k.do(ctx, func(st *state) error {
		if c.ID == st.selfRowID {
			return record.NewError(record.ErrCodePermissionDenied, "the local center cannot be removed")
		}
		stored, err := st.center(c.ID)
		if err != nil {
			return err
		}
		if stored.Deleted {
			return nil
		}
		stored.Deleted = true
		if !txn.Audited() {
			return nil
		}
		_, err = st.persist(k.persister, k.stamper, txn.UserOr(record.SystemUser), keeper.Mutation{
			Subject:    record.SubjectCenter,
			Additivity: record.Removal,
			Major:      c.ID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("remove center %q: %w", c.Name, err)
	}
	c.Deleted = true
	return nil
}

// SetCenterID records the global ID a peer claimed.
func (k *Keeper) SetCenterID(ctx context.Context, rowID int64, centerID int) error {
	return k.do(ctx, func(st *state) error {
		c, err := st.center(rowID)
		if err != nil {
			return err
		}
		if c.KnownID() && c.CenterID != centerID {
			return record.NewError(record.ErrCodeCenterIDImmutable,
				fmt.Sprintf("center %q is already %d, cannot become %d", c.Name, c.CenterID, centerID))
		}
		c.CenterID = centerID
		return nil
	})
}

func (k *Keeper) MarkSynced(ctx context.Context, rowID int64, isImport bool, t int64) error {
	return k.do(ctx, func(st *state) error {
		c, err := st.center(rowID)
		if err != nil {
			return err
		}
		if isImport {
			c.LastImport = t
		} else {
			c.LastExport = t
		}
		return nil
	})
}
