package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

const centerColumns = `id, center_id, name, server_url, server_user, server_password,
	sync_frequency, priority, client_user, change_save_time, last_import, last_export, deleted`

// SelfCenter returns the "Here" center.
func (s *Store) SelfCenter(ctx context.Context) (*record.Center, error) {
	id := s.selfRowID.Load()
	if id == 0 {
		return nil, record.NewError(record.ErrCodeNotInitialized, "store has no self center; run Bootstrap first")
	}
	return s.Center(ctx, id)
}

// Centers returns every center, deleted ones included, ordered by row ID.
func (s *Store) Centers(ctx context.Context) ([]*record.Center, error) {
	return readCenters(ctx, s.db)
}

func readCenters(ctx context.Context, q querier) ([]*record.Center, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+centerColumns+" FROM centers ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query centers: %w", err)
	}
	defer rows.Close()

	centers := []*record.Center{}
	for rows.Next() {
		c, err := scanCenter(rows)
		if err != nil {
			return nil, err
		}
		centers = append(centers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate centers: %w", err)
	}
	return centers, nil
}

// Center returns a center by row ID. An unknown row fails with UNKNOWN_CENTER.
func (s *Store) Center(ctx context.Context, rowID int64) (*record.Center, error) {
	return readCenter(ctx, s.db, rowID)
}

func readCenter(ctx context.Context, q querier, rowID int64) (*record.Center, error) {
	row := q.QueryRowContext(ctx, "SELECT "+centerColumns+" FROM centers WHERE id = ?", rowID)
	c, err := scanCenter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.NewError(record.ErrCodeUnknownCenter, fmt.Sprintf("no center with row ID %d", rowID))
	}
	return c, err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCenter(sc scanner) (*record.Center, error) {
	var (
		c          record.Center
		clientUser sql.NullInt64
		deleted    int64
	)
	err := sc.Scan(&c.ID, &c.CenterID, &c.Name, &c.ServerURL, &c.ServerUserName, &c.ServerPassword,
		&c.SyncFrequency, &c.Priority, &clientUser, &c.ChangeSaveTime, &c.LastImport, &c.LastExport, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan center: %w", err)
	}
	if clientUser.Valid {
		c.ClientUser = &record.User{ID: clientUser.Int64}
	}
	c.Deleted = deleted != 0
	return &c, nil
}

func clientUserID(c *record.Center) sql.NullInt64 {
	if c.ClientUser == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: c.ClientUser.ID, Valid: true}
}

// insertCenter allocates a row ID and inserts c.
func (s *Store) insertCenter(ctx context.Context, tx *sql.Tx, p record.Partition, c *record.Center) (int64, error) {
	id, err := nextID(ctx, tx, record.TableCenters, p)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO centers (`+centerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, c.CenterID, c.Name, c.ServerURL, c.ServerUserName, c.ServerPassword,
		c.SyncFrequency, c.Priority, clientUserID(c), c.ChangeSaveTime,
		c.LastImport, c.LastExport, boolInt(c.Deleted),
	)
	if err != nil {
		return 0, fmt.Errorf("insert center: %w", err)
	}
	return id, nil
}

// PutCenter inserts a center (ID 0) or updates the audited fields of an
// existing one. An audited update emits one change per changed field in
// Center.Diff order; an insert emits one creation change.
//
// CenterID, LastImport and LastExport are not written by an update; use
// SetCenterID and MarkSynced.
func (s *Store) PutCenter(ctx context.Context, txn *keeper.Txn, c *record.Center) error {
	if err := txn.RequireUser("put center"); err != nil {
		return err
	}
	p, err := s.partition()
	if err != nil {
		return err
	}
	user := txn.UserOr(record.SystemUser)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var newID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if c.ID == 0 {
			id, err := s.insertCenter(ctx, tx, p, c)
			if err != nil {
				return err
			}
			newID = id
			if !txn.Audited() {
				return nil
			}
			_, err = s.persistTx(ctx, tx, p, user, keeper.Mutation{
				Subject:    record.SubjectCenter,
				Additivity: record.Creation,
				Major:      id,
			})
			return err
		}

		old, err := readCenter(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE centers SET name = ?, server_url = ?, server_user = ?, server_password = ?,
				sync_frequency = ?, priority = ?, client_user = ?, change_save_time = ?
			WHERE id = ?
		`,
			c.Name, c.ServerURL, c.ServerUserName, c.ServerPassword,
			c.SyncFrequency, c.Priority, clientUserID(c), c.ChangeSaveTime, c.ID,
		)
		if err != nil {
			return fmt.Errorf("update center: %w", err)
		}
		if !txn.Audited() {
			return nil
		}
		for _, f := range c.Diff(old) {
			ct, _ := record.FindChangeType(record.SubjectCenter, f.Name)
			_, err := s.persistTx(ctx, tx, p, user, keeper.Mutation{
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

// RemoveCenter soft-deletes a center. The row stays until no change refers
// to it anymore; purge hard-deletes it then.
func (s *Store) RemoveCenter(ctx context.Context, txn *keeper.Txn, c *record.Center) error {
	if err := txn.RequireUser("remove center"); err != nil {
		return err
	}
	if c.ID == s.selfRowID.Load() {
		return record.NewError(record.ErrCodePermissionDenied, "the local center cannot be removed")
	}
	p, err := s.partition()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE centers SET deleted = 1 WHERE id = ? AND deleted = 0", c.ID)
		if err != nil {
			return fmt.Errorf("delete center: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Unknown rows fail; removing twice is a no-op.
			_, err := readCenter(ctx, tx, c.ID)
			return err
		}
		if !txn.Audited() {
			return nil
		}
		_, err = s.persistTx(ctx, tx, p, txn.UserOr(record.SystemUser), keeper.Mutation{
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

// SetCenterID records the global ID a peer claimed. Setting the ID it
// already has is a no-op.
func (s *Store) SetCenterID(ctx context.Context, rowID int64, centerID int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE centers SET center_id = ?1
		WHERE id = ?2 AND (center_id = -1 OR center_id = ?1)
	`, centerID, rowID)
	if err != nil {
		return fmt.Errorf("set center id: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	c, err := s.Center(ctx, rowID)
	if err != nil {
		return err
	}
	return record.NewError(record.ErrCodeCenterIDImmutable,
		fmt.Sprintf("center %q is already %d, cannot become %d", c.Name, c.CenterID, centerID))
}

// MarkSynced sets the last import or export time of a center.
func (s *Store) MarkSynced(ctx context.Context, rowID int64, isImport bool, t int64) error {
	column := "last_export"
	if isImport {
		column = "last_import"
	}
	res, err := s.db.ExecContext(ctx, "UPDATE centers SET "+column+" = ? WHERE id = ?", t, rowID)
	if err != nil {
		return fmt.Errorf("mark center synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return record.NewError(record.ErrCodeUnknownCenter, fmt.Sprintf("no center with row ID %d", rowID))
	}
	return nil
}
