package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/meshlog/internal/record"
)

const syncRecordColumns = "id, center, sync_type, sync_time, is_import, parallel_id, sync_error"

// SyncRecords lists the sync records of a center, oldest first. A nil
// center lists all of them.
func (s *Store) SyncRecords(ctx context.Context, center *record.Center) ([]*record.SyncRecord, error) {
	var centerRowID int64
	if center != nil {
		centerRowID = center.ID
	}
	centers, err := s.centerIndex(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+syncRecordColumns+` FROM sync_records
		WHERE ?1 = 0 OR center = ?1
		ORDER BY sync_time ASC, id ASC
	`, centerRowID)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	out := []*record.SyncRecord{}
	for rows.Next() {
		r, err := scanSyncRecord(rows, centers)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return out, nil
}

// SyncRecord returns one sync record.
func (s *Store) SyncRecord(ctx context.Context, id int64) (*record.SyncRecord, error) {
	centers, err := s.centerIndex(ctx)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+syncRecordColumns+" FROM sync_records WHERE id = ?", id)
	r, err := scanSyncRecord(row, centers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.NewError(record.ErrCodeReceiptNotFound, fmt.Sprintf("no sync record %d", id))
	}
	return r, err
}

func (s *Store) centerIndex(ctx context.Context) (map[int64]*record.Center, error) {
	centers, err := s.Centers(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[int64]*record.Center, len(centers))
	for _, c := range centers {
		idx[c.ID] = c
	}
	return idx, nil
}

func scanSyncRecord(sc scanner, centers map[int64]*record.Center) (*record.SyncRecord, error) {
	var (
		r         record.SyncRecord
		centerRow int64
		syncType  string
		isImport  int64
		syncError sql.NullString
	)
	err := sc.Scan(&r.ID, &centerRow, &syncType, &r.Time, &isImport, &r.ParallelID, &syncError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync record: %w", err)
	}
	r.Type = record.SyncType(syncType)
	r.IsImport = isImport != 0
	if syncError.Valid {
		msg := syncError.String
		r.SyncError = &msg
	}
	r.Center = centers[centerRow]
	if r.Center == nil {
		r.Center = &record.Center{ID: centerRow, CenterID: record.UnknownCenterID}
	}
	return &r, nil
}

// PutSyncRecord inserts a new record (ID 0) or updates the parallel ID of
// an existing one. The outcome is written only by CloseSyncRecord.
func (s *Store) PutSyncRecord(ctx context.Context, r *record.SyncRecord) error {
	if r.Center == nil || r.Center.ID == 0 {
		return fmt.Errorf("put sync record: no center")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("put sync record: invalid sync type %q", r.Type)
	}

	if r.ID != 0 {
		res, err := s.db.ExecContext(ctx, "UPDATE sync_records SET parallel_id = ? WHERE id = ?", r.ParallelID, r.ID)
		if err != nil {
			return fmt.Errorf("put sync record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return record.NewError(record.ErrCodeReceiptNotFound, fmt.Sprintf("no sync record %d", r.ID))
		}
		return nil
	}

	p, err := s.partition()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = nextID(ctx, tx, record.TableSyncRecords, p); err != nil {
			return err
		}
		return insertSyncRecord(ctx, tx, id, r)
	})
	if err != nil {
		return fmt.Errorf("put sync record: %w", err)
	}
	r.ID = id
	return nil
}

func insertSyncRecord(ctx context.Context, q querier, id int64, r *record.SyncRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_records (`+syncRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, r.Center.ID, string(r.Type), r.Time, boolInt(r.IsImport), r.ParallelID, nullString(r.SyncError))
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// CloseSyncRecord stores the outcome of an attempt. A record can be closed
// only once; a second close fails with RECORD_CLOSED and changes nothing.
func (s *Store) CloseSyncRecord(ctx context.Context, r *record.SyncRecord, cause error) error {
	closed := *r
	if err := closed.Close(cause); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET sync_error = ?, parallel_id = ?
		WHERE id = ? AND sync_error = '?'
	`, nullString(closed.SyncError), closed.ParallelID, r.ID)
	if err != nil {
		return fmt.Errorf("close sync record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return record.NewError(record.ErrCodeRecordClosed, fmt.Sprintf("sync record %d already closed or missing", r.ID))
	}
	*r = closed
	return nil
}

// RemoveSyncRecord deletes a record; its associations cascade.
func (s *Store) RemoveSyncRecord(ctx context.Context, r *record.SyncRecord) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_records WHERE id = ?", r.ID); err != nil {
		return fmt.Errorf("remove sync record: %w", err)
	}
	return nil
}

// Associate links changes to the record that transports them. An existing
// association takes the new error flag.
func (s *Store) Associate(ctx context.Context, r *record.SyncRecord, changeIDs []int64, failed bool) error {
	if len(changeIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sync_assocs (record_id, change_id, error) VALUES (?, ?, ?)
			ON CONFLICT(record_id, change_id) DO UPDATE SET error = excluded.error
		`)
		if err != nil {
			return fmt.Errorf("associate: prepare: %w", err)
		}
		defer stmt.Close()
		for _, id := range changeIDs {
			if _, err := stmt.ExecContext(ctx, r.ID, id, boolInt(failed)); err != nil {
				return fmt.Errorf("associate change %d with record %d: %w", id, r.ID, err)
			}
		}
		return nil
	})
}

// SetAssociationError sets the error flag of one association, or of every
// association of the record when changeID is 0.
func (s *Store) SetAssociationError(ctx context.Context, recordID, changeID int64, failed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_assocs SET error = ?
		WHERE record_id = ? AND (?3 = 0 OR change_id = ?3)
	`, boolInt(failed), recordID, changeID)
	if err != nil {
		return fmt.Errorf("set association error: %w", err)
	}
	return nil
}

// Associations lists the associations of a change by record ID.
func (s *Store) Associations(ctx context.Context, changeID int64) ([]record.Association, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, change_id, error FROM sync_assocs
		WHERE change_id = ?
		ORDER BY record_id ASC
	`, changeID)
	if err != nil {
		return nil, fmt.Errorf("query associations: %w", err)
	}
	defer rows.Close()

	out := []record.Association{}
	for rows.Next() {
		var a record.Association
		if err := rows.Scan(&a.RecordID, &a.ChangeID, &a.Error); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate associations: %w", err)
	}
	return out, nil
}
