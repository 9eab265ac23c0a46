package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/retention"
)

// Purge permanently deletes a change. The latest-purged watermark of its
// (origin, subject) pair is advanced first; entities nothing references
// anymore are then released.
func (s *Store) Purge(ctx context.Context, c record.Change) error {
	return s.purgeID(ctx, c.Header().ID)
}

// PurgeBatch purges changes by ID. Each change is purged in its own
// transaction; failures are collected in a *record.BatchError.
func (s *Store) PurgeBatch(ctx context.Context, ids []int64) (int, error) {
	batch := &record.BatchError{Op: "purge"}
	n := 0
	for _, id := range ids {
		if err := s.purgeID(ctx, id); err != nil {
			batch.Add(err)
			continue
		}
		n++
	}
	return n, batch.Err()
}

func (s *Store) purgeID(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var released []keeper.ItemRef
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		raw, err := rawByID(ctx, tx, id)
		if err != nil {
			return err
		}
		released, err = s.purgeTx(ctx, tx, raw)
		return err
	})
	if err != nil {
		return fmt.Errorf("purge change %d: %w", id, err)
	}
	s.release(ctx, released)
	return nil
}

// purgeTx deletes raw and returns the external entities that became
// unreferenced. Deleted centers nothing refers to are hard-deleted here.
func (s *Store) purgeTx(ctx context.Context, tx *sql.Tx, raw record.Raw) ([]keeper.ItemRef, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO purged_watermarks (origin_center, subject_center, time) VALUES (?, ?, ?)
		ON CONFLICT(origin_center, subject_center) DO UPDATE SET time = MAX(time, excluded.time)
	`, raw.Origin(), raw.SubjectCenter(), raw.Time)
	if err != nil {
		return nil, fmt.Errorf("advance purged watermark: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM changes WHERE id = ?", raw.ID); err != nil {
		return nil, fmt.Errorf("delete change: %w", err)
	}

	var released []keeper.ItemRef
	for _, ref := range dedupe(keeper.Refs(raw, s.reg)) {
		if ref.Type == record.TypeAutoPurger {
			continue
		}
		used, err := referenced(ctx, tx, ref.ID)
		if err != nil {
			return nil, err
		}
		if used {
			continue
		}
		if ref.Type == record.TypeCenter {
			if _, err := tx.ExecContext(ctx, "DELETE FROM centers WHERE id = ? AND deleted = 1", ref.ID); err != nil {
				return nil, fmt.Errorf("delete center %d: %w", ref.ID, err)
			}
			continue
		}
		released = append(released, ref)
	}
	return released, nil
}

// referenced reports whether any change still refers to id in any slot.
// IDs are compared regardless of entity type, which can only keep an
// entity longer than needed.
func referenced(ctx context.Context, q querier, id int64) (bool, error) {
	var used bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM changes
			WHERE major_subject = ?1 OR minor_subject = ?1 OR data1 = ?1 OR data2 = ?1 OR pre_value_id = ?1
		)
	`, id).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check references to %d: %w", id, err)
	}
	return used, nil
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

// release hands unreferenced entities to the persister. Failures are
// logged; the purge itself already committed.
func (s *Store) release(ctx context.Context, refs []keeper.ItemRef) {
	if s.persister == nil {
		return
	}
	for _, ref := range refs {
		if err := s.persister.CheckItemForDelete(ctx, ref); err != nil {
			s.logger.Warn("release unreferenced entity failed", "entity", ref.String(), "error", err)
		}
	}
}

// autoPurge applies the stored policy inside tx.
func (s *Store) autoPurge(ctx context.Context, tx *sql.Tx) (int, []keeper.ItemRef, error) {
	policy, err := readAutoPurger(ctx, tx)
	if err != nil {
		return 0, nil, err
	}
	if !policy.Active() {
		return 0, nil, nil
	}
	selected, err := s.selectPurge(ctx, tx, policy)
	if err != nil {
		return 0, nil, err
	}

	var released []keeper.ItemRef
	for _, raw := range selected {
		rel, err := s.purgeTx(ctx, tx, raw)
		if err != nil {
			return 0, nil, fmt.Errorf("auto-purge change %d: %w", raw.ID, err)
		}
		released = append(released, rel...)
	}
	if len(selected) > 0 {
		s.logger.Info("auto-purged changes", "count", len(selected))
	}
	return len(selected), released, nil
}

// selectPurge returns the changes policy purges now.
func (s *Store) selectPurge(ctx context.Context, q querier, policy *record.AutoPurger) ([]record.Raw, error) {
	changes, err := allRaw(ctx, q)
	if err != nil {
		return nil, err
	}
	centers, err := readCenters(ctx, q)
	if err != nil {
		return nil, err
	}
	attempts, err := exportAttempts(ctx, q, 0, 0)
	if err != nil {
		return nil, err
	}
	now := s.stamper.Now()
	return retention.Select(policy, retention.Input{
		Changes:  changes,
		SafeTime: retention.PurgeSafeTime(centers, s.selfRowID.Load(), now),
		Now:      now,
		ExportError: func(id int64) bool {
			return retention.HasSyncExportError(attempts[id], s.maxTries)
		},
		Internal: s.reg.IsInternal,
	}), nil
}

// exportAttempts loads the export history per change, optionally limited
// to one change and one receiving center. An attempt whose record failed
// or is still pending counts as failed.
func exportAttempts(ctx context.Context, q querier, changeID, centerRowID int64) (map[int64][]retention.ExportAttempt, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT a.change_id, sr.center, sr.id, sr.sync_time, a.error, sr.sync_error IS NOT NULL
		FROM sync_assocs a
		JOIN sync_records sr ON sr.id = a.record_id
		WHERE sr.is_import = 0
		  AND (?1 = 0 OR a.change_id = ?1)
		  AND (?2 = 0 OR sr.center = ?2)
		ORDER BY a.change_id ASC, sr.id ASC
	`, changeID, centerRowID)
	if err != nil {
		return nil, fmt.Errorf("query export attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]retention.ExportAttempt)
	for rows.Next() {
		var (
			id                    int64
			a                     retention.ExportAttempt
			changeErr, recordErr  bool
		)
		if err := rows.Scan(&id, &a.Peer, &a.RecordID, &a.Time, &changeErr, &recordErr); err != nil {
			return nil, fmt.Errorf("scan export attempt: %w", err)
		}
		a.Failed = changeErr || recordErr
		out[id] = append(out[id], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export attempts: %w", err)
	}
	return out, nil
}

// AutoPurger returns the stored policy; an empty policy when none was set.
func (s *Store) AutoPurger(ctx context.Context) (*record.AutoPurger, error) {
	return readAutoPurger(ctx, s.db)
}

func readAutoPurger(ctx context.Context, q querier) (*record.AutoPurger, error) {
	p := &record.AutoPurger{}
	var count, age sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT entry_count, age FROM auto_purge WHERE id = 1").Scan(&count, &age)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read auto-purge policy: %w", err)
	}
	if count.Valid {
		n := int(count.Int64)
		p.EntryCount = &n
	}
	if age.Valid {
		a := age.Int64
		p.Age = &a
	}

	rows, err := q.QueryContext(ctx, "SELECT user_id, user_name FROM auto_purge_users ORDER BY user_id ASC")
	if err != nil {
		return nil, fmt.Errorf("read excluded users: %w", err)
	}
	for rows.Next() {
		var u record.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan excluded user: %w", err)
		}
		p.ExcludedUsers = append(p.ExcludedUsers, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate excluded users: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT subject_type, change_type, additivity FROM auto_purge_types
		ORDER BY subject_type ASC, change_type ASC, additivity ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read excluded types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t   record.RecordType
			add int64
		)
		if err := rows.Scan(&t.SubjectType, &t.ChangeType, &add); err != nil {
			return nil, fmt.Errorf("scan excluded type: %w", err)
		}
		t.Additivity = record.Additivity(add)
		p.ExcludedTypes = append(p.ExcludedTypes, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate excluded types: %w", err)
	}
	return p, nil
}

func writeAutoPurger(ctx context.Context, tx *sql.Tx, p *record.AutoPurger) error {
	var count, age sql.NullInt64
	if p.EntryCount != nil {
		count = sql.NullInt64{Int64: int64(*p.EntryCount), Valid: true}
	}
	if p.Age != nil {
		age = sql.NullInt64{Int64: *p.Age, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO auto_purge (id, entry_count, age) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET entry_count = excluded.entry_count, age = excluded.age
	`, count, age)
	if err != nil {
		return fmt.Errorf("write auto-purge policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM auto_purge_users"); err != nil {
		return fmt.Errorf("clear excluded users: %w", err)
	}
	for _, u := range p.ExcludedUsers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO auto_purge_users (user_id, user_name) VALUES (?, ?)
			ON CONFLICT(user_id) DO NOTHING
		`, u.ID, u.Name)
		if err != nil {
			return fmt.Errorf("write excluded user %d: %w", u.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM auto_purge_types"); err != nil {
		return fmt.Errorf("clear excluded types: %w", err)
	}
	for _, t := range p.ExcludedTypes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO auto_purge_types (subject_type, change_type, additivity) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, t.SubjectType, t.ChangeType, int64(t.Additivity))
		if err != nil {
			return fmt.Errorf("write excluded type %s: %w", t, err)
		}
	}
	return nil
}

// SetAutoPurger stores a new policy, records one change per difference
// from the old one and runs a single purge pass with the new policy. It
// returns the number of purged changes.
func (s *Store) SetAutoPurger(ctx context.Context, txn *keeper.Txn, p *record.AutoPurger) (int, error) {
	if err := txn.RequireUser("set auto-purger"); err != nil {
		return 0, err
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	part, err := s.partition()
	if err != nil {
		return 0, err
	}
	user := txn.UserOr(record.SystemUser)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		purged   int
		released []keeper.ItemRef
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := readAutoPurger(ctx, tx)
		if err != nil {
			return err
		}
		if err := writeAutoPurger(ctx, tx, p); err != nil {
			return err
		}
		if txn.Audited() {
			for _, pc := range retention.Diff(old, p) {
				if _, err := s.persistTx(ctx, tx, part, user, pc.Mutation(s.selfRowID.Load())); err != nil {
					return fmt.Errorf("record %s change: %w", pc.ChangeType, err)
				}
			}
		}
		purged, released, err = s.autoPurge(ctx, tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set auto-purger: %w", err)
	}
	s.release(ctx, released)
	return purged, nil
}

// PreviewAutoPurge counts the changes p would purge now, without purging.
func (s *Store) PreviewAutoPurge(ctx context.Context, p *record.AutoPurger) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	selected, err := s.selectPurge(ctx, s.db, p)
	if err != nil {
		return 0, fmt.Errorf("preview auto-purge: %w", err)
	}
	return len(selected), nil
}

// PurgeSafeTime returns the time before which no peer still needs changes.
func (s *Store) PurgeSafeTime(ctx context.Context) (int64, error) {
	centers, err := s.Centers(ctx)
	if err != nil {
		return 0, err
	}
	return retention.PurgeSafeTime(centers, s.selfRowID.Load(), s.stamper.Now()), nil
}

// HasSyncExportError reports whether a change must be kept for an export retry.
func (s *Store) HasSyncExportError(ctx context.Context, changeID int64) (bool, error) {
	attempts, err := exportAttempts(ctx, s.db, changeID, 0)
	if err != nil {
		return false, err
	}
	return retention.HasSyncExportError(attempts[changeID], s.maxTries), nil
}

// PendingExportErrors lists, by ascending ID, the changes whose last
// export to the center failed within the retry budget.
func (s *Store) PendingExportErrors(ctx context.Context, centerRowID int64) ([]int64, error) {
	attempts, err := exportAttempts(ctx, s.db, 0, centerRowID)
	if err != nil {
		return nil, err
	}
	ids := []int64{}
	for id, a := range attempts {
		if retention.HasSyncExportError(a, s.maxTries) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
