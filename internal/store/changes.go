package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

const changeColumns = `id, time, local_only, user_id, subject_type, change_type, additivity,
	major_subject, minor_subject, data1, data2, pre_value_id, pre_value`

// maxInList bounds the number of placeholders in one IN (...) query.
const maxInList = 500

// Persist records a local change: allocates its ID and time, writes it and
// runs the auto-purge pass in the same transaction.
//
// A memory-only transaction records nothing and returns nil, nil.
func (s *Store) Persist(ctx context.Context, txn *keeper.Txn, m keeper.Mutation) (*record.ChangeRecord, error) {
	if txn != nil && txn.MemoryOnly {
		return nil, nil
	}
	p, err := s.partition()
	if err != nil {
		return nil, err
	}
	user := txn.UserOr(record.SystemUser)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		raw      record.Raw
		released []keeper.ItemRef
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if raw, err = s.persistTx(ctx, tx, p, user, m); err != nil {
			return err
		}
		_, released, err = s.autoPurge(ctx, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist change: %w", err)
	}
	s.release(ctx, released)
	return m.Record(raw, user), nil
}

// persistTx prepares m and inserts it as a new local change.
func (s *Store) persistTx(ctx context.Context, tx *sql.Tx, p record.Partition, user record.User, m keeper.Mutation) (record.Raw, error) {
	raw, err := m.Prepare(s.persister)
	if err != nil {
		return record.Raw{}, err
	}
	if raw.ID, err = nextID(ctx, tx, record.TableChanges, p); err != nil {
		return record.Raw{}, err
	}
	raw.Time = s.stamper.Next()
	raw.UserID = user.ID
	if _, err := insertRaw(ctx, tx, raw); err != nil {
		return record.Raw{}, err
	}
	return raw, nil
}

// insertRaw writes a change keeping its ID and time. Uses ON CONFLICT(id)
// DO NOTHING for idempotency; inserted is false when the ID was present.
func insertRaw(ctx context.Context, q querier, raw record.Raw) (inserted bool, err error) {
	var changeType sql.NullString
	if raw.ChangeType != "" {
		changeType = sql.NullString{String: raw.ChangeType, Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO changes (`+changeColumns+`, origin_center, subject_center)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		raw.ID, raw.Time, boolInt(raw.LocalOnly), raw.UserID, raw.SubjectType, changeType,
		int64(raw.Additivity), raw.Major, nullInt(raw.Minor), nullInt(raw.Data1), nullInt(raw.Data2),
		nullInt(raw.PreValueID), nullString(raw.PreValueText),
		raw.Origin(), raw.SubjectCenter(),
	)
	if err != nil {
		return false, fmt.Errorf("insert change %d: %w", raw.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert change %d: rows affected: %w", raw.ID, err)
	}
	return n > 0, nil
}

// ImportChange stores a change received from a peer, keeping its ID and
// time. It reports false when the change was already present. Local
// changes stamped afterwards sort after it.
func (s *Store) ImportChange(ctx context.Context, raw record.Raw) (bool, error) {
	if !raw.Additivity.Valid() {
		return false, fmt.Errorf("import change %d: invalid additivity %d", raw.ID, int(raw.Additivity))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	inserted, err := insertRaw(ctx, s.db, raw)
	if err != nil {
		return false, err
	}
	s.stamper.Observe(raw.Time)
	return inserted, nil
}

// SetLocalOnly updates the only mutable field of a change.
func (s *Store) SetLocalOnly(ctx context.Context, id int64, localOnly bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE changes SET local_only = ? WHERE id = ?", boolInt(localOnly), id)
	if err != nil {
		return fmt.Errorf("set local only: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set local only: no change %d", id)
	}
	return nil
}

// RawChanges returns stored changes by ID in the order given, skipping
// missing ones.
func (s *Store) RawChanges(ctx context.Context, ids []int64) ([]record.Raw, error) {
	found, err := rawByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]record.Raw, 0, len(ids))
	for _, id := range ids {
		if raw, ok := found[id]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

// Changes decodes changes by ID in the order given. Missing changes are
// collected in a *record.BatchError; changes whose types no longer resolve
// come back as *record.ChangeRecordError.
func (s *Store) Changes(ctx context.Context, ids []int64) ([]record.Change, error) {
	found, err := rawByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	resolver, err := s.resolver(ctx)
	if err != nil {
		return nil, err
	}

	batch := &record.BatchError{Op: "get changes"}
	out := make([]record.Change, 0, len(ids))
	for _, id := range ids {
		raw, ok := found[id]
		if !ok {
			batch.Add(fmt.Errorf("change %d not found", id))
			continue
		}
		out = append(out, record.Decode(raw, s.reg, resolver))
	}
	return out, batch.Err()
}

// resolver snapshots centers and the policy for decoding.
func (s *Store) resolver(ctx context.Context) (*keeper.Resolver, error) {
	centers, err := s.Centers(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := s.AutoPurger(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*record.Center, len(centers))
	for _, c := range centers {
		byID[c.ID] = c
	}
	return &keeper.Resolver{
		Persister: s.persister,
		Center:    func(id int64) *record.Center { return byID[id] },
		Policy:    func() *record.AutoPurger { return policy },
	}, nil
}

// ChangesSince returns the non-local changes newer than the watermark of
// their (origin, subject) pair, oldest first.
func (s *Store) ChangesSince(ctx context.Context, wm record.Watermarks) ([]record.Raw, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM changes
		WHERE local_only = 0
		ORDER BY time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query changes since: %w", err)
	}
	defer rows.Close()

	out := []record.Raw{}
	for rows.Next() {
		raw, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		if raw.Time > wm.Get(record.Pair{Origin: raw.Origin(), Subject: raw.SubjectCenter()}) {
			out = append(out, raw)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes since: %w", err)
	}
	return out, nil
}

// allRaw returns every stored change ordered by ID.
func allRaw(ctx context.Context, q querier) ([]record.Raw, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+changeColumns+" FROM changes ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	out := []record.Raw{}
	for rows.Next() {
		raw, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

func rawByID(ctx context.Context, q querier, id int64) (record.Raw, error) {
	row := q.QueryRowContext(ctx, "SELECT "+changeColumns+" FROM changes WHERE id = ?", id)
	raw, err := scanRaw(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Raw{}, fmt.Errorf("change %d not found", id)
	}
	return raw, err
}

func rawByIDs(ctx context.Context, q querier, ids []int64) (map[int64]record.Raw, error) {
	out := make(map[int64]record.Raw, len(ids))
	for start := 0; start < len(ids); start += maxInList {
		chunk := ids[start:min(start+maxInList, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		rows, err := q.QueryContext(ctx, "SELECT "+changeColumns+" FROM changes WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return nil, fmt.Errorf("query changes: %w", err)
		}
		for rows.Next() {
			raw, err := scanRaw(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[raw.ID] = raw
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate changes: %w", err)
		}
	}
	return out, nil
}

func scanRaw(sc scanner) (record.Raw, error) {
	var (
		raw                             record.Raw
		localOnly, additivity           int64
		changeType, preValue            sql.NullString
		minor, data1, data2, preValueID sql.NullInt64
	)
	err := sc.Scan(&raw.ID, &raw.Time, &localOnly, &raw.UserID, &raw.SubjectType, &changeType, &additivity,
		&raw.Major, &minor, &data1, &data2, &preValueID, &preValue)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Raw{}, err
	}
	if err != nil {
		return record.Raw{}, fmt.Errorf("scan change: %w", err)
	}
	raw.LocalOnly = localOnly != 0
	raw.ChangeType = changeType.String
	raw.Additivity = record.Additivity(additivity)
	raw.Minor = ptrInt(minor)
	raw.Data1 = ptrInt(data1)
	raw.Data2 = ptrInt(data2)
	raw.PreValueID = ptrInt(preValueID)
	if preValue.Valid {
		v := preValue.String
		raw.PreValueText = &v
	}
	return raw, nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
