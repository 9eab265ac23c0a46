package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/meshlog/internal/record"
)

// gapQuery finds the lowest free ID >= hint and < end: the hint itself if
// free, otherwise the slot after the first occupied ID whose successor is
// free. The table name comes from the record.Table whitelist.
const gapQuery = `
	SELECT MIN(x) FROM (
		SELECT ?1 AS x WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE id = ?1)
		UNION ALL
		SELECT t.id + 1 FROM %[1]s t
		WHERE t.id >= ?1 AND t.id + 1 < ?2
		  AND NOT EXISTS (SELECT 1 FROM %[1]s u WHERE u.id = t.id + 1)
	)
`

// nextID allocates an ID for table in partition p.
//
// The lowest free slot at or above the persisted hint wins, so IDs freed
// by purge are reused before the partition grows. When nothing is free
// above the hint the search wraps to the partition start; a full
// partition fails with EXHAUSTED_RANGE.
//
// Callers hold writeMu and pass the transaction that will use the ID.
func nextID(ctx context.Context, tx *sql.Tx, table record.Table, p record.Partition) (int64, error) {
	if !validTable(table) {
		return 0, fmt.Errorf("no ID sequence for table %q", table)
	}

	var hint sql.NullInt64
	err := tx.QueryRowContext(ctx, "SELECT next_id FROM id_hints WHERE tbl = ?", string(table)).Scan(&hint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read %s id hint: %w", table, err)
	}
	start := p.Clamp(hint.Int64)

	id, ok, err := lowestFree(ctx, tx, table, start, p.End)
	if err != nil {
		return 0, err
	}
	if !ok && start > p.Start {
		id, ok, err = lowestFree(ctx, tx, table, p.Start, start)
		if err != nil {
			return 0, err
		}
	}
	if !ok {
		return 0, record.NewExhaustedRangeError(table, p)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO id_hints (tbl, next_id) VALUES (?, ?)
		ON CONFLICT(tbl) DO UPDATE SET next_id = excluded.next_id
	`, string(table), id+1)
	if err != nil {
		return 0, fmt.Errorf("write %s id hint: %w", table, err)
	}
	return id, nil
}

func lowestFree(ctx context.Context, tx *sql.Tx, table record.Table, from, end int64) (int64, bool, error) {
	if from >= end {
		return 0, false, nil
	}
	var id sql.NullInt64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(gapQuery, table), from, end).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("find free %s id: %w", table, err)
	}
	if !id.Valid || id.Int64 >= end {
		return 0, false, nil
	}
	return id.Int64, true, nil
}

func validTable(t record.Table) bool {
	for _, known := range record.Tables {
		if t == known {
			return true
		}
	}
	return false
}
