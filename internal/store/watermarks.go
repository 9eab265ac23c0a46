package store

import (
	"context"
	"fmt"

	"github.com/roach88/meshlog/internal/record"
)

// LatestChanges returns, per (origin, subject) pair, the newest change time
// this installation has seen. Purged changes count: their times live on in
// the latest-purged watermarks.
func (s *Store) LatestChanges(ctx context.Context) (record.Watermarks, error) {
	return latestChanges(ctx, s.db)
}

func latestChanges(ctx context.Context, q querier) (record.Watermarks, error) {
	wm, err := readWatermarks(ctx, q, `
		SELECT origin_center, subject_center, MAX(time) FROM changes
		GROUP BY origin_center, subject_center
	`)
	if err != nil {
		return nil, fmt.Errorf("latest changes: %w", err)
	}
	purged, err := latestPurged(ctx, q)
	if err != nil {
		return nil, err
	}
	wm.Merge(purged)
	return wm, nil
}

// LatestPurged returns the newest purged change time per pair.
func (s *Store) LatestPurged(ctx context.Context) (record.Watermarks, error) {
	return latestPurged(ctx, s.db)
}

func latestPurged(ctx context.Context, q querier) (record.Watermarks, error) {
	wm, err := readWatermarks(ctx, q, "SELECT origin_center, subject_center, time FROM purged_watermarks")
	if err != nil {
		return nil, fmt.Errorf("latest purged: %w", err)
	}
	return wm, nil
}

// GetLatestChange returns what a peer is known to hold.
func (s *Store) GetLatestChange(ctx context.Context, centerRowID int64) (record.Watermarks, error) {
	wm, err := readWatermarks(ctx, s.db, `
		SELECT origin_center, subject_center, time FROM peer_watermarks WHERE center = ?
	`, centerRowID)
	if err != nil {
		return nil, fmt.Errorf("peer watermarks of center %d: %w", centerRowID, err)
	}
	return wm, nil
}

// SetLatestChange merges a peer's watermarks into what is known about it.
// Watermarks never move backwards.
func (s *Store) SetLatestChange(ctx context.Context, centerRowID int64, wm record.Watermarks) error {
	if _, err := s.Center(ctx, centerRowID); err != nil {
		return err
	}
	return setPeerWatermarks(ctx, s.db, centerRowID, wm)
}

func setPeerWatermarks(ctx context.Context, q querier, centerRowID int64, wm record.Watermarks) error {
	for _, e := range wm.Entries() {
		_, err := q.ExecContext(ctx, `
			INSERT INTO peer_watermarks (center, origin_center, subject_center, time) VALUES (?, ?, ?, ?)
			ON CONFLICT(center, origin_center, subject_center) DO UPDATE SET time = MAX(time, excluded.time)
		`, centerRowID, e.Origin, e.Subject, e.Time)
		if err != nil {
			return fmt.Errorf("set peer watermark (%d, %d): %w", e.Origin, e.Subject, err)
		}
	}
	return nil
}

func readWatermarks(ctx context.Context, q querier, query string, args ...any) (record.Watermarks, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wm := record.Watermarks{}
	for rows.Next() {
		var (
			p record.Pair
			t int64
		)
		if err := rows.Scan(&p.Origin, &p.Subject, &t); err != nil {
			return nil, err
		}
		wm.Raise(p, t)
	}
	return wm, rows.Err()
}
