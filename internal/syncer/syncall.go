package syncer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/meshlog/internal/record"
)

// Peers returns the centers SyncAll contacts: every live center other than
// this installation that has a server URL.
func (s *Synchronizer) Peers(ctx context.Context) ([]*record.Center, error) {
	self, err := s.keeper.SelfCenter(ctx)
	if err != nil {
		return nil, err
	}
	centers, err := s.keeper.Centers(ctx)
	if err != nil {
		return nil, err
	}
	var peers []*record.Center
	for _, c := range centers {
		if c.ID == self.ID || c.Deleted || c.ServerURL == "" {
			continue
		}
		peers = append(peers, c)
	}
	return peers, nil
}

// SyncAll imports from every peer concurrently. Every session runs to its
// end; failures are collected in a *record.BatchError and the result of
// each session is returned in peer order.
func (s *Synchronizer) SyncAll(ctx context.Context, syncType record.SyncType) ([]*Result, error) {
	peers, err := s.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync all: %w", err)
	}

	results := make([]*Result, len(peers))
	var g errgroup.Group
	if s.parallel > 0 {
		g.SetLimit(s.parallel)
	}
	for i, c := range peers {
		g.Go(func() error {
			res, err := s.Import(ctx, c, syncType)
			if res == nil {
				res = &Result{Center: c}
			}
			res.Err = err
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	batch := &record.BatchError{Op: "sync all"}
	for _, r := range results {
		if r.Err != nil {
			batch.Add(fmt.Errorf("center %q: %w", r.Center.Name, r.Err))
		}
	}
	return results, batch.Err()
}
