package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/meshlog/internal/record"
)

// Loopback connects synchronizers of one process by server URL. Requests
// and responses are round-tripped through JSON so sessions see exactly
// what a network transport would deliver.
//
// Thread-safety: all methods are safe for concurrent use.
type Loopback struct {
	mu    sync.RWMutex
	peers map[string]*Synchronizer
}

var _ Dialer = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[string]*Synchronizer)}
}

// Register makes s reachable at url, replacing any previous listener.
func (l *Loopback) Register(url string, s *Synchronizer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[url] = s
}

// Unregister makes url unreachable.
func (l *Loopback) Unregister(url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, url)
}

func (l *Loopback) Dial(_ context.Context, center *record.Center) (Transport, error) {
	l.mu.RLock()
	peer, ok := l.peers[center.ServerURL]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("nothing listening at %q", center.ServerURL)
	}
	return &loopTransport{peer: peer}, nil
}

type loopTransport struct {
	peer *Synchronizer
}

func (t *loopTransport) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	var sent SyncRequest
	if err := roundTrip(req, &sent); err != nil {
		return nil, err
	}
	resp, err := t.peer.Export(ctx, &sent)
	if err != nil {
		return nil, err
	}
	var got SyncResponse
	if err := roundTrip(resp, &got); err != nil {
		return nil, err
	}
	return &got, nil
}

func (t *loopTransport) SendReceipt(ctx context.Context, receipt []byte) error {
	return t.peer.HandleReceipt(ctx, bytes.Clone(receipt))
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("loopback: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("loopback: %w", err)
	}
	return nil
}
