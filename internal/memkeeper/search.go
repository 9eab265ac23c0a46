package memkeeper

import (
	"context"
	"fmt"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/memsearch"
	"github.com/roach88/meshlog/internal/search"
)

type preparedSearch struct {
	p *memsearch.Prepared
}

func (p *preparedSearch) NumParams() int { return p.p.NumParams }

// Search evaluates a search once against the current changes.
func (k *Keeper) Search(ctx context.Context, s search.Search, sorter search.Sorter) ([]int64, error) {
	p, err := memsearch.Prepare(s, sorter)
	if err != nil {
		return nil, err
	}
	return k.execute(ctx, p)
}

// Prepare validates a search for repeated execution. The handle stays
// valid until Destroy or Close.
func (k *Keeper) Prepare(_ context.Context, s search.Search, sorter search.Sorter) (keeper.PreparedSearch, error) {
	p, err := memsearch.Prepare(s, sorter)
	if err != nil {
		return nil, err
	}
	h := &preparedSearch{p: p}
	k.prepMu.Lock()
	k.prepared[h] = struct{}{}
	k.prepMu.Unlock()
	return h, nil
}

// Execute runs a prepared search with params bound to its unspecified
// operands in depth-first order.
func (k *Keeper) Execute(ctx context.Context, handle keeper.PreparedSearch, params ...any) ([]int64, error) {
	h, err := k.lookup(handle)
	if err != nil {
		return nil, err
	}
	return k.execute(ctx, h.p, params...)
}

// execute takes a snapshot on the owner goroutine and evaluates it on the
// caller's.
func (k *Keeper) execute(ctx context.Context, p *memsearch.Prepared, params ...any) ([]int64, error) {
	var snap memsearch.Snapshot
	err := k.do(ctx, func(st *state) error {
		snap = st.searchSnapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return memsearch.Execute(p, snap, params...)
}

func (k *Keeper) Destroy(handle keeper.PreparedSearch) error {
	h, err := k.lookup(handle)
	if err != nil {
		return err
	}
	k.prepMu.Lock()
	delete(k.prepared, h)
	k.prepMu.Unlock()
	return nil
}

func (k *Keeper) lookup(handle keeper.PreparedSearch) (*preparedSearch, error) {
	h, ok := handle.(*preparedSearch)
	if !ok {
		return nil, fmt.Errorf("prepared search %T does not belong to this keeper", handle)
	}
	k.prepMu.Lock()
	_, live := k.prepared[h]
	k.prepMu.Unlock()
	if !live {
		return nil, fmt.Errorf("prepared search was destroyed")
	}
	return h, nil
}
