package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/querysql"
	"github.com/roach88/meshlog/internal/search"
)

// preparedSearch is a compiled search bound to a prepared statement.
type preparedSearch struct {
	query *querysql.Prepared
	stmt  *sql.Stmt
}

func (p *preparedSearch) NumParams() int { return p.query.NumParams }

// Search compiles and runs a search once.
func (s *Store) Search(ctx context.Context, q search.Search, sorter search.Sorter) ([]int64, error) {
	compiled, err := s.compiler.Compile(q, sorter)
	if err != nil {
		return nil, err
	}
	args, err := compiled.Args()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, compiled.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return scanIDs(rows)
}

// Prepare compiles a search and prepares its statement. The handle stays
// valid until Destroy or Close.
func (s *Store) Prepare(ctx context.Context, q search.Search, sorter search.Sorter) (keeper.PreparedSearch, error) {
	compiled, err := s.compiler.Compile(q, sorter)
	if err != nil {
		return nil, err
	}
	stmt, err := s.db.PrepareContext(ctx, compiled.SQL)
	if err != nil {
		return nil, fmt.Errorf("prepare search: %w", err)
	}
	p := &preparedSearch{query: compiled, stmt: stmt}

	s.prepMu.Lock()
	s.prepared[p] = struct{}{}
	s.prepMu.Unlock()
	return p, nil
}

// Execute runs a prepared search with params bound to its unspecified
// operands in depth-first order.
func (s *Store) Execute(ctx context.Context, handle keeper.PreparedSearch, params ...any) ([]int64, error) {
	p, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	args, err := p.query.Args(params...)
	if err != nil {
		return nil, err
	}
	rows, err := p.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}
	return scanIDs(rows)
}

// Destroy releases a prepared search.
func (s *Store) Destroy(handle keeper.PreparedSearch) error {
	p, err := s.lookup(handle)
	if err != nil {
		return err
	}
	s.prepMu.Lock()
	delete(s.prepared, p)
	s.prepMu.Unlock()
	return p.stmt.Close()
}

func (s *Store) lookup(handle keeper.PreparedSearch) (*preparedSearch, error) {
	p, ok := handle.(*preparedSearch)
	if !ok {
		return nil, fmt.Errorf("prepared search %T does not belong to this store", handle)
	}
	s.prepMu.Lock()
	_, live := s.prepared[p]
	s.prepMu.Unlock()
	if !live {
		return nil, fmt.Errorf("prepared search was destroyed")
	}
	return p, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan change id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change ids: %w", err)
	}
	return ids, nil
}
