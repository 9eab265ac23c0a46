package memsearch

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// Snapshot is the data a search runs against: the candidate changes and
// their initial match state.
type Snapshot struct {
	Changes []record.Raw
	// State must have been derived from Changes. When nil, Execute derives
	// it from Records and Assocs.
	State   *MatchState
	Records []*record.SyncRecord
	Assocs  []record.Association
}

// Prepared is a search ready for repeated execution.
type Prepared struct {
	search    search.Search
	sorter    search.Sorter
	NumParams int
}

// Prepare validates a search, applies the local-only default and checks
// the sorter.
func Prepare(s search.Search, sorter search.Sorter) (*Prepared, error) {
	if err := search.Validate(s).Err(); err != nil {
		return nil, err
	}
	for _, k := range sorter.Keys {
		switch k.Field {
		case search.SortChangeTime, search.SortChangeType, search.SortChangeUser:
		default:
			return nil, fmt.Errorf("unsupported sort field: %s", k.Field)
		}
	}
	s = search.WithDefaults(s)
	return &Prepared{search: s, sorter: sorter, NumParams: search.ParamCount(s)}, nil
}

// Execute runs a prepared search and returns the matching change IDs in
// sorter order. It fails with *search.MissingParameterError when fewer
// than NumParams parameters are supplied.
func Execute(p *Prepared, snap Snapshot, params ...any) ([]int64, error) {
	bound, err := search.Bind(p.search, params...)
	if err != nil {
		return nil, err
	}

	state := snap.State
	if state == nil {
		state = NewMatchState(snap.Changes, snap.Records, snap.Assocs)
	}
	if state.Len() != len(snap.Changes) {
		return nil, fmt.Errorf("match state covers %d changes, snapshot has %d", state.Len(), len(snap.Changes))
	}

	n := uint(len(snap.Changes))
	candidates := bitset.New(n)
	for i := uint(0); i < n; i++ {
		candidates.Set(i)
	}

	for _, term := range conjuncts(bound) {
		state, err = pass(term, snap.Changes, candidates, state)
		if err != nil {
			return nil, err
		}
		if candidates.None() {
			break
		}
	}

	matched := make([]*record.Raw, 0, candidates.Count())
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		matched = append(matched, &snap.Changes[i])
	}
	slices.SortStableFunc(matched, comparator(p.sorter))

	ids := make([]int64, len(matched))
	for i, c := range matched {
		ids[i] = c.ID
	}
	return ids, nil
}

// conjuncts splits the top-level And of a search into its terms.
func conjuncts(s search.Search) []search.Search {
	if and, ok := s.(*search.And); ok {
		return and.Terms
	}
	return []search.Search{s}
}

// pass narrows candidates to the changes with at least one row on which
// term is TRUE, and returns the state holding the surviving rows.
func pass(term search.Search, changes []record.Raw, candidates *bitset.BitSet, state *MatchState) (*MatchState, error) {
	rowDependent := search.HasSyncLeaf(term)
	updates := make(map[int][]*Row)

	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		c := &changes[i]
		rows := state.Rows(int(i))

		if !rowDependent {
			v, err := eval(term, c, nil)
			if err != nil {
				return nil, err
			}
			if v != triTrue {
				candidates.Clear(i)
			}
			continue
		}

		var keep []*Row
		for _, r := range rows {
			v, err := eval(term, c, r)
			if err != nil {
				return nil, err
			}
			if v == triTrue {
				keep = append(keep, r)
			}
		}
		switch {
		case len(keep) == 0:
			candidates.Clear(i)
		case len(keep) < len(rows):
			updates[int(i)] = keep
		}
	}
	return state.with(updates), nil
}

// comparator orders changes like the SQL backend: NULL first when
// ascending, strings byte-wise, ID ascending as the final tiebreaker.
func comparator(sorter search.Sorter) func(a, b *record.Raw) int {
	return func(a, b *record.Raw) int {
		for _, k := range sorter.Keys {
			var c int
			switch k.Field {
			case search.SortChangeTime:
				c = cmp.Compare(a.Time, b.Time)
			case search.SortChangeType:
				c = strings.Compare(a.SubjectType, b.SubjectType)
				if c == 0 {
					c = compareNullable(changeType(a), changeType(b))
				}
			case search.SortChangeUser:
				c = cmp.Compare(a.UserID, b.UserID)
			}
			if k.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	}
}

func compareNullable(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return strings.Compare(*a, *b)
	}
}
