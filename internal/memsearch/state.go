package memsearch

import (
	"cmp"
	"slices"

	"github.com/roach88/meshlog/internal/record"
)

// Row is one association of a change with a live sync record.
type Row struct {
	RecordID    int64
	SyncTime    int64
	Import      bool
	Succeeded   bool
	ChangeError bool
}

// MatchState holds the viable association rows of every candidate. A nil
// *Row is the all-NULL row of a change without associations.
//
// A MatchState is immutable: passes derive new states instead of
// modifying one.
type MatchState struct {
	rows [][]*Row
}

// nullRows is shared by every candidate without associations.
var nullRows = []*Row{nil}

// NewMatchState derives the initial match state for changes from the live
// sync records and their associations. Associations of records not in
// records are ignored. It is a pure function of its inputs.
func NewMatchState(changes []record.Raw, records []*record.SyncRecord, assocs []record.Association) *MatchState {
	live := make(map[int64]*record.SyncRecord, len(records))
	for _, r := range records {
		live[r.ID] = r
	}

	byChange := make(map[int64][]*Row)
	for _, a := range assocs {
		rec, ok := live[a.RecordID]
		if !ok {
			continue
		}
		byChange[a.ChangeID] = append(byChange[a.ChangeID], &Row{
			RecordID:    a.RecordID,
			SyncTime:    rec.Time,
			Import:      rec.IsImport,
			Succeeded:   rec.Succeeded(),
			ChangeError: a.Error,
		})
	}

	state := &MatchState{rows: make([][]*Row, len(changes))}
	for i, c := range changes {
		rows, ok := byChange[c.ID]
		if !ok {
			state.rows[i] = nullRows
			continue
		}
		slices.SortFunc(rows, func(a, b *Row) int { return cmp.Compare(a.RecordID, b.RecordID) })
		state.rows[i] = rows
	}
	return state
}

// Len returns the number of candidates.
func (m *MatchState) Len() int { return len(m.rows) }

// Rows returns the viable rows of candidate i. The slice must not be modified.
func (m *MatchState) Rows(i int) []*Row { return m.rows[i] }

// with returns a copy of m in which candidate i has the given rows.
// Only the outer slice is copied; row slices are shared and never mutated.
func (m *MatchState) with(updates map[int][]*Row) *MatchState {
	if len(updates) == 0 {
		return m
	}
	next := &MatchState{rows: slices.Clone(m.rows)}
	for i, rows := range updates {
		next.rows[i] = rows
	}
	return next
}

// Equal reports whether two states hold the same rows for every candidate.
func (m *MatchState) Equal(o *MatchState) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i := range m.rows {
		if !slices.EqualFunc(m.rows[i], o.rows[i], func(a, b *Row) bool {
			if a == nil || b == nil {
				return a == b
			}
			return *a == *b
		}) {
			return false
		}
	}
	return true
}
