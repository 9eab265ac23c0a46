package syncer

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// Fact identifies what a change is about. Creations and deletions of the
// same thing share a fact; modifications form their own.
type Fact struct {
	SubjectType string `json:"subjectType"`
	ChangeType  string `json:"changeType,omitempty"`
	Major       int64  `json:"major"`
	// Minor is nil for changes without a minor subject.
	Minor     *int64 `json:"minor,omitempty"`
	Existence bool   `json:"existence"`
}

// FactOf returns the fact raw touches.
func FactOf(raw record.Raw) Fact {
	f := Fact{
		SubjectType: raw.SubjectType,
		ChangeType:  raw.ChangeType,
		Major:       raw.Major,
		Existence:   raw.Additivity != record.Modification,
	}
	if raw.Minor != nil {
		m := *raw.Minor
		f.Minor = &m
	}
	return f
}

// key is a comparable form of Fact.
type factKey struct {
	subject, change string
	major           int64
	minor           int64
	hasMinor        bool
	existence       bool
}

func (f Fact) key() factKey {
	k := factKey{subject: f.SubjectType, change: f.ChangeType, major: f.Major, existence: f.Existence}
	if f.Minor != nil {
		k.minor, k.hasMinor = *f.Minor, true
	}
	return k
}

func (f Fact) String() string {
	s := fmt.Sprintf("%s/%s/%d", f.SubjectType, f.ChangeType, f.Major)
	if f.Minor != nil {
		s += fmt.Sprintf("/%d", *f.Minor)
	}
	return s
}

// ActionKind is what applying a change does to the local data set.
type ActionKind int

const (
	// ActionCreate creates a fact that does not exist.
	ActionCreate ActionKind = iota + 1
	// ActionReplace overwrites an existing fact with the created data.
	ActionReplace
	ActionDelete
	ActionModify
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreate:
		return "create"
	case ActionReplace:
		return "replace"
	case ActionDelete:
		return "delete"
	case ActionModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Action is a resolved change for SynchronizeImpl.Apply.
type Action struct {
	Kind   ActionKind
	Fact   Fact
	Change record.Raw
	// Value is the exporter's value of the fact, if it sent one.
	Value json.RawMessage
}

// decide resolves one incoming change against the local history of its
// fact. history holds local changes only; last reports whether c is the
// newest incoming occurrence of the fact. edits are the local
// modifications of the subject a creation would replace.
func decide(c record.Raw, last, exists bool, history, edits []record.Raw) (ActionKind, bool) {
	switch c.Additivity {
	case record.Creation:
		if laterExistence(history, c) {
			return 0, false
		}
		if !exists {
			return ActionCreate, true
		}
		if newer(history, c) || newer(edits, c) {
			return 0, false
		}
		return ActionReplace, true
	case record.Removal:
		if !last || !exists || laterExistence(history, c) {
			return 0, false
		}
		return ActionDelete, true
	default:
		if !last || newer(history, c) {
			return 0, false
		}
		return ActionModify, true
	}
}

func laterExistence(history []record.Raw, c record.Raw) bool {
	return slices.ContainsFunc(history, func(h record.Raw) bool {
		return h.Additivity != record.Modification && h.Time > c.Time
	})
}

func newer(history []record.Raw, c record.Raw) bool {
	return slices.ContainsFunc(history, func(h record.Raw) bool { return h.Time > c.Time })
}

// group is the incoming changes of one fact, oldest first.
type group struct {
	fact    Fact
	changes []Change
}

// groupByFact groups changes by fact. Groups come in the order of their
// oldest change; changes inside a group are oldest first.
func groupByFact(changes []Change) []*group {
	sorted := slices.Clone(changes)
	slices.SortStableFunc(sorted, func(a, b Change) int {
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	byKey := make(map[factKey]*group)
	var out []*group
	for _, c := range sorted {
		f := FactOf(c.Raw)
		g, ok := byKey[f.key()]
		if !ok {
			g = &group{fact: f}
			byKey[f.key()] = g
			out = append(out, g)
		}
		g.changes = append(g.changes, c)
	}
	return out
}

// historySearch matches every stored change of a fact, local-only ones
// included.
func historySearch(f Fact) search.Search {
	changeType := search.Null[string]()
	if f.ChangeType != "" {
		changeType = search.Lit(f.ChangeType)
	}
	minor := search.Null[int64]()
	if f.Minor != nil {
		minor = search.Lit(*f.Minor)
	}
	return search.All(
		&search.SubjectTypeIs{Type: search.Lit(f.SubjectType)},
		&search.ChangeTypeIs{Type: changeType},
		&search.FieldIs{Field: search.FieldMajor, ID: search.Lit(f.Major)},
		&search.FieldIs{Field: search.FieldMinor, ID: minor},
		&search.LocalOnly{Value: search.Null[bool]()},
	)
}

// editsSearch matches every stored modification of a fact's subject.
func editsSearch(f Fact) search.Search {
	return search.All(
		&search.SubjectTypeIs{Type: search.Lit(f.SubjectType)},
		&search.FieldIs{Field: search.FieldMajor, ID: search.Lit(f.Major)},
		&search.AdditivityIs{Additivity: search.Lit(record.Modification)},
		&search.LocalOnly{Value: search.Null[bool]()},
	)
}

// localHistory loads the stored changes of a fact that are not part of the
// incoming batch.
func (s *Synchronizer) localHistory(ctx context.Context, f Fact, incoming map[int64]bool) ([]record.Raw, error) {
	raws, err := s.localChanges(ctx, historySearch(f), incoming)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", f, err)
	}
	return slices.DeleteFunc(raws, func(r record.Raw) bool {
		return (r.Additivity != record.Modification) != f.Existence
	}), nil
}

// subjectEdits loads the local modifications of an existence fact's
// subject. Modification facts have none.
func (s *Synchronizer) subjectEdits(ctx context.Context, f Fact, incoming map[int64]bool) ([]record.Raw, error) {
	if !f.Existence {
		return nil, nil
	}
	raws, err := s.localChanges(ctx, editsSearch(f), incoming)
	if err != nil {
		return nil, fmt.Errorf("edits of %s: %w", f, err)
	}
	return raws, nil
}

func (s *Synchronizer) localChanges(ctx context.Context, q search.Search, incoming map[int64]bool) ([]record.Raw, error) {
	ids, err := s.keeper.Search(ctx, q, search.Sorter{})
	if err != nil {
		return nil, err
	}
	ids = slices.DeleteFunc(ids, func(id int64) bool { return incoming[id] })
	return s.keeper.RawChanges(ctx, ids)
}

// applyChanges imports every change and applies the resolved actions.
// Per-change failures are collected; the change stays imported and its
// association is marked failed.
func (s *Synchronizer) applyChanges(ctx context.Context, rec *record.SyncRecord, changes []Change, res *Result) error {
	reg := s.keeper.Registry()
	incoming := make(map[int64]bool, len(changes))
	for _, c := range changes {
		incoming[c.ID] = true
	}

	batch := &record.BatchError{Op: "apply changes"}
	for _, g := range groupByFact(changes) {
		history, err := s.localHistory(ctx, g.fact, incoming)
		if err != nil {
			return err
		}
		edits, err := s.subjectEdits(ctx, g.fact, incoming)
		if err != nil {
			return err
		}
		for i, c := range g.changes {
			if err := ctx.Err(); err != nil {
				return err
			}
			inserted, err := s.keeper.ImportChange(ctx, c.Raw)
			if err != nil {
				return fmt.Errorf("import change %d: %w", c.ID, err)
			}
			if inserted {
				res.Imported++
			}

			applyErr := s.applyOne(ctx, reg, g.fact, c, i == len(g.changes)-1, history, edits, res)
			if applyErr != nil {
				batch.Add(fmt.Errorf("change %d: %w", c.ID, applyErr))
			}
			if err := s.keeper.Associate(ctx, rec, []int64{c.ID}, applyErr != nil); err != nil {
				return err
			}
		}
	}
	return batch.Err()
}

func (s *Synchronizer) applyOne(ctx context.Context, reg *record.Registry, f Fact, c Change, last bool, history, edits []record.Raw, res *Result) error {
	if _, _, err := reg.Resolve(c.SubjectType, c.ChangeType); err != nil {
		res.Degraded++
		s.logger.Warn("keeping change of unknown type", "change_id", c.ID, "subject_type", c.SubjectType, "error", err)
		return nil
	}
	if s.impl == nil {
		return nil
	}
	exists := false
	if f.Existence {
		var err error
		if exists, err = s.impl.Exists(ctx, f); err != nil {
			return err
		}
	}
	kind, ok := decide(c.Raw, last, exists, history, edits)
	if !ok {
		return nil
	}
	if err := s.impl.Apply(ctx, Action{Kind: kind, Fact: f, Change: c.Raw, Value: c.Value}); err != nil {
		return err
	}
	res.Applied++
	return nil
}
