package search

import "fmt"

// Walk calls fn for every node of s in depth-first pre-order. Nil nodes are
// skipped.
func Walk(s Search, fn func(Search)) {
	if s == nil {
		return
	}
	fn(s)
	switch n := s.(type) {
	case *And:
		for _, t := range n.Terms {
			Walk(t, fn)
		}
	case *Or:
		for _, t := range n.Terms {
			Walk(t, fn)
		}
	case *Not:
		Walk(n.Term, fn)
	}
}

// ParamCount returns the number of unspecified operands in s.
func ParamCount(s Search) int {
	n := 0
	Walk(s, func(node Search) {
		for _, isParam := range operands(node) {
			if isParam {
				n++
			}
		}
	})
	return n
}

// operands lists, in parameter order, whether each operand of a leaf is
// unspecified.
func operands(s Search) []bool {
	switch n := s.(type) {
	case *IDRange:
		return []bool{n.Min.IsParam(), n.Max.IsParam()}
	case *MajorRange:
		return []bool{n.Min.IsParam(), n.Max.IsParam()}
	case *SubjectCenter:
		return []bool{n.Center.IsParam()}
	case *ChangeTime:
		return []bool{n.Value.IsParam()}
	case *UserIs:
		return []bool{n.User.IsParam()}
	case *SubjectTypeIs:
		return []bool{n.Type.IsParam()}
	case *ChangeTypeIs:
		return []bool{n.Type.IsParam()}
	case *AdditivityIs:
		return []bool{n.Additivity.IsParam()}
	case *FieldIs:
		return []bool{n.ID.IsParam()}
	case *LocalOnly:
		return []bool{n.Value.IsParam()}
	case *SyncRecordIs:
		return []bool{n.ID.IsParam()}
	case *SyncTime:
		return []bool{n.Value.IsParam()}
	case *SyncSucceeded:
		return []bool{n.Value.IsParam()}
	case *SyncChangeError:
		return []bool{n.Value.IsParam()}
	case *SyncImport:
		return []bool{n.Value.IsParam()}
	default:
		return nil
	}
}

// IsSyncLeaf reports whether s reads the association row.
func IsSyncLeaf(s Search) bool {
	switch s.(type) {
	case *SyncRecordIs, *SyncTime, *SyncSucceeded, *SyncChangeError, *SyncImport:
		return true
	default:
		return false
	}
}

// HasSyncLeaf reports whether any node of s reads the association row.
func HasSyncLeaf(s Search) bool {
	found := false
	Walk(s, func(node Search) {
		if IsSyncLeaf(node) {
			found = true
		}
	})
	return found
}

// HasLocalOnly reports whether s overrides the local-only default.
func HasLocalOnly(s Search) bool {
	found := false
	Walk(s, func(node Search) {
		if _, ok := node.(*LocalOnly); ok {
			found = true
		}
	})
	return found
}

// WithDefaults returns s with the local-only exclusion applied: when s has
// no LocalOnly leaf it is conjoined with LocalOnly{false}. A nil s selects
// every non-local change.
func WithDefaults(s Search) Search {
	if HasLocalOnly(s) {
		return s
	}
	exclude := &LocalOnly{Value: Lit(false)}
	if s == nil {
		return All(exclude)
	}
	if and, ok := s.(*And); ok {
		terms := make([]Search, 0, len(and.Terms)+1)
		terms = append(terms, and.Terms...)
		return All(append(terms, exclude)...)
	}
	return All(s, exclude)
}

// Bind returns a copy of s with every unspecified operand replaced by the
// corresponding parameter. It fails with *MissingParameterError when params
// is too short and with *ParameterTypeError when a parameter does not fit.
func Bind(s Search, params ...any) (Search, error) {
	need := ParamCount(s)
	if len(params) < need {
		return nil, &MissingParameterError{Need: need, Got: len(params)}
	}
	if len(params) > need {
		return nil, fmt.Errorf("search takes %d parameter(s), got %d", need, len(params))
	}
	b := &binder{params: params}
	out := b.bind(s)
	if b.err != nil {
		return nil, b.err
	}
	return out, nil
}

type binder struct {
	params []any
	next   int
	err    error
}

func bindArg[T any](b *binder, a Arg[T]) Arg[T] {
	if b.err != nil || !a.IsParam() {
		return a
	}
	r, err := a.Resolve(b.params, b.next)
	b.next++
	if err != nil {
		b.err = err
	}
	return r
}

func (b *binder) bindAll(terms []Search) []Search {
	out := make([]Search, len(terms))
	for i, t := range terms {
		out[i] = b.bind(t)
	}
	return out
}

func (b *binder) bind(s Search) Search {
	switch n := s.(type) {
	case nil:
		return nil
	case *And:
		return &And{Terms: b.bindAll(n.Terms)}
	case *Or:
		return &Or{Terms: b.bindAll(n.Terms)}
	case *Not:
		return &Not{Term: b.bind(n.Term)}
	case *IDRange:
		lo := bindArg(b, n.Min)
		return &IDRange{Min: lo, Max: bindArg(b, n.Max)}
	case *MajorRange:
		lo := bindArg(b, n.Min)
		return &MajorRange{Min: lo, Max: bindArg(b, n.Max)}
	case *SubjectCenter:
		return &SubjectCenter{Center: bindArg(b, n.Center)}
	case *ChangeTime:
		return &ChangeTime{Op: n.Op, Value: bindArg(b, n.Value)}
	case *UserIs:
		return &UserIs{User: bindArg(b, n.User)}
	case *SubjectTypeIs:
		return &SubjectTypeIs{Type: bindArg(b, n.Type)}
	case *ChangeTypeIs:
		return &ChangeTypeIs{Type: bindArg(b, n.Type)}
	case *AdditivityIs:
		return &AdditivityIs{Additivity: bindArg(b, n.Additivity)}
	case *FieldIs:
		return &FieldIs{Field: n.Field, ID: bindArg(b, n.ID)}
	case *LocalOnly:
		return &LocalOnly{Value: bindArg(b, n.Value)}
	case *SyncRecordIs:
		return &SyncRecordIs{ID: bindArg(b, n.ID)}
	case *SyncTime:
		return &SyncTime{Op: n.Op, Value: bindArg(b, n.Value)}
	case *SyncSucceeded:
		return &SyncSucceeded{Value: bindArg(b, n.Value)}
	case *SyncChangeError:
		return &SyncChangeError{Value: bindArg(b, n.Value)}
	case *SyncImport:
		return &SyncImport{Value: bindArg(b, n.Value)}
	default:
		if b.err == nil {
			b.err = fmt.Errorf("unsupported search node: %T", s)
		}
		return s
	}
}
