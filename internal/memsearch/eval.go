package memsearch

import (
	"fmt"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// tri is a three-valued logic value.
type tri int8

const (
	triFalse tri = iota
	triUnknown
	triTrue
)

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

func (t tri) not() tri {
	switch t {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	default:
		return triUnknown
	}
}

// isEqual is SQL's null-safe "x IS y". A nil pointer is NULL.
func isEqual[T comparable](x, y *T) tri {
	if x == nil || y == nil {
		return triOf(x == nil && y == nil)
	}
	return triOf(*x == *y)
}

func ptr[T any](v T) *T { return &v }

// rowValue returns f(r), or nil for the all-NULL row.
func rowValue[T any](r *Row, f func(*Row) T) *T {
	if r == nil {
		return nil
	}
	return ptr(f(r))
}

func inRange(v int64, lo, hi search.Arg[int64]) tri {
	if p := lo.Ptr(); p != nil && v < *p {
		return triFalse
	}
	if p := hi.Ptr(); p != nil && v > *p {
		return triFalse
	}
	return triTrue
}

func compareTime(t *int64, op search.Op, value search.Arg[search.DateRange]) tri {
	r := value.Ptr()
	if r == nil {
		return triTrue
	}
	if t == nil {
		return triUnknown
	}
	return triOf(r.Match(op, *t))
}

func changeType(c *record.Raw) *string {
	if c.ChangeType == "" {
		return nil
	}
	return &c.ChangeType
}

func field(c *record.Raw, f search.Field) (*int64, error) {
	switch f {
	case search.FieldMajor:
		return &c.Major, nil
	case search.FieldMinor:
		return c.Minor, nil
	case search.FieldData1:
		return c.Data1, nil
	case search.FieldData2:
		return c.Data2, nil
	default:
		return nil, fmt.Errorf("unsupported field: %s", f)
	}
}

// eval evaluates a bound search for change c on association row r.
func eval(s search.Search, c *record.Raw, r *Row) (tri, error) {
	switch n := s.(type) {
	case *search.And:
		out := triTrue
		for _, t := range n.Terms {
			v, err := eval(t, c, r)
			if err != nil {
				return triFalse, err
			}
			if v == triFalse {
				return triFalse, nil
			}
			if v == triUnknown {
				out = triUnknown
			}
		}
		return out, nil
	case *search.Or:
		out := triFalse
		for _, t := range n.Terms {
			v, err := eval(t, c, r)
			if err != nil {
				return triFalse, err
			}
			if v == triTrue {
				return triTrue, nil
			}
			if v == triUnknown {
				out = triUnknown
			}
		}
		return out, nil
	case *search.Not:
		v, err := eval(n.Term, c, r)
		return v.not(), err
	case *search.IDRange:
		return inRange(c.ID, n.Min, n.Max), nil
	case *search.MajorRange:
		return inRange(c.Major, n.Min, n.Max), nil
	case *search.SubjectCenter:
		return isEqual(ptr(c.SubjectCenter()), n.Center.Ptr()), nil
	case *search.ChangeTime:
		return compareTime(&c.Time, n.Op, n.Value), nil
	case *search.UserIs:
		return isEqual(&c.UserID, n.User.Ptr()), nil
	case *search.SubjectTypeIs:
		return isEqual(&c.SubjectType, n.Type.Ptr()), nil
	case *search.ChangeTypeIs:
		return isEqual(changeType(c), n.Type.Ptr()), nil
	case *search.AdditivityIs:
		return isEqual(&c.Additivity, n.Additivity.Ptr()), nil
	case *search.FieldIs:
		v, err := field(c, n.Field)
		if err != nil {
			return triFalse, err
		}
		return isEqual(v, n.ID.Ptr()), nil
	case *search.LocalOnly:
		want := n.Value.Ptr()
		if want == nil {
			return triTrue, nil
		}
		return triOf(c.LocalOnly == *want), nil
	case *search.SyncRecordIs:
		return isEqual(rowValue(r, func(r *Row) int64 { return r.RecordID }), n.ID.Ptr()), nil
	case *search.SyncTime:
		return compareTime(rowValue(r, func(r *Row) int64 { return r.SyncTime }), n.Op, n.Value), nil
	case *search.SyncSucceeded:
		return isEqual(rowValue(r, func(r *Row) bool { return r.Succeeded }), n.Value.Ptr()), nil
	case *search.SyncChangeError:
		return isEqual(rowValue(r, func(r *Row) bool { return r.ChangeError }), n.Value.Ptr()), nil
	case *search.SyncImport:
		return isEqual(rowValue(r, func(r *Row) bool { return r.Import }), n.Value.Ptr()), nil
	default:
		return triFalse, fmt.Errorf("unsupported search node: %T", s)
	}
}
