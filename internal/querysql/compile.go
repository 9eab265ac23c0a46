package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// Column layout the compiled SQL expects. The change log is aliased c, the
// association table a and the sync-record table sr.
const (
	changesTable     = "changes"
	syncAssocsTable  = "sync_assocs"
	syncRecordsTable = "sync_records"
)

// SQLCompiler compiles change searches to parameterized SQL for SQLite.
//
// CRITICAL: ALL queries end with ORDER BY ... c.id ASC for deterministic results.
// CRITICAL: All values are parameterized (never interpolated), literals included.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Prepared is a compiled search. SQL is fixed; the values bound to its
// placeholders are produced per execution by Args.
type Prepared struct {
	SQL string
	// NumParams is the number of positional parameters Args requires.
	NumParams int
	// Joined is true when the query reads sync-record associations.
	Joined bool

	slots []slot
}

// slot produces the value of one "?" placeholder from the execution parameters.
type slot func(params []any) (any, error)

// Args returns the placeholder values for one execution. It fails with
// *search.MissingParameterError when fewer than NumParams are supplied.
func (p *Prepared) Args(params ...any) ([]any, error) {
	if len(params) < p.NumParams {
		return nil, &search.MissingParameterError{Need: p.NumParams, Got: len(params)}
	}
	if len(params) > p.NumParams {
		return nil, fmt.Errorf("search takes %d parameter(s), got %d", p.NumParams, len(params))
	}
	args := make([]any, len(p.slots))
	for i, s := range p.slots {
		v, err := s(params)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// Compile converts a search and sorter to a prepared SQL query returning
// matching change IDs.
//
// The local-only default is applied first. Joins on the association and
// sync-record tables are added only when the search has a sync leaf; the
// result is then grouped by change so each ID appears once.
func (c *SQLCompiler) Compile(s search.Search, sorter search.Sorter) (*Prepared, error) {
	if err := search.Validate(s).Err(); err != nil {
		return nil, err
	}
	s = search.WithDefaults(s)

	b := &builder{}
	where, err := b.compile(s)
	if err != nil {
		return nil, fmt.Errorf("compile search: %w", err)
	}

	joined := search.HasSyncLeaf(s)
	var sb strings.Builder
	sb.WriteString("SELECT c.id FROM " + changesTable + " c")
	if joined {
		sb.WriteString(" LEFT JOIN " + syncAssocsTable + " a ON a.change_id = c.id")
		sb.WriteString(" LEFT JOIN " + syncRecordsTable + " sr ON sr.id = a.record_id")
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(where)
	if joined {
		sb.WriteString(" GROUP BY c.id")
	}
	order, err := orderBy(sorter)
	if err != nil {
		return nil, err
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(order)

	return &Prepared{
		SQL:       sb.String(),
		NumParams: b.next,
		Joined:    joined,
		slots:     b.slots,
	}, nil
}

// orderBy returns the ORDER BY terms for a sorter.
// MANDATORY: every query ends with the c.id tiebreaker.
// Uses COLLATE BINARY for deterministic text ordering.
func orderBy(sorter search.Sorter) (string, error) {
	var parts []string
	for _, k := range sorter.Keys {
		dir := " ASC"
		if k.Descending {
			dir = " DESC"
		}
		switch k.Field {
		case search.SortChangeTime:
			parts = append(parts, "c.time"+dir)
		case search.SortChangeType:
			parts = append(parts,
				"c.subject_type COLLATE BINARY"+dir,
				"c.change_type COLLATE BINARY"+dir)
		case search.SortChangeUser:
			parts = append(parts, "c.user_id"+dir)
		default:
			return "", fmt.Errorf("unsupported sort field: %s", k.Field)
		}
	}
	parts = append(parts, "c.id ASC")
	return strings.Join(parts, ", "), nil
}

// builder numbers parameters in depth-first order and collects one slot
// per placeholder.
type builder struct {
	next  int
	slots []slot
}

func (b *builder) add(s slot) {
	b.slots = append(b.slots, s)
}

// operand returns a resolver for a. Parameters are numbered when the
// operand is first seen so numbering follows traversal order.
func operand[T any](b *builder, a search.Arg[T]) func([]any) (search.Arg[T], error) {
	idx := -1
	if a.IsParam() {
		idx = b.next
		b.next++
	}
	return func(params []any) (search.Arg[T], error) {
		return a.Resolve(params, idx)
	}
}

// value returns a slot yielding conv of the operand, or NULL.
func value[T any](get func([]any) (search.Arg[T], error), conv func(T) any) slot {
	return func(params []any) (any, error) {
		r, err := get(params)
		if err != nil {
			return nil, err
		}
		v, ok := r.Get()
		if !ok {
			return nil, nil
		}
		return conv(v), nil
	}
}

func identity[T any](v T) any { return v }
func boolInt(v bool) any {
	if v {
		return int64(1)
	}
	return int64(0)
}

// isEqual compiles a null-safe equality: "expr IS ?".
func isEqual[T any](b *builder, expr string, a search.Arg[T], conv func(T) any) string {
	b.add(value(operand(b, a), conv))
	return expr + " IS ?"
}

// bound compiles a range bound where null means unbounded.
func bound(b *builder, expr, cmp string, a search.Arg[int64]) string {
	v := value(operand(b, a), identity[int64])
	b.add(v)
	b.add(v)
	return fmt.Sprintf("(? IS NULL OR %s %s ?)", expr, cmp)
}

// timeCompare compiles a comparison against a half-open date range.
// A null range compiles to TRUE.
func timeCompare(b *builder, expr string, op search.Op, a search.Arg[search.DateRange]) (string, error) {
	get := operand(b, a)
	start := value(get, func(r search.DateRange) any { return r.Start })
	end := value(get, func(r search.DateRange) any { return r.End })

	b.add(start)
	switch op {
	case search.EQ:
		b.add(start)
		b.add(end)
		return fmt.Sprintf("(? IS NULL OR (%s >= ? AND %s < ?))", expr, expr), nil
	case search.NEQ:
		b.add(start)
		b.add(end)
		return fmt.Sprintf("(? IS NULL OR %s < ? OR %s >= ?)", expr, expr), nil
	case search.GT:
		b.add(end)
		return fmt.Sprintf("(? IS NULL OR %s >= ?)", expr), nil
	case search.GTE:
		b.add(start)
		return fmt.Sprintf("(? IS NULL OR %s >= ?)", expr), nil
	case search.LT:
		b.add(start)
		return fmt.Sprintf("(? IS NULL OR %s < ?)", expr), nil
	case search.LTE:
		b.add(end)
		return fmt.Sprintf("(? IS NULL OR %s < ?)", expr), nil
	default:
		return "", fmt.Errorf("unsupported operator: %s", op)
	}
}

func fieldColumn(f search.Field) (string, error) {
	switch f {
	case search.FieldMajor:
		return "c.major_subject", nil
	case search.FieldMinor:
		return "c.minor_subject", nil
	case search.FieldData1:
		return "c.data1", nil
	case search.FieldData2:
		return "c.data2", nil
	default:
		return "", fmt.Errorf("unsupported field: %s", f)
	}
}

// compile compiles one node to a WHERE fragment.
// CRITICAL: Values NEVER interpolated - always use ? placeholders.
func (b *builder) compile(s search.Search) (string, error) {
	switch n := s.(type) {
	case *search.And:
		return b.compileTerms(n.Terms, " AND ", "1 = 1")
	case *search.Or:
		return b.compileTerms(n.Terms, " OR ", "1 = 0")
	case *search.Not:
		inner, err := b.compile(n.Term)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *search.IDRange:
		lo := bound(b, "c.id", ">=", n.Min)
		return "(" + lo + " AND " + bound(b, "c.id", "<=", n.Max) + ")", nil
	case *search.MajorRange:
		lo := bound(b, "c.major_subject", ">=", n.Min)
		return "(" + lo + " AND " + bound(b, "c.major_subject", "<=", n.Max) + ")", nil
	case *search.SubjectCenter:
		return isEqual(b, "c.subject_center", n.Center, func(v int) any { return int64(v) }), nil
	case *search.ChangeTime:
		return timeCompare(b, "c.time", n.Op, n.Value)
	case *search.UserIs:
		return isEqual(b, "c.user_id", n.User, identity[int64]), nil
	case *search.SubjectTypeIs:
		return isEqual(b, "c.subject_type", n.Type, identity[string]), nil
	case *search.ChangeTypeIs:
		return isEqual(b, "c.change_type", n.Type, identity[string]), nil
	case *search.AdditivityIs:
		return isEqual(b, "c.additivity", n.Additivity, func(v record.Additivity) any { return int64(v) }), nil
	case *search.FieldIs:
		col, err := fieldColumn(n.Field)
		if err != nil {
			return "", err
		}
		return isEqual(b, col, n.ID, identity[int64]), nil
	case *search.LocalOnly:
		v := value(operand(b, n.Value), boolInt)
		b.add(v)
		b.add(v)
		return "(? IS NULL OR c.local_only = ?)", nil
	case *search.SyncRecordIs:
		return isEqual(b, "a.record_id", n.ID, identity[int64]), nil
	case *search.SyncTime:
		return timeCompare(b, "sr.sync_time", n.Op, n.Value)
	case *search.SyncSucceeded:
		return isEqual(b, "(CASE WHEN sr.id IS NULL THEN NULL ELSE sr.sync_error IS NULL END)", n.Value, boolInt), nil
	case *search.SyncChangeError:
		return isEqual(b, "a.error", n.Value, boolInt), nil
	case *search.SyncImport:
		return isEqual(b, "sr.is_import", n.Value, boolInt), nil
	default:
		return "", fmt.Errorf("unsupported search node: %T", s)
	}
}

func (b *builder) compileTerms(terms []search.Search, sep, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		sql, err := b.compile(t)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}
