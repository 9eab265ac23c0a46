package search

import (
	"fmt"
	"time"
)

// Op is a comparison operator for time leaves.
type Op int

const (
	EQ Op = iota + 1
	NEQ
	GT
	GTE
	LT
	LTE
)

func (o Op) String() string {
	switch o {
	case EQ:
		return "="
	case NEQ:
		return "!="
	case GT:
		return ">"
	case GTE:
		return ">="
	case LT:
		return "<"
	case LTE:
		return "<="
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	return o >= EQ && o <= LTE
}

// DateRange is a fuzzy date: the half-open millisecond interval
// [Start, End). "Equal to March 2024" is the range covering the month.
type DateRange struct {
	Start int64
	End   int64
}

// At returns the range holding exactly the millisecond t.
func At(t int64) DateRange {
	return DateRange{Start: t, End: t + 1}
}

// Within returns the range covering [from, from+d).
func Within(from time.Time, d time.Duration) DateRange {
	start := from.UnixMilli()
	return DateRange{Start: start, End: start + d.Milliseconds()}
}

// Day returns the range covering the calendar day of t in t's location.
func Day(t time.Time) DateRange {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return DateRange{Start: start.UnixMilli(), End: start.AddDate(0, 0, 1).UnixMilli()}
}

// Match reports whether t compares to r under op:
//
//	EQ   Start <= t < End      NEQ  t < Start or t >= End
//	GT   t >= End              GTE  t >= Start
//	LT   t < Start             LTE  t < End
func (r DateRange) Match(op Op, t int64) bool {
	switch op {
	case EQ:
		return t >= r.Start && t < r.End
	case NEQ:
		return t < r.Start || t >= r.End
	case GT:
		return t >= r.End
	case GTE:
		return t >= r.Start
	case LT:
		return t < r.Start
	case LTE:
		return t < r.End
	default:
		return false
	}
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}
