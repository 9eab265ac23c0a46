package search

import (
	"fmt"
	"strings"
)

// ValidationResult lists the problems found in a search.
type ValidationResult struct {
	// IsValid is true when the search can be compiled.
	IsValid bool

	// Problems describes every defect found. Empty when IsValid is true.
	Problems []string
}

// Err returns the problems as an error, nil when the search is valid.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return fmt.Errorf("invalid search: %s", strings.Join(r.Problems, "; "))
}

// Validate checks that a search can be compiled by either backend.
//
// Rules:
//  1. No nil nodes inside boolean terms
//  2. Time leaves use a known operator
//  3. FieldIs names a slot
//  4. Literal additivity is -1, 0 or +1
//  5. Literal ranges are not inverted
//
// A nil search is valid and selects everything.
//
// Validate is a pure function with no side effects.
func Validate(s Search) ValidationResult {
	v := &validator{
		problems: []string{},
	}
	if s != nil {
		v.validate(s)
	}

	return ValidationResult{
		IsValid:  len(v.problems) == 0,
		Problems: v.problems,
	}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

// addProblem appends a problem message.
func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateTerms(kind string, terms []Search) {
	for i, t := range terms {
		if t == nil {
			v.addProblem("%s term %d is nil", kind, i)
			continue
		}
		v.validate(t)
	}
}

func (v *validator) validate(s Search) {
	switch n := s.(type) {
	case *And:
		v.validateTerms("and", n.Terms)
	case *Or:
		v.validateTerms("or", n.Terms)
	case *Not:
		if n.Term == nil {
			v.addProblem("not has no term")
			return
		}
		v.validate(n.Term)
	case *IDRange:
		v.validateBounds("id range", n.Min, n.Max)
	case *MajorRange:
		v.validateBounds("major range", n.Min, n.Max)
	case *ChangeTime:
		v.validateTime("change time", n.Op, n.Value)
	case *SyncTime:
		v.validateTime("sync time", n.Op, n.Value)
	case *FieldIs:
		if !n.Field.Valid() {
			v.addProblem("field comparison on unknown slot %d", int(n.Field))
		}
	case *AdditivityIs:
		if a, ok := n.Additivity.Get(); ok && !a.Valid() {
			v.addProblem("additivity %d is not -1, 0 or +1", int(a))
		}
	case *SubjectCenter, *UserIs, *SubjectTypeIs, *ChangeTypeIs, *LocalOnly,
		*SyncRecordIs, *SyncSucceeded, *SyncChangeError, *SyncImport:
		// Any operand value is acceptable.
	default:
		v.addProblem("unknown search node: %T", s)
	}
}

func (v *validator) validateBounds(kind string, minArg, maxArg Arg[int64]) {
	lo, okLo := minArg.Get()
	hi, okHi := maxArg.Get()
	if okLo && okHi && lo > hi {
		v.addProblem("%s is inverted: %d > %d", kind, lo, hi)
	}
}

func (v *validator) validateTime(kind string, op Op, value Arg[DateRange]) {
	if !op.Valid() {
		v.addProblem("%s uses unknown operator %d", kind, int(op))
	}
	if r, ok := value.Get(); ok && r.Start > r.End {
		v.addProblem("%s range is inverted: %s", kind, r)
	}
}
