package search

import "github.com/roach88/meshlog/internal/record"

// Search is a node of the ChangeSearch tree.
//
// This is a sealed interface - only pointer types in this package
// implement it.
//
// Node types:
//   - Boolean: And, Or, Not
//   - Change leaves: IDRange, MajorRange, SubjectCenter, ChangeTime,
//     UserIs, SubjectTypeIs, ChangeTypeIs, AdditivityIs, FieldIs, LocalOnly
//   - Sync leaves: SyncRecordIs, SyncTime, SyncSucceeded,
//     SyncChangeError, SyncImport
type Search interface {
	searchNode() // Marker method - seals interface to this package
}

// And matches when every term matches on the same association row.
// An empty And matches everything.
type And struct {
	Terms []Search
}

// Or matches when any term matches. An empty Or matches nothing.
type Or struct {
	Terms []Search
}

// Not negates its term. NOT of an unknown value stays unknown.
type Not struct {
	Term Search
}

// IDRange matches Min <= id <= Max. A null bound is unbounded.
type IDRange struct {
	Min Arg[int64]
	Max Arg[int64]
}

// MajorRange matches Min <= majorSubject <= Max. A null bound is unbounded.
type MajorRange struct {
	Min Arg[int64]
	Max Arg[int64]
}

// SubjectCenter matches changes whose major subject was issued by Center.
type SubjectCenter struct {
	Center Arg[int]
}

// ChangeTime compares the change time against a date range.
// A null range matches every change.
type ChangeTime struct {
	Op    Op
	Value Arg[DateRange]
}

// UserIs matches the author of the change.
type UserIs struct {
	User Arg[int64]
}

// SubjectTypeIs matches the subject type name.
type SubjectTypeIs struct {
	Type Arg[string]
}

// ChangeTypeIs matches the change type name. Null matches changes without
// a change type.
type ChangeTypeIs struct {
	Type Arg[string]
}

// AdditivityIs matches the additivity of the change.
type AdditivityIs struct {
	Additivity Arg[record.Additivity]
}

// Field selects one of the entity slots of a change.
type Field int

const (
	FieldMajor Field = iota + 1
	FieldMinor
	FieldData1
	FieldData2
)

func (f Field) String() string {
	switch f {
	case FieldMajor:
		return "major"
	case FieldMinor:
		return "minor"
	case FieldData1:
		return "data1"
	case FieldData2:
		return "data2"
	default:
		return "field?"
	}
}

// Valid reports whether f names a slot.
func (f Field) Valid() bool {
	return f >= FieldMajor && f <= FieldData2
}

// FieldIs matches the entity ID stored in Field. Null matches an empty slot.
type FieldIs struct {
	Field Field
	ID    Arg[int64]
}

// LocalOnly filters on the local-only flag. Null matches both, which is how
// a search opts in to local-only changes without filtering on them.
type LocalOnly struct {
	Value Arg[bool]
}

// SyncRecordIs matches changes associated with the sync record ID. Null
// matches changes without any association.
type SyncRecordIs struct {
	ID Arg[int64]
}

// SyncTime compares the time of the associated sync record against a date
// range. It is unknown for changes without associations unless the range
// is null, which matches everything.
type SyncTime struct {
	Op    Op
	Value Arg[DateRange]
}

// SyncSucceeded matches on whether the associated sync record closed
// without error. Pending records count as not succeeded.
type SyncSucceeded struct {
	Value Arg[bool]
}

// SyncChangeError matches on the per-change error flag of the association.
type SyncChangeError struct {
	Value Arg[bool]
}

// SyncImport matches on the direction of the associated sync record.
type SyncImport struct {
	Value Arg[bool]
}

func (*And) searchNode()             {}
func (*Or) searchNode()              {}
func (*Not) searchNode()             {}
func (*IDRange) searchNode()         {}
func (*MajorRange) searchNode()      {}
func (*SubjectCenter) searchNode()   {}
func (*ChangeTime) searchNode()      {}
func (*UserIs) searchNode()          {}
func (*SubjectTypeIs) searchNode()   {}
func (*ChangeTypeIs) searchNode()    {}
func (*AdditivityIs) searchNode()    {}
func (*FieldIs) searchNode()         {}
func (*LocalOnly) searchNode()       {}
func (*SyncRecordIs) searchNode()    {}
func (*SyncTime) searchNode()        {}
func (*SyncSucceeded) searchNode()   {}
func (*SyncChangeError) searchNode() {}
func (*SyncImport) searchNode()      {}

// All is shorthand for &And{Terms: terms}.
func All(terms ...Search) *And { return &And{Terms: terms} }

// Any is shorthand for &Or{Terms: terms}.
func Any(terms ...Search) *Or { return &Or{Terms: terms} }

// Negate is shorthand for &Not{Term: term}.
func Negate(term Search) *Not { return &Not{Term: term} }
