package record

import "fmt"

// Additivity tells whether a change created, removed or modified its subject.
type Additivity int

const (
	Removal      Additivity = -1
	Modification Additivity = 0
	Creation     Additivity = 1
)

func (a Additivity) String() string {
	switch a {
	case Removal:
		return "remove"
	case Modification:
		return "modify"
	case Creation:
		return "create"
	default:
		return fmt.Sprintf("additivity(%d)", int(a))
	}
}

// Valid reports whether a is one of -1, 0, +1.
func (a Additivity) Valid() bool {
	return a >= Removal && a <= Creation
}

// Item references a persisted entity. Value is the resolved object, which
// may be nil when only the identity is known.
type Item struct {
	ID    int64
	Value any
}

// NewItem is shorthand for a reference without a resolved value.
func NewItem(id int64) *Item {
	return &Item{ID: id}
}

// ChangeHeader holds the fields every change variant shares.
type ChangeHeader struct {
	ID         int64
	Time       int64
	LocalOnly  bool
	User       User
	Additivity Additivity
}

// Change is either a *ChangeRecord or a *ChangeRecordError.
type Change interface {
	Header() *ChangeHeader
	SubjectTypeName() string
	// ChangeTypeName is empty when the change has no change type
	// (creation or removal of the major subject itself).
	ChangeTypeName() string
	Refs() Refs
	isChange()
}

// Refs are the raw entity identifiers a change points at.
type Refs struct {
	Major    int64
	Minor    *int64
	Data1    *int64
	Data2    *int64
	PreValue *int64
}

// ChangeSubjectCenter is the center that issued the change's major subject.
func ChangeSubjectCenter(c Change) int {
	return OriginCenter(c.Refs().Major)
}

// TypeOf returns the RecordType identity of a change.
func TypeOf(c Change) RecordType {
	return RecordType{
		SubjectType: c.SubjectTypeName(),
		ChangeType:  c.ChangeTypeName(),
		Additivity:  c.Header().Additivity,
	}
}

// ChangeRecord is a fully resolved change.
type ChangeRecord struct {
	ChangeHeader
	SubjectType   SubjectType
	ChangeType    ChangeType
	Major         *Item
	Minor         *Item
	Data1         *Item
	Data2         *Item
	PreviousValue any
}

func (c *ChangeRecord) Header() *ChangeHeader  { return &c.ChangeHeader }
func (c *ChangeRecord) SubjectTypeName() string { return c.SubjectType.Name() }
func (*ChangeRecord) isChange()                 {}

func (c *ChangeRecord) ChangeTypeName() string {
	if c.ChangeType == nil {
		return ""
	}
	return c.ChangeType.Name()
}

func (c *ChangeRecord) Refs() Refs {
	r := Refs{
		Minor: itemID(c.Minor),
		Data1: itemID(c.Data1),
		Data2: itemID(c.Data2),
	}
	if c.Major != nil {
		r.Major = c.Major.ID
	}
	if c.ChangeType != nil && c.ChangeType.ObjectIdentifiable() {
		if item, ok := c.PreviousValue.(*Item); ok {
			r.PreValue = itemID(item)
		}
	}
	return r
}

func (c *ChangeRecord) String() string {
	return fmt.Sprintf("change %d: %s %s/%s major=%d", c.ID, c.Additivity, c.SubjectTypeName(), c.ChangeTypeName(), c.Refs().Major)
}

// ChangeRecordError is the degraded form of a change whose types could not
// be resolved. It keeps the stored identifiers verbatim.
type ChangeRecordError struct {
	ChangeHeader
	SubjectName  string
	ChangeName   string
	MajorID      int64
	MinorID      *int64
	Data1ID      *int64
	Data2ID      *int64
	PreValueID   *int64
	PreValueText *string
	// Cause describes why the change could not be resolved.
	Cause string
}

func (c *ChangeRecordError) Header() *ChangeHeader  { return &c.ChangeHeader }
func (c *ChangeRecordError) SubjectTypeName() string { return c.SubjectName }
func (c *ChangeRecordError) ChangeTypeName() string  { return c.ChangeName }
func (*ChangeRecordError) isChange()                 {}

func (c *ChangeRecordError) Refs() Refs {
	return Refs{
		Major:    c.MajorID,
		Minor:    c.MinorID,
		Data1:    c.Data1ID,
		Data2:    c.Data2ID,
		PreValue: c.PreValueID,
	}
}

func (c *ChangeRecordError) String() string {
	return fmt.Sprintf("change %d (unresolved %s/%s): %s", c.ID, c.SubjectName, c.ChangeName, c.Cause)
}

func itemID(it *Item) *int64 {
	if it == nil {
		return nil
	}
	id := it.ID
	return &id
}
