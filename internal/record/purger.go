package record

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// RecordType identifies a kind of change: (subject type, change type, additivity).
// ChangeType is empty for changes without a change type.
type RecordType struct {
	SubjectType string
	ChangeType  string
	Additivity  Additivity
}

func (t RecordType) String() string {
	return fmt.Sprintf("%s/%s/%d", t.SubjectType, t.ChangeType, int(t.Additivity))
}

// ParseRecordType parses the String form of a RecordType.
func ParseRecordType(s string) (RecordType, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return RecordType{}, fmt.Errorf("record type %q: want subject/change/additivity", s)
	}
	add, err := strconv.Atoi(parts[2])
	if err != nil || !Additivity(add).Valid() {
		return RecordType{}, fmt.Errorf("record type %q: bad additivity", s)
	}
	return RecordType{SubjectType: parts[0], ChangeType: parts[1], Additivity: Additivity(add)}, nil
}

// AutoPurger is the retention policy applied to the change log.
//
// EntryCount keeps only the N most recent changes and Age (milliseconds)
// bounds how old a change may get. Changes authored by ExcludedUsers or of
// one of ExcludedTypes are never selected by either limit.
type AutoPurger struct {
	EntryCount    *int
	Age           *int64
	ExcludedUsers []User
	ExcludedTypes []RecordType
}

// Clone returns a deep copy.
func (p *AutoPurger) Clone() *AutoPurger {
	if p == nil {
		return &AutoPurger{}
	}
	cp := &AutoPurger{
		ExcludedUsers: slices.Clone(p.ExcludedUsers),
		ExcludedTypes: slices.Clone(p.ExcludedTypes),
	}
	if p.EntryCount != nil {
		n := *p.EntryCount
		cp.EntryCount = &n
	}
	if p.Age != nil {
		a := *p.Age
		cp.Age = &a
	}
	return cp
}

// Validate rejects policies that cannot be applied.
func (p *AutoPurger) Validate() error {
	if p.EntryCount != nil && *p.EntryCount < 0 {
		return NewError(ErrCodeBadPolicy, fmt.Sprintf("entry count must not be negative, got %d", *p.EntryCount))
	}
	if p.Age != nil && *p.Age <= 0 {
		return NewError(ErrCodeBadPolicy, fmt.Sprintf("age must be positive, got %d", *p.Age))
	}
	for _, t := range p.ExcludedTypes {
		if t.SubjectType == "" || !t.Additivity.Valid() {
			return NewError(ErrCodeBadPolicy, fmt.Sprintf("invalid excluded type %s", t))
		}
	}
	return nil
}

// ExcludesUser reports whether changes by userID are permanently retained.
func (p *AutoPurger) ExcludesUser(userID int64) bool {
	return slices.ContainsFunc(p.ExcludedUsers, func(u User) bool { return u.ID == userID })
}

// ExcludesType reports whether changes of type t are permanently retained.
func (p *AutoPurger) ExcludesType(t RecordType) bool {
	return slices.Contains(p.ExcludedTypes, t)
}

// Excludes reports whether a change is permanently retained by the policy.
func (p *AutoPurger) Excludes(raw Raw) bool {
	if p.ExcludesUser(raw.UserID) {
		return true
	}
	return p.ExcludesType(RecordType{SubjectType: raw.SubjectType, ChangeType: raw.ChangeType, Additivity: raw.Additivity})
}

// Active reports whether the policy selects anything at all.
func (p *AutoPurger) Active() bool {
	return p != nil && (p.EntryCount != nil || p.Age != nil)
}
