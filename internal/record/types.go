package record

import (
	"fmt"
	"sort"
	"sync"
)

// Domain tags which dispatch layer owns a subject type.
type Domain int

const (
	// DomainInternal is the closed set of built-in bookkeeping subjects.
	DomainInternal Domain = iota + 1
	// DomainExternal is every subject type an application registers.
	DomainExternal
)

func (d Domain) String() string {
	switch d {
	case DomainInternal:
		return "internal"
	case DomainExternal:
		return "external"
	default:
		return "unknown"
	}
}

// SubjectType describes what the major subject, the two metadata slots and
// the available change types of a change mean.
type SubjectType interface {
	Name() string
	Domain() Domain
	// MajorType names the entity type of the major subject.
	MajorType() string
	// MetadataTypes names the entity types stored in Data1 and Data2.
	// Empty means the slot is unused.
	MetadataTypes() (string, string)
	ChangeTypes() []ChangeType
}

// ChangeType describes one kind of change to a subject.
type ChangeType interface {
	Name() string
	// MinorType names the entity type of the minor subject, if any.
	MinorType() string
	// ObjectIdentifiable reports whether the previous value is stored as a
	// reference to an entity (of type ValueType) rather than a serialized scalar.
	ObjectIdentifiable() bool
	ValueType() string
}

// FieldChange is the stock ChangeType implementation.
type FieldChange struct {
	Field        string
	Minor        string
	Identifiable bool
	Value        string
}

func (f FieldChange) Name() string             { return f.Field }
func (f FieldChange) MinorType() string        { return f.Minor }
func (f FieldChange) ObjectIdentifiable() bool { return f.Identifiable }
func (f FieldChange) ValueType() string        { return f.Value }

// ExternalSubjectType is the capability type applications use to register
// their own subjects.
type ExternalSubjectType struct {
	SubjectName string
	Major       string
	Metadata1   string
	Metadata2   string
	Changes     []ChangeType
}

func (s *ExternalSubjectType) Name() string                    { return s.SubjectName }
func (s *ExternalSubjectType) Domain() Domain                  { return DomainExternal }
func (s *ExternalSubjectType) MajorType() string               { return s.Major }
func (s *ExternalSubjectType) MetadataTypes() (string, string) { return s.Metadata1, s.Metadata2 }
func (s *ExternalSubjectType) ChangeTypes() []ChangeType       { return s.Changes }

// InternalSubject is the closed enum of built-in subjects.
type InternalSubject int

const (
	SubjectCenter InternalSubject = iota + 1
	SubjectAutoPurge
)

// Change type names of the built-in subjects.
const (
	CenterName           = "name"
	CenterURL            = "url"
	CenterServerUser     = "serverUserName"
	CenterServerPassword = "serverPassword"
	CenterSyncFrequency  = "syncFrequency"
	CenterClientUser     = "clientUser"
	CenterChangeSaveTime = "changeSaveTime"
	CenterPriority       = "priority"

	PurgeEntryCount  = "entryCount"
	PurgeAge         = "age"
	PurgeExcludeUser = "excludeUser"
	PurgeExcludeType = "excludeType"
)

// Entity type names used by the built-in subjects.
const (
	TypeCenter     = "center"
	TypeUser       = "user"
	TypeAutoPurger = "autoPurger"
)

var centerChanges = []ChangeType{
	FieldChange{Field: CenterName},
	FieldChange{Field: CenterURL},
	FieldChange{Field: CenterServerUser},
	FieldChange{Field: CenterServerPassword},
	FieldChange{Field: CenterSyncFrequency},
	FieldChange{Field: CenterClientUser, Identifiable: true, Value: TypeUser},
	FieldChange{Field: CenterChangeSaveTime},
	FieldChange{Field: CenterPriority},
}

var purgeChanges = []ChangeType{
	FieldChange{Field: PurgeEntryCount},
	FieldChange{Field: PurgeAge},
	FieldChange{Field: PurgeExcludeUser, Minor: TypeUser},
	FieldChange{Field: PurgeExcludeType},
}

func (s InternalSubject) Name() string {
	switch s {
	case SubjectCenter:
		return "center"
	case SubjectAutoPurge:
		return "autoPurge"
	default:
		return fmt.Sprintf("internal(%d)", int(s))
	}
}

func (s InternalSubject) Domain() Domain { return DomainInternal }

func (s InternalSubject) MajorType() string {
	if s == SubjectAutoPurge {
		return TypeAutoPurger
	}
	return TypeCenter
}

func (s InternalSubject) MetadataTypes() (string, string) { return "", "" }

func (s InternalSubject) ChangeTypes() []ChangeType {
	switch s {
	case SubjectCenter:
		return centerChanges
	case SubjectAutoPurge:
		return purgeChanges
	default:
		return nil
	}
}

// FindChangeType returns the change type of st called name.
func FindChangeType(st SubjectType, name string) (ChangeType, bool) {
	for _, ct := range st.ChangeTypes() {
		if ct.Name() == name {
			return ct, true
		}
	}
	return nil, false
}

// Registry resolves subject type names to SubjectType values.
// The built-in subjects are always registered.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	subjects map[string]SubjectType
}

// NewRegistry returns a registry holding the built-in subjects plus extra.
func NewRegistry(extra ...SubjectType) *Registry {
	r := &Registry{subjects: make(map[string]SubjectType)}
	r.subjects[SubjectCenter.Name()] = SubjectCenter
	r.subjects[SubjectAutoPurge.Name()] = SubjectAutoPurge
	for _, st := range extra {
		// Duplicates among the caller's own types are programming errors.
		if err := r.Register(st); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an external subject type. Names must be unique.
func (r *Registry) Register(st SubjectType) error {
	if st == nil || st.Name() == "" {
		return fmt.Errorf("register subject type: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subjects[st.Name()]; exists {
		return fmt.Errorf("register subject type: %q already registered", st.Name())
	}
	r.subjects[st.Name()] = st
	return nil
}

// Subject looks up a subject type by name.
func (r *Registry) Subject(name string) (SubjectType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.subjects[name]
	return st, ok
}

// Resolve looks up a subject type and, when changeName is non-empty, one of
// its change types.
func (r *Registry) Resolve(subjectName, changeName string) (SubjectType, ChangeType, error) {
	st, ok := r.Subject(subjectName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown subject type %q", subjectName)
	}
	if changeName == "" {
		return st, nil, nil
	}
	ct, ok := FindChangeType(st, changeName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown change type %q for subject %q", changeName, subjectName)
	}
	return st, ct, nil
}

// Names returns all registered subject names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subjects))
	for n := range r.subjects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsInternal reports whether the named subject belongs to the built-in domain.
func (r *Registry) IsInternal(subjectName string) bool {
	st, ok := r.Subject(subjectName)
	return ok && st.Domain() == DomainInternal
}
