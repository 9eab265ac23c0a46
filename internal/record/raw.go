package record

import "fmt"

// Raw is the storage and wire form of a change: scalar identifiers only.
// Both keepers persist Raw values and the synchronizer transmits them.
type Raw struct {
	ID           int64      `json:"id"`
	Time         int64      `json:"time"`
	LocalOnly    bool       `json:"localOnly,omitempty"`
	UserID       int64      `json:"user"`
	SubjectType  string     `json:"subjectType"`
	ChangeType   string     `json:"changeType,omitempty"`
	Additivity   Additivity `json:"additivity"`
	Major        int64      `json:"majorSubject"`
	Minor        *int64     `json:"minorSubject,omitempty"`
	Data1        *int64     `json:"data1,omitempty"`
	Data2        *int64     `json:"data2,omitempty"`
	PreValueID   *int64     `json:"preValueID,omitempty"`
	PreValueText *string    `json:"preValue,omitempty"`
}

// Origin returns the center that issued the change.
func (r Raw) Origin() int { return OriginCenter(r.ID) }

// SubjectCenter returns the center that issued the major subject.
func (r Raw) SubjectCenter() int { return OriginCenter(r.Major) }

// ToRaw flattens a change into its raw form. Scalar previous values are
// serialized as canonical JSON.
func ToRaw(c Change) (Raw, error) {
	h := c.Header()
	refs := c.Refs()
	raw := Raw{
		ID:          h.ID,
		Time:        h.Time,
		LocalOnly:   h.LocalOnly,
		UserID:      h.User.ID,
		SubjectType: c.SubjectTypeName(),
		ChangeType:  c.ChangeTypeName(),
		Additivity:  h.Additivity,
		Major:       refs.Major,
		Minor:       refs.Minor,
		Data1:       refs.Data1,
		Data2:       refs.Data2,
		PreValueID:  refs.PreValue,
	}
	switch ch := c.(type) {
	case *ChangeRecordError:
		raw.PreValueText = ch.PreValueText
	case *ChangeRecord:
		identifiable := ch.ChangeType != nil && ch.ChangeType.ObjectIdentifiable()
		if !identifiable && ch.PreviousValue != nil {
			text, err := MarshalScalar(ch.PreviousValue)
			if err != nil {
				return Raw{}, fmt.Errorf("change %d: previous value: %w", h.ID, err)
			}
			s := string(text)
			raw.PreValueText = &s
		}
	}
	return raw, nil
}

// ChangeData is the resolved content of a raw change, as produced by the
// application's persister.
type ChangeData struct {
	Major         any
	Minor         any
	Data1         any
	Data2         any
	PreviousValue any
}

// DataResolver resolves the entities a raw change references.
type DataResolver interface {
	GetUser(id int64) (User, error)
	GetData(st SubjectType, ct ChangeType, raw Raw) (ChangeData, error)
}

// Decode rebuilds a change from its raw form. When the types cannot be
// resolved, or the resolver fails, the result degrades to a
// *ChangeRecordError instead of failing: one bad record never blocks
// unrelated ones. resolver may be nil, in which case only identities are set.
func Decode(raw Raw, reg *Registry, resolver DataResolver) Change {
	header := ChangeHeader{
		ID:         raw.ID,
		Time:       raw.Time,
		LocalOnly:  raw.LocalOnly,
		User:       User{ID: raw.UserID},
		Additivity: raw.Additivity,
	}

	st, ct, err := reg.Resolve(raw.SubjectType, raw.ChangeType)
	if err != nil {
		return degrade(header, raw, err)
	}

	rec := &ChangeRecord{
		ChangeHeader: header,
		SubjectType:  st,
		ChangeType:   ct,
		Major:        &Item{ID: raw.Major},
		Minor:        optItem(raw.Minor),
		Data1:        optItem(raw.Data1),
		Data2:        optItem(raw.Data2),
	}

	identifiable := ct != nil && ct.ObjectIdentifiable()
	switch {
	case identifiable && raw.PreValueID != nil:
		rec.PreviousValue = &Item{ID: *raw.PreValueID}
	case !identifiable && raw.PreValueText != nil:
		v, err := UnmarshalScalar([]byte(*raw.PreValueText))
		if err != nil {
			return degrade(header, raw, fmt.Errorf("malformed previous value: %w", err))
		}
		rec.PreviousValue = v
	}

	if resolver == nil {
		return rec
	}

	user, err := resolver.GetUser(raw.UserID)
	if err != nil {
		return degrade(header, raw, fmt.Errorf("resolve user %d: %w", raw.UserID, err))
	}
	rec.User = user

	data, err := resolver.GetData(st, ct, raw)
	if err != nil {
		return degrade(header, raw, fmt.Errorf("resolve data: %w", err))
	}
	rec.Major.Value = data.Major
	setValue(rec.Minor, data.Minor)
	setValue(rec.Data1, data.Data1)
	setValue(rec.Data2, data.Data2)
	if item, ok := rec.PreviousValue.(*Item); ok {
		item.Value = data.PreviousValue
	} else if data.PreviousValue != nil {
		rec.PreviousValue = data.PreviousValue
	}
	return rec
}

func degrade(h ChangeHeader, raw Raw, cause error) *ChangeRecordError {
	return &ChangeRecordError{
		ChangeHeader: h,
		SubjectName:  raw.SubjectType,
		ChangeName:   raw.ChangeType,
		MajorID:      raw.Major,
		MinorID:      raw.Minor,
		Data1ID:      raw.Data1,
		Data2ID:      raw.Data2,
		PreValueID:   raw.PreValueID,
		PreValueText: raw.PreValueText,
		Cause:        cause.Error(),
	}
}

func optItem(id *int64) *Item {
	if id == nil {
		return nil
	}
	return &Item{ID: *id}
}

func setValue(it *Item, v any) {
	if it != nil {
		it.Value = v
	}
}
