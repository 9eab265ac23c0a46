package keeper

import (
	"fmt"
	"reflect"

	"github.com/roach88/meshlog/internal/record"
)

// Mutation is a change about to be persisted. Major, Minor, Data1, Data2
// and an identifiable PreviousValue may be items, IDs or application
// objects the persister can identify.
type Mutation struct {
	Subject       record.SubjectType
	Change        record.ChangeType
	Additivity    record.Additivity
	Major         any
	Minor         any
	PreviousValue any
	Data1         any
	Data2         any
}

// Prepare resolves the IDs and the serialized previous value of m. ID, Time,
// LocalOnly and UserID are left for the keeper to fill in.
func (m Mutation) Prepare(p RecordPersister) (record.Raw, error) {
	if m.Subject == nil {
		return record.Raw{}, fmt.Errorf("mutation has no subject type")
	}
	m.Major, m.Minor, m.Data1, m.Data2 = orNil(m.Major), orNil(m.Minor), orNil(m.Data1), orNil(m.Data2)
	m.PreviousValue = orNil(m.PreviousValue)
	if !m.Additivity.Valid() {
		return record.Raw{}, fmt.Errorf("invalid additivity %d", int(m.Additivity))
	}
	if m.Major == nil {
		return record.Raw{}, fmt.Errorf("mutation of %s has no major subject", m.Subject.Name())
	}

	raw := record.Raw{
		SubjectType: m.Subject.Name(),
		Additivity:  m.Additivity,
	}
	if m.Change != nil {
		raw.ChangeType = m.Change.Name()
	}

	var err error
	if raw.Major, err = ItemID(p, m.Major); err != nil {
		return record.Raw{}, fmt.Errorf("major subject: %w", err)
	}
	if raw.Minor, err = optionalID(p, m.Minor); err != nil {
		return record.Raw{}, fmt.Errorf("minor subject: %w", err)
	}
	if raw.Data1, err = optionalID(p, m.Data1); err != nil {
		return record.Raw{}, fmt.Errorf("data1: %w", err)
	}
	if raw.Data2, err = optionalID(p, m.Data2); err != nil {
		return record.Raw{}, fmt.Errorf("data2: %w", err)
	}

	if m.PreviousValue == nil {
		return raw, nil
	}
	if m.Change != nil && m.Change.ObjectIdentifiable() {
		if raw.PreValueID, err = optionalID(p, m.PreviousValue); err != nil {
			return record.Raw{}, fmt.Errorf("previous value: %w", err)
		}
		return raw, nil
	}
	text, err := serialize(p, m.Change, m.PreviousValue)
	if err != nil {
		return record.Raw{}, fmt.Errorf("previous value: %w", err)
	}
	raw.PreValueText = &text
	return raw, nil
}

// Record builds the resolved change for raw, reusing the values of m.
func (m Mutation) Record(raw record.Raw, user record.User) *record.ChangeRecord {
	rec := &record.ChangeRecord{
		ChangeHeader: record.ChangeHeader{
			ID:         raw.ID,
			Time:       raw.Time,
			LocalOnly:  raw.LocalOnly,
			User:       user,
			Additivity: raw.Additivity,
		},
		SubjectType:   m.Subject,
		ChangeType:    m.Change,
		Major:         &record.Item{ID: raw.Major, Value: m.Major},
		Minor:         item(raw.Minor, m.Minor),
		Data1:         item(raw.Data1, m.Data1),
		Data2:         item(raw.Data2, m.Data2),
		PreviousValue: orNil(m.PreviousValue),
	}
	if raw.PreValueID != nil {
		rec.PreviousValue = &record.Item{ID: *raw.PreValueID, Value: m.PreviousValue}
	}
	return rec
}

// orNil turns a typed nil pointer into an untyped nil.
func orNil(v any) any {
	if v == nil {
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	return v
}

func item(id *int64, v any) *record.Item {
	if id == nil {
		return nil
	}
	return &record.Item{ID: *id, Value: v}
}

func optionalID(p RecordPersister, v any) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	id, err := ItemID(p, v)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func serialize(p RecordPersister, ct record.ChangeType, v any) (string, error) {
	if p == nil {
		return ScalarSerializer{}.SerializePreValue(ct, v)
	}
	return p.SerializePreValue(ct, v)
}
