package keeper

import (
	"context"
	"fmt"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// ItemRef names a persisted entity by type and ID.
type ItemRef struct {
	Type string
	ID   int64
}

func (r ItemRef) String() string {
	return fmt.Sprintf("%s#%d", r.Type, r.ID)
}

// RecordPersister resolves the application objects changes refer to.
// The keepers never assume how they are stored.
type RecordPersister interface {
	GetUser(id int64) (record.User, error)
	// GetData resolves the entities of a change of an external subject type.
	GetData(st record.SubjectType, ct record.ChangeType, raw record.Raw) (record.ChangeData, error)
	// GetID returns the ID of an application object passed to Persist.
	GetID(item any) (int64, error)
	// CheckItemForDelete is called once no change references an entity
	// anymore. The persister may delete it.
	CheckItemForDelete(ctx context.Context, ref ItemRef) error
	// GetHistoryDomains lists the subject types whose changes may
	// reference the entity.
	GetHistoryDomains(ref ItemRef) ([]string, error)
	// SerializePreValue serializes a non-identifiable previous value.
	SerializePreValue(ct record.ChangeType, value any) (string, error)
}

// ScalarSerializer is a SerializePreValue implementation using canonical
// JSON. Persisters embed it when they have no special scalars.
type ScalarSerializer struct{}

func (ScalarSerializer) SerializePreValue(_ record.ChangeType, value any) (string, error) {
	data, err := record.MarshalScalar(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Resolver is the record.DataResolver the keepers decode with. Built-in
// subjects are resolved from the keeper's own state; everything else is
// delegated to the persister.
type Resolver struct {
	Persister RecordPersister
	// Center returns a center by row ID, nil when unknown.
	Center func(rowID int64) *record.Center
	// Policy returns the current auto-purge policy.
	Policy func() *record.AutoPurger
}

var _ record.DataResolver = (*Resolver)(nil)

// GetUser resolves a user. The system user never reaches the persister.
func (r *Resolver) GetUser(id int64) (record.User, error) {
	if id == record.SystemUser.ID {
		return record.SystemUser, nil
	}
	if r.Persister == nil {
		return record.User{ID: id}, nil
	}
	return r.Persister.GetUser(id)
}

// GetData dispatches on the subject domain.
func (r *Resolver) GetData(st record.SubjectType, ct record.ChangeType, raw record.Raw) (record.ChangeData, error) {
	switch st.Domain() {
	case record.DomainInternal:
		return r.internalData(st, ct, raw)
	case record.DomainExternal:
		if r.Persister == nil {
			return record.ChangeData{}, nil
		}
		return r.Persister.GetData(st, ct, raw)
	default:
		return record.ChangeData{}, fmt.Errorf("subject %q has unknown domain %s", st.Name(), st.Domain())
	}
}

func (r *Resolver) internalData(st record.SubjectType, ct record.ChangeType, raw record.Raw) (record.ChangeData, error) {
	var data record.ChangeData
	switch st {
	case record.SubjectCenter:
		if r.Center != nil {
			if c := r.Center(raw.Major); c != nil {
				data.Major = c
			}
		}
		if ct != nil && ct.ObjectIdentifiable() && raw.PreValueID != nil {
			u, err := r.GetUser(*raw.PreValueID)
			if err != nil {
				return data, err
			}
			data.PreviousValue = u
		}
	case record.SubjectAutoPurge:
		if r.Policy != nil {
			data.Major = r.Policy()
		}
		if raw.Minor != nil {
			u, err := r.GetUser(*raw.Minor)
			if err != nil {
				return data, err
			}
			data.Minor = u
		}
	}
	return data, nil
}

// ItemID returns the entity ID of a value passed to Persist. Items, users,
// centers and bare IDs are recognized; anything else goes to the persister.
func ItemID(p RecordPersister, v any) (int64, error) {
	switch x := v.(type) {
	case *record.Item:
		return x.ID, nil
	case record.Item:
		return x.ID, nil
	case int64:
		return x, nil
	case *record.Center:
		return x.ID, nil
	case record.User:
		return x.ID, nil
	case *record.User:
		return x.ID, nil
	}
	if p == nil {
		return 0, fmt.Errorf("no persister to identify %T", v)
	}
	return p.GetID(v)
}

// Refs lists the typed entity references of a raw change. References whose
// type cannot be resolved are skipped.
func Refs(raw record.Raw, reg *record.Registry) []ItemRef {
	st, ct, err := reg.Resolve(raw.SubjectType, raw.ChangeType)
	if err != nil {
		return nil
	}
	refs := []ItemRef{{Type: st.MajorType(), ID: raw.Major}}
	if ct != nil && raw.Minor != nil && ct.MinorType() != "" {
		refs = append(refs, ItemRef{Type: ct.MinorType(), ID: *raw.Minor})
	}
	d1, d2 := st.MetadataTypes()
	if d1 != "" && raw.Data1 != nil {
		refs = append(refs, ItemRef{Type: d1, ID: *raw.Data1})
	}
	if d2 != "" && raw.Data2 != nil {
		refs = append(refs, ItemRef{Type: d2, ID: *raw.Data2})
	}
	if ct != nil && ct.ObjectIdentifiable() && raw.PreValueID != nil {
		refs = append(refs, ItemRef{Type: ct.ValueType(), ID: *raw.PreValueID})
	}
	return refs
}

// HistorySearch builds the search selecting every change that references
// ref in one of the persister's history domains.
func HistorySearch(p RecordPersister, ref ItemRef) (search.Search, error) {
	domains, err := p.GetHistoryDomains(ref)
	if err != nil {
		return nil, fmt.Errorf("history domains of %s: %w", ref, err)
	}
	terms := make([]search.Search, 0, len(domains))
	for _, d := range domains {
		terms = append(terms, search.All(
			&search.SubjectTypeIs{Type: search.Lit(d)},
			search.Any(
				&search.FieldIs{Field: search.FieldMajor, ID: search.Lit(ref.ID)},
				&search.FieldIs{Field: search.FieldMinor, ID: search.Lit(ref.ID)},
				&search.FieldIs{Field: search.FieldData1, ID: search.Lit(ref.ID)},
				&search.FieldIs{Field: search.FieldData2, ID: search.Lit(ref.ID)},
			),
		))
	}
	return search.Any(terms...), nil
}
