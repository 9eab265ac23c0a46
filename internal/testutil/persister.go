package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

// Object is an application entity held by FakePersister.
type Object struct {
	Type string
	ID   int64
	Data map[string]any
}

// FakePersister is an in-memory keeper.RecordPersister.
//
// Users and objects are registered up front; CheckItemForDelete calls are
// recorded and delete the object.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakePersister struct {
	keeper.ScalarSerializer

	mu      sync.Mutex
	users   map[int64]record.User
	objects map[int64]*Object
	deleted []keeper.ItemRef
	// Domains maps an entity type to the subject types whose history
	// references it.
	Domains map[string][]string
}

var _ keeper.RecordPersister = (*FakePersister)(nil)

// NewFakePersister creates a persister knowing users.
func NewFakePersister(users ...record.User) *FakePersister {
	p := &FakePersister{
		users:   make(map[int64]record.User),
		objects: make(map[int64]*Object),
		Domains: make(map[string][]string),
	}
	for _, u := range users {
		p.users[u.ID] = u
	}
	return p
}

// AddObject registers an entity.
func (p *FakePersister) AddObject(o *Object) *Object {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[o.ID] = o
	return o
}

// Object returns a registered entity.
func (p *FakePersister) Object(id int64) (*Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objects[id]
	return o, ok
}

// Deleted returns the entities released so far, in call order.
func (p *FakePersister) Deleted() []keeper.ItemRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.deleted)
}

func (p *FakePersister) GetUser(id int64) (record.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return record.User{}, fmt.Errorf("no user %d", id)
	}
	return u, nil
}

func (p *FakePersister) GetData(st record.SubjectType, ct record.ChangeType, raw record.Raw) (record.ChangeData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := record.ChangeData{}
	if o, ok := p.objects[raw.Major]; ok {
		data.Major = o
	}
	if raw.Minor != nil {
		if o, ok := p.objects[*raw.Minor]; ok {
			data.Minor = o
		}
	}
	return data, nil
}

func (p *FakePersister) GetID(item any) (int64, error) {
	switch v := item.(type) {
	case *Object:
		return v.ID, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("cannot identify %T", item)
	}
}

func (p *FakePersister) CheckItemForDelete(_ context.Context, ref keeper.ItemRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ref)
	delete(p.objects, ref.ID)
	return nil
}

func (p *FakePersister) GetHistoryDomains(ref keeper.ItemRef) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Domains[ref.Type]), nil
}
