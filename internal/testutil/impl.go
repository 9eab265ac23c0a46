package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/syncer"
)

// FakeImpl is an in-memory syncer.SynchronizeImpl holding one JSON value
// per fact.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeImpl struct {
	mu      sync.Mutex
	values  map[string]json.RawMessage
	applied []syncer.Action
	// FailOn makes Apply fail for the change IDs it holds.
	FailOn map[int64]bool
}

var _ syncer.SynchronizeImpl = (*FakeImpl)(nil)

func NewFakeImpl() *FakeImpl {
	return &FakeImpl{
		values: make(map[string]json.RawMessage),
		FailOn: make(map[int64]bool),
	}
}

// FactKey names a fact in Values and snapshots.
func FactKey(f syncer.Fact) string {
	if f.Existence {
		return "exists:" + f.String()
	}
	return "value:" + f.String()
}

// Set stores the local value of a fact, as an application edit would.
func (f *FakeImpl) Set(fact syncer.Fact, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[FactKey(fact)] = json.RawMessage(value)
}

// Remove drops a fact, as an application delete would.
func (f *FakeImpl) Remove(fact syncer.Fact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, FactKey(fact))
}

// Value returns the stored value of a fact.
func (f *FakeImpl) Value(fact syncer.Fact) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[FactKey(fact)]
	return string(v), ok
}

// Values returns a copy of every stored value keyed by FactKey.
func (f *FakeImpl) Values() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = string(v)
	}
	return out
}

// Applied returns the actions performed so far, in call order.
func (f *FakeImpl) Applied() []syncer.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.applied)
}

func (f *FakeImpl) Exists(_ context.Context, fact syncer.Fact) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[FactKey(fact)]
	return ok, nil
}

func (f *FakeImpl) Apply(_ context.Context, a syncer.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOn[a.Change.ID] {
		return fmt.Errorf("apply %s to %s refused", a.Kind, a.Fact)
	}
	key := FactKey(a.Fact)
	value := a.Value
	if value == nil {
		value = json.RawMessage("null")
	}
	switch a.Kind {
	case syncer.ActionDelete:
		delete(f.values, key)
	default:
		f.values[key] = slices.Clone(value)
	}
	f.applied = append(f.applied, a)
	return nil
}

func (f *FakeImpl) EncodeValue(_ context.Context, raw record.Raw) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[FactKey(syncer.FactOf(raw))]
	if !ok {
		return nil, nil
	}
	return slices.Clone(v), nil
}

func (f *FakeImpl) Snapshot(context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Marshal(f.values)
}

func (f *FakeImpl) ApplySnapshot(_ context.Context, data json.RawMessage) error {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = values
	if f.values == nil {
		f.values = make(map[string]json.RawMessage)
	}
	return nil
}

// SortedKeys returns the keys of m in order, for stable assertions.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
