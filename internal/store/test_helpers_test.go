package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/testutil"
)

const testCenterID = 1

// createTestStore creates an empty store in a temporary directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixture is a bootstrapped store with a manual clock and the document
// test domain.
type fixture struct {
	store     *Store
	clock     *testutil.ManualClock
	persister *testutil.FakePersister
	alice     record.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: testutil.NewManualClock(1_000_000),
		alice: record.User{ID: 5, Name: "alice"},
	}
	f.persister = testutil.NewFakePersister(f.alice)
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithRegistry(testutil.NewRegistry()),
		WithPersister(f.persister),
	}, opts...)
	f.store = createTestStore(t, opts...)
	if err := f.store.Bootstrap(t.Context(), testCenterID); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}
	return f
}

func (f *fixture) txn() *keeper.Txn {
	return keeper.NewTxn(f.alice)
}

// title persists a title change of doc.
func (f *fixture) title(t *testing.T, doc *testutil.Object, prev string) *record.ChangeRecord {
	t.Helper()
	st := testutil.DocumentType()
	ct, _ := record.FindChangeType(st, testutil.ChangeTitle)
	rec, err := f.store.Persist(t.Context(), f.txn(), keeper.Mutation{
		Subject:       st,
		Change:        ct,
		Major:         doc,
		PreviousValue: prev,
	})
	if err != nil {
		t.Fatalf("Persist() failed: %v", err)
	}
	return rec
}

// peer adds a center that exported at lastExport.
func (f *fixture) peer(t *testing.T, name string, lastExport, saveTime int64) *record.Center {
	t.Helper()
	c := record.NewCenter(name)
	c.ChangeSaveTime = saveTime
	if err := f.store.PutCenter(t.Context(), nil, c); err != nil {
		t.Fatalf("PutCenter() failed: %v", err)
	}
	if lastExport > 0 {
		if err := f.store.MarkSynced(t.Context(), c.ID, false, lastExport); err != nil {
			t.Fatalf("MarkSynced() failed: %v", err)
		}
		c.LastExport = lastExport
	}
	return c
}
