package memkeeper_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/memkeeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
	"github.com/roach88/meshlog/internal/store"
	"github.com/roach88/meshlog/internal/testutil"
)

// outcome is what the parity script observes through the shared interface.
type outcome struct {
	centers  []string
	all      []int64
	byBob    []int64
	failed   []int64
	pending  []int64
	latest   record.Watermarks
	purged   record.Watermarks
	records  []int64
	safeTime int64
	applied  int
}

func runScript(t *testing.T, k keeper.RecordKeeper, clock *testutil.ManualClock, p *testutil.FakePersister) outcome {
	t.Helper()
	ctx := t.Context()
	alice := keeper.NewTxn(record.User{ID: 5, Name: "alice"})
	bob := keeper.NewTxn(record.User{ID: 7, Name: "bob"})
	st := testutil.DocumentType()
	title, _ := record.FindChangeType(st, testutil.ChangeTitle)
	doc := p.AddObject(&testutil.Object{Type: testutil.DocumentEntity, ID: record.IDRange + 500})

	peer := record.NewCenter("Peer")
	peer.ChangeSaveTime = 1_000_000
	require.NoError(t, k.PutCenter(ctx, alice, peer))
	var ids []int64
	for i, txn := range []*keeper.Txn{alice, bob, alice, bob, alice} {
		clock.Advance(10)
		rec, err := k.Persist(ctx, txn, keeper.Mutation{Subject: st, Change: title, Major: doc, PreviousValue: i})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	remote := record.Raw{ID: 2*record.IDRange + 1, Time: clock.Advance(10), UserID: 7,
		SubjectType: testutil.DocumentSubject, ChangeType: testutil.ChangeTitle, Major: 2*record.IDRange + 40}
	_, err := k.ImportChange(ctx, remote)
	require.NoError(t, err)

	r := record.NewSyncRecord(peer, record.SyncManualRemote, clock.Advance(10), false)
	require.NoError(t, k.PutSyncRecord(ctx, r))
	require.NoError(t, k.Associate(ctx, r, ids[:2], false))
	require.NoError(t, k.SetAssociationError(ctx, r.ID, ids[1], true))
	require.NoError(t, k.CloseSyncRecord(ctx, r, errors.New("partial")))
	require.NoError(t, k.MarkSynced(ctx, peer.ID, false, clock.Now()-25))
	clock.Advance(100)

	var o outcome
	o.applied, err = k.SetAutoPurger(ctx, alice, &record.AutoPurger{EntryCount: ptr(2)})
	require.NoError(t, err)

	centers, err := k.Centers(ctx)
	require.NoError(t, err)
	for _, c := range centers {
		o.centers = append(o.centers, c.Name)
	}
	o.all, err = k.Search(ctx, nil, search.Sorter{})
	require.NoError(t, err)
	o.byBob, err = k.Search(ctx, &search.UserIs{User: search.Lit(int64(7))}, search.SortBy(search.Desc(search.SortChangeTime)))
	require.NoError(t, err)
	o.failed, err = k.Search(ctx, &search.SyncChangeError{Value: search.Lit(true)}, search.Sorter{})
	require.NoError(t, err)
	o.pending, err = k.PendingExportErrors(ctx, peer.ID)
	require.NoError(t, err)
	o.latest, err = k.LatestChanges(ctx)
	require.NoError(t, err)
	o.purged, err = k.LatestPurged(ctx)
	require.NoError(t, err)
	records, err := k.SyncRecords(ctx, nil)
	require.NoError(t, err)
	for _, r := range records {
		o.records = append(o.records, r.ID)
	}
	o.safeTime, err = k.PurgeSafeTime(ctx)
	require.NoError(t, err)
	return o
}

func ptr[T any](v T) *T { return &v }

func TestParity_WithStore(t *testing.T) {
	newClock := func() *testutil.ManualClock { return testutil.NewManualClock(1_000_000) }

	sqlClock, sqlPersister := newClock(), testutil.NewFakePersister()
	s, err := store.Open(filepath.Join(t.TempDir(), "parity.db"),
		store.WithClock(sqlClock.Now),
		store.WithRegistry(testutil.NewRegistry()),
		store.WithPersister(sqlPersister),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bootstrap(t.Context(), testCenterID))

	memClock, memPersister := newClock(), testutil.NewFakePersister()
	m, err := memkeeper.New(testCenterID,
		memkeeper.WithClock(memClock.Now),
		memkeeper.WithRegistry(testutil.NewRegistry()),
		memkeeper.WithPersister(memPersister),
		memkeeper.WithPurgeInterval(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	want := runScript(t, s, sqlClock, sqlPersister)
	got := runScript(t, m, memClock, memPersister)

	assert.Equal(t, want, got)
	assert.Positive(t, want.applied, "the script purges something")
	assert.NotEmpty(t, want.pending, "the script leaves a retryable export error")
}
