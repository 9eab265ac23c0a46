package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshlog/internal/record"
)

func TestSyncRecord_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	peer := f.peer(t, "Peer", 0, 0)

	r := record.NewSyncRecord(peer, record.SyncAutomatic, 100, true)
	require.NoError(t, f.store.PutSyncRecord(ctx, r))
	assert.True(t, record.PartitionFor(testCenterID).Contains(r.ID))

	got, err := f.store.SyncRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Pending())
	assert.True(t, got.IsImport)
	assert.Equal(t, "Peer", got.Center.Name)

	r.ParallelID = 2*record.IDRange + 3
	require.NoError(t, f.store.PutSyncRecord(ctx, r))

	require.NoError(t, f.store.CloseSyncRecord(ctx, r, nil))
	assert.True(t, r.Succeeded())

	got, err = f.store.SyncRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Succeeded())
	assert.Equal(t, r.ParallelID, got.ParallelID)
}

func TestCloseSyncRecord_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	peer := f.peer(t, "Peer", 0, 0)

	r := record.NewSyncRecord(peer, record.SyncFile, 100, false)
	require.NoError(t, f.store.PutSyncRecord(ctx, r))
	require.NoError(t, f.store.CloseSyncRecord(ctx, r, errors.New("connection reset")))

	// A stale copy still believes the record is pending.
	stale := *r
	pending := record.PendingError
	stale.SyncError = &pending
	err := f.store.CloseSyncRecord(ctx, &stale, nil)
	assert.True(t, record.HasCode(err, record.ErrCodeRecordClosed), "got %v", err)

	got, err := f.store.SyncRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "connection reset", got.ErrorText())
}

func TestSyncRecord_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.SyncRecord(t.Context(), 12345)
	assert.True(t, record.HasCode(err, record.ErrCodeReceiptNotFound), "got %v", err)

	err = f.store.PutSyncRecord(t.Context(), &record.SyncRecord{
		ID: 12345, Center: &record.Center{ID: 1}, Type: record.SyncFile,
	})
	assert.True(t, record.HasCode(err, record.ErrCodeReceiptNotFound), "got %v", err)
}

func TestPutSyncRecord_Invalid(t *testing.T) {
	f := newFixture(t)
	peer := f.peer(t, "Peer", 0, 0)

	require.Error(t, f.store.PutSyncRecord(t.Context(), record.NewSyncRecord(nil, record.SyncFile, 1, true)))
	require.Error(t, f.store.PutSyncRecord(t.Context(), record.NewSyncRecord(peer, "CARRIER_PIGEON", 1, true)))
}

func TestSyncRecords_FilterAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	a := f.peer(t, "A", 0, 0)
	b := f.peer(t, "B", 0, 0)

	for _, tc := range []struct {
		center *record.Center
		time   int64
	}{{a, 300}, {b, 200}, {a, 100}} {
		require.NoError(t, f.store.PutSyncRecord(ctx, record.NewSyncRecord(tc.center, record.SyncAutomatic, tc.time, false)))
	}

	all, err := f.store.SyncRecords(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{100, 200, 300}, []int64{all[0].Time, all[1].Time, all[2].Time})

	onlyA, err := f.store.SyncRecords(ctx, a)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	for _, r := range onlyA {
		assert.Equal(t, a.ID, r.Center.ID)
	}
}

func TestAssociations(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	peer := f.peer(t, "Peer", 0, 0)
	doc := f.doc(1)
	c1 := f.title(t, doc, "a")
	c2 := f.title(t, doc, "b")

	r1 := record.NewSyncRecord(peer, record.SyncAutomatic, 1, false)
	r2 := record.NewSyncRecord(peer, record.SyncAutomatic, 2, false)
	require.NoError(t, f.store.PutSyncRecord(ctx, r1))
	require.NoError(t, f.store.PutSyncRecord(ctx, r2))

	require.NoError(t, f.store.Associate(ctx, r1, []int64{c1.ID, c2.ID}, false))
	require.NoError(t, f.store.Associate(ctx, r2, []int64{c1.ID}, true))

	got, err := f.store.Associations(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, []record.Association{
		{RecordID: r1.ID, ChangeID: c1.ID, Error: false},
		{RecordID: r2.ID, ChangeID: c1.ID, Error: true},
	}, got)

	// Re-associating takes the new flag.
	require.NoError(t, f.store.Associate(ctx, r2, []int64{c1.ID}, false))
	// Flag every change of r1 as failed.
	require.NoError(t, f.store.SetAssociationError(ctx, r1.ID, 0, true))

	got, err = f.store.Associations(ctx, c1.ID)
	require.NoError(t, err)
	assert.True(t, got[0].Error)
	assert.False(t, got[1].Error)
	got, err = f.store.Associations(ctx, c2.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Error)

	require.NoError(t, f.store.SetAssociationError(ctx, r1.ID, c2.ID, false))
	got, err = f.store.Associations(ctx, c2.ID)
	require.NoError(t, err)
	assert.False(t, got[0].Error)

	require.NoError(t, f.store.RemoveSyncRecord(ctx, r1))
	got, err = f.store.Associations(ctx, c2.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssociations_PurgedChangeCascades(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	peer := f.peer(t, "Peer", 0, 0)
	c := f.title(t, f.doc(1), "a")

	r := record.NewSyncRecord(peer, record.SyncAutomatic, 1, false)
	require.NoError(t, f.store.PutSyncRecord(ctx, r))
	require.NoError(t, f.store.Associate(ctx, r, []int64{c.ID}, false))
	require.NoError(t, f.store.Purge(ctx, c))

	got, err := f.store.Associations(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
