package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/testutil"
)

// history persists n title changes of doc, advancing the clock by 10ms
// before each, then moves the clock 100ms past the last one.
func (f *fixture) history(t *testing.T, doc *testutil.Object, n int) []*record.ChangeRecord {
	t.Helper()
	out := make([]*record.ChangeRecord, n)
	for i := range out {
		f.clock.Advance(10)
		out[i] = f.title(t, doc, "v")
	}
	f.clock.Advance(100)
	return out
}

func storedIDs(t *testing.T, s *Store, subject string) []int64 {
	t.Helper()
	all, err := allRaw(t.Context(), s.db)
	require.NoError(t, err)
	ids := []int64{}
	for _, raw := range all {
		if raw.SubjectType == subject {
			ids = append(ids, raw.ID)
		}
	}
	return ids
}

func intPtr(n int) *int { return &n }

func TestPurge_AdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc := f.doc(1)
	recs := f.history(t, doc, 2)

	require.NoError(t, f.store.Purge(ctx, recs[1]))

	pair := record.Pair{Origin: testCenterID, Subject: testCenterID}
	purged, err := f.store.LatestPurged(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs[1].Time, purged.Get(pair))

	latest, err := f.store.LatestChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs[1].Time, latest.Get(pair), "purged changes still count as seen")

	// Purging an older change never lowers the watermark.
	require.NoError(t, f.store.Purge(ctx, recs[0]))
	purged, err = f.store.LatestPurged(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs[1].Time, purged.Get(pair))
}

func TestPurge_ReleasesUnreferencedEntities(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc := f.doc(1)
	tag := f.persister.AddObject(&testutil.Object{Type: testutil.TagEntity, ID: doc.ID + 100})

	st := testutil.DocumentType()
	tagType, _ := record.FindChangeType(st, testutil.ChangeTag)
	tagged, err := f.store.Persist(ctx, f.txn(), keeper.Mutation{
		Subject: st, Change: tagType, Additivity: record.Creation, Major: doc, Minor: tag,
	})
	require.NoError(t, err)
	renamed := f.title(t, doc, "Draft")

	require.NoError(t, f.store.Purge(ctx, tagged))
	assert.Equal(t, []keeper.ItemRef{{Type: testutil.TagEntity, ID: tag.ID}}, f.persister.Deleted(),
		"the document is still referenced")

	require.NoError(t, f.store.Purge(ctx, renamed))
	assert.Equal(t, []keeper.ItemRef{
		{Type: testutil.TagEntity, ID: tag.ID},
		{Type: testutil.DocumentEntity, ID: doc.ID},
	}, f.persister.Deleted())
}

func TestPurge_HardDeletesRemovedCenter(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	peer := record.NewCenter("Peer")
	require.NoError(t, f.store.PutCenter(ctx, f.txn(), peer))
	require.NoError(t, f.store.RemoveCenter(ctx, f.txn(), peer))

	changes := centerChanges(t, f.store, peer.ID)
	require.Len(t, changes, 2)

	_, err := f.store.PurgeBatch(ctx, []int64{changes[0].ID})
	require.NoError(t, err)
	_, err = f.store.Center(ctx, peer.ID)
	require.NoError(t, err, "still referenced by the removal")

	_, err = f.store.PurgeBatch(ctx, []int64{changes[1].ID})
	require.NoError(t, err)
	_, err = f.store.Center(ctx, peer.ID)
	assert.True(t, record.HasCode(err, record.ErrCodeUnknownCenter), "got %v", err)
	assert.Empty(t, f.persister.Deleted(), "centers are not released to the persister")
}

func TestPurge_KeepsLiveCenter(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	peer := record.NewCenter("Peer")
	require.NoError(t, f.store.PutCenter(ctx, f.txn(), peer))
	changes := centerChanges(t, f.store, peer.ID)
	require.Len(t, changes, 1)

	_, err := f.store.PurgeBatch(ctx, []int64{changes[0].ID})
	require.NoError(t, err)
	_, err = f.store.Center(ctx, peer.ID)
	assert.NoError(t, err)
}

func TestPurgeBatch_CollectsFailures(t *testing.T) {
	f := newFixture(t)
	recs := f.history(t, f.doc(1), 2)

	n, err := f.store.PurgeBatch(t.Context(), []int64{recs[0].ID, 9999, recs[1].ID})
	assert.Equal(t, 2, n)

	var batch *record.BatchError
	require.True(t, errors.As(err, &batch), "got %v", err)
	assert.Len(t, batch.Failures, 1)
	assert.Empty(t, storedIDs(t, f.store, testutil.DocumentSubject))
}

func TestAutoPurger_EntryCount(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 4)

	policy := &record.AutoPurger{EntryCount: intPtr(2)}
	preview, err := f.store.PreviewAutoPurge(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 2, preview)

	purged, err := f.store.SetAutoPurger(ctx, f.txn(), policy)
	require.NoError(t, err)
	assert.Equal(t, preview, purged)
	assert.Equal(t, []int64{recs[2].ID, recs[3].ID}, storedIDs(t, f.store, testutil.DocumentSubject))

	got, err := f.store.AutoPurger(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.EntryCount)
	assert.Equal(t, 2, *got.EntryCount)

	// The policy change itself is recorded and does not take a slot.
	policyIDs := storedIDs(t, f.store, record.SubjectAutoPurge.Name())
	require.Len(t, policyIDs, 1)
	raws, err := f.store.RawChanges(ctx, policyIDs)
	require.NoError(t, err)
	assert.Equal(t, record.PurgeEntryCount, raws[0].ChangeType)
	assert.Nil(t, raws[0].PreValueText)

	// Later changes keep the window at two.
	f.clock.Advance(10)
	newest := f.title(t, f.doc(1), "w")
	assert.Equal(t, []int64{recs[3].ID, newest.ID}, storedIDs(t, f.store, testutil.DocumentSubject))
}

func TestAutoPurger_Age(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 3)

	// recs[0] is 120ms old, recs[2] 100ms.
	age := int64(110)
	purged, err := f.store.SetAutoPurger(ctx, f.txn(), &record.AutoPurger{Age: &age})
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, []int64{recs[1].ID, recs[2].ID}, storedIDs(t, f.store, testutil.DocumentSubject))
}

func TestAutoPurger_Exclusions(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc := f.doc(1)
	bob := record.User{ID: 7, Name: "bob"}

	st := testutil.DocumentType()
	body, _ := record.FindChangeType(st, testutil.ChangeBody)
	f.clock.Advance(10)
	byBob, err := f.store.Persist(ctx, keeper.NewTxn(bob), keeper.Mutation{Subject: st, Change: body, Major: doc})
	require.NoError(t, err)
	byAlice := f.history(t, doc, 2)

	policy := &record.AutoPurger{
		EntryCount:    intPtr(0),
		ExcludedUsers: []record.User{bob},
	}
	preview, err := f.store.PreviewAutoPurge(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 2, preview)

	policy.ExcludedTypes = []record.RecordType{{
		SubjectType: testutil.DocumentSubject, ChangeType: testutil.ChangeTitle, Additivity: record.Modification,
	}}
	preview, err = f.store.PreviewAutoPurge(ctx, policy)
	require.NoError(t, err)
	assert.Zero(t, preview)

	purged, err := f.store.SetAutoPurger(ctx, f.txn(), policy)
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.Equal(t, []int64{byBob.ID, byAlice[0].ID, byAlice[1].ID}, storedIDs(t, f.store, testutil.DocumentSubject))

	got, err := f.store.AutoPurger(ctx)
	require.NoError(t, err)
	assert.Equal(t, policy.ExcludedUsers, got.ExcludedUsers)
	assert.Equal(t, policy.ExcludedTypes, got.ExcludedTypes)

	raws, err := f.store.RawChanges(ctx, storedIDs(t, f.store, record.SubjectAutoPurge.Name()))
	require.NoError(t, err)
	types := map[string]record.Raw{}
	for _, r := range raws {
		types[r.ChangeType] = r
	}
	require.Contains(t, types, record.PurgeExcludeUser)
	require.NotNil(t, types[record.PurgeExcludeUser].Minor)
	assert.Equal(t, bob.ID, *types[record.PurgeExcludeUser].Minor)
	require.Contains(t, types, record.PurgeExcludeType)
	require.NotNil(t, types[record.PurgeExcludeType].PreValueText)
	assert.Contains(t, *types[record.PurgeExcludeType].PreValueText, testutil.ChangeTitle)
}

func TestAutoPurger_PeerHoldsChangesBack(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 4)

	// The peer last took changes right after recs[1] and promises to keep
	// a day of history.
	f.peer(t, "Peer", recs[1].Time+1, 86_400_000)

	preview, err := f.store.PreviewAutoPurge(ctx, &record.AutoPurger{EntryCount: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, 2, preview)

	safe, err := f.store.PurgeSafeTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs[1].Time+1, safe)
}

func TestAutoPurger_SilentPeerStopsHoldingBack(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 4)

	// Silent since before any change, with a 50ms save time.
	f.peer(t, "Peer", recs[0].Time-1, 50)

	preview, err := f.store.PreviewAutoPurge(ctx, &record.AutoPurger{EntryCount: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, 4, preview)
}

func TestSetAutoPurger_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.SetAutoPurger(t.Context(), f.txn(), &record.AutoPurger{EntryCount: intPtr(-1)})
	assert.True(t, record.HasCode(err, record.ErrCodeBadPolicy), "got %v", err)

	_, err = f.store.SetAutoPurger(t.Context(), &keeper.Txn{}, &record.AutoPurger{EntryCount: intPtr(1)})
	assert.True(t, record.IsNoUser(err), "got %v", err)

	got, err := f.store.AutoPurger(t.Context())
	require.NoError(t, err)
	assert.False(t, got.Active())
}

// exportTo records an export attempt of changes to peer.
func (f *fixture) exportTo(t *testing.T, peer *record.Center, changeIDs []int64, failed bool, cause error) *record.SyncRecord {
	t.Helper()
	ctx := t.Context()
	f.clock.Advance(1)
	r := record.NewSyncRecord(peer, record.SyncManualRemote, f.clock.Now(), false)
	require.NoError(t, f.store.PutSyncRecord(ctx, r))
	require.NoError(t, f.store.Associate(ctx, r, changeIDs, failed))
	if cause != nil || !failed {
		require.NoError(t, f.store.CloseSyncRecord(ctx, r, cause))
	}
	return r
}

func TestExportErrors_RetryBudget(t *testing.T) {
	f := newFixture(t, WithMaxSyncTries(2))
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 1)
	id := recs[0].ID
	peer := f.peer(t, "Peer", 0, 0)
	everything := &record.AutoPurger{EntryCount: intPtr(0)}

	f.exportTo(t, peer, []int64{id}, true, errors.New("disk full"))

	hasErr, err := f.store.HasSyncExportError(ctx, id)
	require.NoError(t, err)
	assert.True(t, hasErr)
	pending, err := f.store.PendingExportErrors(ctx, peer.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, pending)
	preview, err := f.store.PreviewAutoPurge(ctx, everything)
	require.NoError(t, err)
	assert.Zero(t, preview, "kept for the retry")

	// The second failure exhausts the budget.
	f.exportTo(t, peer, []int64{id}, true, errors.New("disk full"))

	hasErr, err = f.store.HasSyncExportError(ctx, id)
	require.NoError(t, err)
	assert.False(t, hasErr)
	preview, err = f.store.PreviewAutoPurge(ctx, everything)
	require.NoError(t, err)
	assert.Equal(t, 1, preview)
}

func TestExportErrors_SuccessClears(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 1)
	id := recs[0].ID
	peer := f.peer(t, "Peer", 0, 0)

	f.exportTo(t, peer, []int64{id}, true, errors.New("timeout"))
	f.exportTo(t, peer, []int64{id}, false, nil)

	hasErr, err := f.store.HasSyncExportError(ctx, id)
	require.NoError(t, err)
	assert.False(t, hasErr)
	pending, err := f.store.PendingExportErrors(ctx, peer.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExportErrors_PendingAttemptCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 1)
	peer := f.peer(t, "Peer", 0, 0)

	r := record.NewSyncRecord(peer, record.SyncAutomatic, f.clock.Now(), false)
	require.NoError(t, f.store.PutSyncRecord(ctx, r))
	require.NoError(t, f.store.Associate(ctx, r, []int64{recs[0].ID}, false))

	hasErr, err := f.store.HasSyncExportError(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.True(t, hasErr)
}

func TestExportErrors_ImportsDoNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	recs := f.history(t, f.doc(1), 1)
	peer := f.peer(t, "Peer", 0, 0)

	r := record.NewSyncRecord(peer, record.SyncAutomatic, f.clock.Now(), true)
	require.NoError(t, f.store.PutSyncRecord(ctx, r))
	require.NoError(t, f.store.Associate(ctx, r, []int64{recs[0].ID}, true))
	require.NoError(t, f.store.CloseSyncRecord(ctx, r, errors.New("rejected")))

	hasErr, err := f.store.HasSyncExportError(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.False(t, hasErr)
}
