package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshlog/internal/record"
)

func TestInstallRecordKeeper(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	doc := f.doc(1)
	c1 := f.title(t, doc, "a")
	c2 := f.title(t, doc, "b")
	oldSelf, err := f.store.SelfCenter(ctx)
	require.NoError(t, err)
	matrix, err := f.store.LatestChanges(ctx)
	require.NoError(t, err)

	here, err := f.store.InstallRecordKeeper(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, f.store.CenterID())
	assert.Equal(t, record.HereName, here.Name)
	assert.Equal(t, 2, here.CenterID)
	assert.True(t, record.PartitionFor(2).Contains(here.ID))

	self, err := f.store.SelfCenter(ctx)
	require.NoError(t, err)
	assert.Equal(t, here.ID, self.ID)

	installation, err := f.store.Center(ctx, oldSelf.ID)
	require.NoError(t, err)
	assert.Equal(t, record.InstallationName, installation.Name)
	assert.Equal(t, testCenterID, installation.CenterID)
	assert.Positive(t, installation.LastImport)
	assert.Equal(t, installation.LastImport, installation.LastExport)

	records, err := f.store.SyncRecords(ctx, installation)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.SyncFile, records[0].Type)
	assert.True(t, records[0].IsImport)
	assert.True(t, records[0].Succeeded())

	for _, id := range []int64{c1.ID, c2.ID} {
		assocs, err := f.store.Associations(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []record.Association{{RecordID: records[0].ID, ChangeID: id}}, assocs)
	}

	peerWM, err := f.store.GetLatestChange(ctx, installation.ID)
	require.NoError(t, err)
	assert.Equal(t, matrix, peerWM)

	next := f.title(t, doc, "c")
	assert.True(t, record.PartitionFor(2).Contains(next.ID))
}

func TestInstallRecordKeeper_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.InstallRecordKeeper(t.Context(), testCenterID)
	assert.True(t, record.HasCode(err, record.ErrCodeCenterIDImmutable), "got %v", err)

	fresh := createTestStore(t)
	_, err = fresh.InstallRecordKeeper(t.Context(), 2)
	assert.True(t, record.HasCode(err, record.ErrCodeNotInitialized), "got %v", err)
}
