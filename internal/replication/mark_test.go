package replication

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkStoreLoadUnknownPeerNeedsSyncOld(t *testing.T) {
	store, err := OpenMarkStore(filepath.Join(t.TempDir(), "marks.db"))
	require.NoError(t, err)
	defer store.Close()

	mark, found, err := store.Load("peer1:23000")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, mark.NeedSyncOld)
	assert.False(t, mark.SyncOldDone)
}

func TestMarkStoreSaveThenLoadRoundTrips(t *testing.T) {
	store, err := OpenMarkStore(filepath.Join(t.TempDir(), "marks.db"))
	require.NoError(t, err)
	defer store.Close()

	want := Mark{SegmentIndex: 3, Offset: 128, NeedSyncOld: false, SyncOldDone: true}
	require.NoError(t, store.Save("peer1:23000", want))

	got, found, err := store.Load("peer1:23000")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestMarkStoreTracksMultiplePeersIndependently(t *testing.T) {
	store, err := OpenMarkStore(filepath.Join(t.TempDir(), "marks.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save("peer1:23000", Mark{SegmentIndex: 1}))
	require.NoError(t, store.Save("peer2:23000", Mark{SegmentIndex: 7}))

	m1, _, err := store.Load("peer1:23000")
	require.NoError(t, err)
	m2, _, err := store.Load("peer2:23000")
	require.NoError(t, err)

	assert.Equal(t, 1, m1.SegmentIndex)
	assert.Equal(t, 7, m2.SegmentIndex)
}

func TestMarkStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marks.db")
	store, err := OpenMarkStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save("peer1:23000", Mark{SegmentIndex: 5, Offset: 99}))
	require.NoError(t, store.Close())

	reopened, err := OpenMarkStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, found, err := reopened.Load("peer1:23000")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, got.SegmentIndex)
	assert.Equal(t, int64(99), got.Offset)
}
