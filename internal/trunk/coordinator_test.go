package trunk

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorAllocCreatesTrunkFileAndConfirms(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCoordinator(map[int]string{0: dir}, 4096, 16)
	require.NoError(t, err)
	defer c.Close()

	loc, err := c.Alloc(0, 100)
	require.NoError(t, err)
	require.NoError(t, c.Confirm(0, loc))

	path := c.ChunkPath(0, loc)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), fi.Size())
}

func TestCoordinatorFreeReleasesChunk(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCoordinator(map[int]string{0: dir}, 4096, 16)
	require.NoError(t, err)
	defer c.Close()

	loc, err := c.Alloc(0, 100)
	require.NoError(t, err)
	require.NoError(t, c.Confirm(0, loc))
	require.NoError(t, c.Free(0, loc))

	// Re-allocating the same-sized chunk should succeed without creating a
	// second trunk file.
	loc2, err := c.Alloc(0, 100)
	require.NoError(t, err)
	assert.Equal(t, loc.TrunkID, loc2.TrunkID)
}

func TestCoordinatorReplaysAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c1, err := NewCoordinator(map[int]string{0: dir}, 4096, 16)
	require.NoError(t, err)
	loc, err := c1.Alloc(0, 100)
	require.NoError(t, err)
	require.NoError(t, c1.Confirm(0, loc))
	require.NoError(t, c1.Close())

	c2, err := NewCoordinator(map[int]string{0: dir}, 4096, 16)
	require.NoError(t, err)
	defer c2.Close()

	// The confirmed chunk must not be handed out again by the restarted
	// coordinator: a request for the whole trunk file can only be met by a
	// fresh trunk file.
	loc2, err := c2.Alloc(0, 4096-int64(HeaderSize))
	require.NoError(t, err)
	assert.NotEqual(t, loc.TrunkID, loc2.TrunkID)
}
