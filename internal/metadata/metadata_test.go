package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataFile(t *testing.T) string {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.dat")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))
	return p
}

func TestOverwriteThenMerge(t *testing.T) {
	p := dataFile(t)

	require.NoError(t, Set(p, map[string]string{"a": "1", "b": "2"}, Overwrite))
	got, err := Get(p)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)

	require.NoError(t, Set(p, map[string]string{"b": "9", "c": "3"}, Merge))
	got, err = Get(p)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "9", "c": "3"}, got)
}

func TestOverwriteEmptyDeletesSidecar(t *testing.T) {
	p := dataFile(t)
	require.NoError(t, Set(p, map[string]string{"a": "1"}, Overwrite))
	_, err := os.Stat(SidecarPath(p))
	require.NoError(t, err)

	require.NoError(t, Set(p, map[string]string{}, Overwrite))
	_, err = os.Stat(SidecarPath(p))
	assert.True(t, os.IsNotExist(err))

	got, err := Get(p)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOverwriteReplacesEntirely(t *testing.T) {
	p := dataFile(t)
	require.NoError(t, Set(p, map[string]string{"a": "1", "b": "2"}, Overwrite))
	require.NoError(t, Set(p, map[string]string{"c": "3"}, Overwrite))
	got, err := Get(p)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "3"}, got)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := map[string]string{"width": "100", "height": "200"}
	data := Encode(m)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestGetMissingSidecarIsEmpty(t *testing.T) {
	got, err := Get(filepath.Join(t.TempDir(), "nope.dat"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
