package filename

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{OriginID: 0x01020304, CreateTime: 1700000000, MaskedSize: MaskSize(5, 0, false, false), CRC32: 0xdeadbeef}
	s := EncodeBase64(p)
	got, err := DecodeBase64(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, uint64(5), TrueSize(got.MaskedSize))
}

func TestMaskSizeSentinels(t *testing.T) {
	regular := MaskSize(100, 0, false, false)
	assert.False(t, IsTrunkMember(regular))
	assert.False(t, IsAppender(regular))
	assert.Equal(t, uint64(100), TrueSize(regular))

	trunk := MaskSize(100, 0, true, false)
	assert.True(t, IsTrunkMember(trunk))
	assert.Equal(t, uint64(100), TrueSize(trunk))

	appender := MaskSize(100, 0, false, true)
	assert.True(t, IsAppender(appender))
	assert.Equal(t, uint64(100), TrueSize(appender))

	large := MaskSize(1<<40, 0, false, false)
	assert.Equal(t, uint64(1<<40), TrueSize(large))
}

func TestBuildParseRoundTrip(t *testing.T) {
	p := Payload{OriginID: 7, CreateTime: 1700000001, MaskedSize: MaskSize(5, 0, false, false), CRC32: 12345}
	name := Build(0, 0xAB, 0xCD, p, "txt")
	assert.Equal(t, "M00/AB/CD/", name[:10])

	parsed, err := Parse(name)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.StorePathIndex)
	assert.Equal(t, uint8(0xAB), parsed.DirHigh)
	assert.Equal(t, uint8(0xCD), parsed.DirLow)
	assert.Equal(t, "txt", parsed.Ext)
	assert.Equal(t, p, parsed.Payload)
}

func TestHashDirsDeterministic(t *testing.T) {
	h1, l1 := HashDirs("abcdefgh", 256)
	h2, l2 := HashDirs("abcdefgh", 256)
	assert.Equal(t, h1, h2)
	assert.Equal(t, l1, l2)

	h3, l3 := HashDirs("zzzzzzzz", 256)
	assert.False(t, h1 == h3 && l1 == l3, "different payloads should usually land in different dirs")
}

func TestRoundRobinDirsRotation(t *testing.T) {
	r := NewRoundRobinDirs(4, 3)
	seen := make(map[[2]uint8]int)
	for i := 0; i < 12; i++ {
		h, l := r.Next()
		seen[[2]uint8{h, l}]++
	}
	// Every 3 calls should land on the same dir pair before rotating.
	for _, count := range seen {
		assert.Equal(t, 3, count)
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	taken := map[string]bool{}
	pathFor := func(root, dh, dl, b64, ext string) string {
		return filepath.Join(root, dh, dl, fmt.Sprintf("%s.%s", b64, ext))
	}
	var firstPath string
	exists := func(p string) bool {
		if firstPath == "" {
			firstPath = p
			return true // force one retry
		}
		return taken[p]
	}
	name, path, err := Generate(0, "/data", 0, 0, 1, 1700000002, 5, 999, "bin", false, false, pathFor, exists)
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.NotEqual(t, firstPath, path)
}

func TestGenerateExhaustsRetries(t *testing.T) {
	pathFor := func(root, dh, dl, b64, ext string) string { return b64 }
	exists := func(string) bool { return true }
	_, _, err := Generate(0, "/data", 0, 0, 1, 1700000003, 5, 1, "bin", false, false, pathFor, exists)
	assert.ErrorIs(t, err, ErrCollisionExhausted)
}

func TestSlaveNameDerivation(t *testing.T) {
	master, err := Parse(Build(0, 1, 2, Payload{OriginID: 1, CreateTime: 1, MaskedSize: MaskSize(1, 0, false, false), CRC32: 1}, "jpg"))
	require.NoError(t, err)

	slave, err := SlaveName(master, "_big", "jpg")
	require.NoError(t, err)
	assert.Contains(t, slave, "_big.jpg")

	_, err = SlaveName(master, "", "jpg")
	assert.Error(t, err, "empty prefix with matching extension must be rejected")

	slave2, err := SlaveName(master, "", "png")
	require.NoError(t, err)
	assert.Contains(t, slave2, ".png")

	_, err = SlaveName(master, "has/slash", "jpg")
	assert.Error(t, err)
}
