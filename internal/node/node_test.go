package node

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastdfs-go/storaged/internal/binlog"
	"github.com/fastdfs-go/storaged/internal/config"
	"github.com/fastdfs-go/storaged/internal/replication"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.StorePaths = []config.StorePath{{Index: 0, Root: root}}
	cfg.BinlogBasePath = filepath.Join(root, "binlog")
	cfg.HeartbeatIntervalSec = 0
	return cfg
}

func TestNewWiresEverySubsystem(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	require.NotNil(t, n)
	t.Cleanup(n.Shutdown)

	assert.NotNil(t, n.dispatcher)
	assert.NotNil(t, n.chooser)
	assert.NotNil(t, n.pool)
	assert.NotNil(t, n.binlogw)
	assert.NotNil(t, n.connPool)
	assert.NotNil(t, n.marks)
	assert.NotNil(t, n.server)
	assert.Nil(t, n.trunkCoord, "trunk coordinator should stay unset when TrunkEnabled is false")
}

func TestNewRejectsEmptyStorePaths(t *testing.T) {
	cfg := config.Default()
	cfg.StorePaths = nil
	_, err := New(cfg, Dependencies{})
	assert.Error(t, err)
}

func TestNewEnablesTrunkCoordinatorWhenConfigured(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.TrunkEnabled = true
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	assert.NotNil(t, n.trunkCoord)
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	n.Shutdown()
	n.Shutdown() // must not panic or block on an already-closed channel
}

func TestNodeOriginIDUsesNumericNodeID(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "42"
	id, err := nodeOriginID(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)
}

func TestNodeOriginIDFallsBackToBindAddrHash(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = ""
	cfg.BindAddr = "10.0.0.1"
	id1, err := nodeOriginID(cfg)
	require.NoError(t, err)
	id2, err := nodeOriginID(cfg)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "hash must be deterministic for the same bind address")

	cfg.BindAddr = "10.0.0.2"
	id3, err := nodeOriginID(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestDiskUsageStatFnUnknownStorePathErrors(t *testing.T) {
	cfg := newTestConfig(t)
	statFn := diskUsageStatFn(cfg)
	_, err := statFn(99)
	assert.Error(t, err)
}

func TestDiskUsageStatFnKnownStorePath(t *testing.T) {
	cfg := newTestConfig(t)
	statFn := diskUsageStatFn(cfg)
	usage, err := statFn(0)
	require.NoError(t, err)
	assert.Greater(t, usage.TotalMB, int64(0))
}

// resolvePath must rebuild the exact path the dispatcher itself wrote a
// freshly-uploaded file at, since replication readers depend on it to
// re-read file content at send time.
func TestResolvePathMatchesDispatcherUploadLocation(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	payload := "resolve me"
	name, _, err := n.dispatcher.UploadRegular(strings.NewReader(payload), uint64(len(payload)), "txt", false, nil)
	require.NoError(t, err)

	path, err := n.resolvePath(name)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestResolvePathUnknownStorePathErrors(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	_, err = n.resolvePath("M99/00/00/whatever")
	assert.Error(t, err)
}

func TestPurgeConsumedSegmentsWaitsForEveryPeerMark(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.PeerAddrs = []string{"peer1:23000", "peer2:23000"}
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	_, _, err = n.binlogw.Append(binlog.Record{Timestamp: 1, Op: binlog.OpSourceCreateFile, Filename: "f"})
	require.NoError(t, err)

	// Neither peer has reported a mark yet: nothing should be purged.
	n.purgeConsumedSegments()
	assert.FileExists(t, filepath.Join(cfg.BinlogBasePath, "binlog.000"))

	// peer1 is still on segment 0; purging must stay a no-op even though
	// peer2 has moved on, since purge target is the slowest peer.
	require.NoError(t, n.marks.Save("peer1:23000", replication.Mark{SegmentIndex: 0}))
	require.NoError(t, n.marks.Save("peer2:23000", replication.Mark{SegmentIndex: 2}))
	n.purgeConsumedSegments()
	assert.FileExists(t, filepath.Join(cfg.BinlogBasePath, "binlog.000"))
}

func TestPurgeConsumedSegmentsRemovesFullyConsumedSegments(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.PeerAddrs = []string{"peer1:23000"}
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.BinlogBasePath, "binlog.000"), []byte("old\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BinlogBasePath, "binlog.001"), []byte("old\n"), 0o644))

	require.NoError(t, n.marks.Save("peer1:23000", replication.Mark{SegmentIndex: 2, Offset: 10}))
	n.purgeConsumedSegments()

	assert.NoFileExists(t, filepath.Join(cfg.BinlogBasePath, "binlog.000"))
	assert.NoFileExists(t, filepath.Join(cfg.BinlogBasePath, "binlog.001"))
}

func TestUploadThroughDispatcherIsVisibleAfterShutdown(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, Dependencies{})
	require.NoError(t, err)

	payload := "persisted"
	name, _, err := n.dispatcher.UploadRegular(strings.NewReader(payload), uint64(len(payload)), "bin", false, nil)
	require.NoError(t, err)
	n.Shutdown()

	var out bytes.Buffer
	newN, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	t.Cleanup(newN.Shutdown)
	require.NoError(t, newN.dispatcher.Download(name, 0, 0, &out, nil))
	assert.Equal(t, payload, out.String())
}
