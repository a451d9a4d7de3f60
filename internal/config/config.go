// Package config parses a storage node's .conf file into a typed Config,
// wrapping an ini-style parser with typed accessors instead of passing a
// raw map around.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Unknwon/goconfig"
)

// ReservedSpacePolicy selects how a store path's free-space check is
// evaluated.
type ReservedSpacePolicy int

const (
	// ReservedAbsoluteMB: path.free_mb >= reserved_mb.
	ReservedAbsoluteMB ReservedSpacePolicy = iota
	// ReservedRatio: path.free_mb / path.total_mb >= ratio.
	ReservedRatio
	// ReservedAbsoluteWithFallback: absolute-mb per path OR average-free
	// across all paths >= reserved_mb.
	ReservedAbsoluteWithFallback
	// ReservedRatioPerPath: same as ReservedRatio, applied per path.
	ReservedRatioPerPath
)

func (p ReservedSpacePolicy) String() string {
	switch p {
	case ReservedAbsoluteMB:
		return "absolute-mb"
	case ReservedRatio:
		return "ratio"
	case ReservedAbsoluteWithFallback:
		return "absolute-with-fallback"
	case ReservedRatioPerPath:
		return "ratio-per-path"
	default:
		return "unknown"
	}
}

func parsePolicy(s string) (ReservedSpacePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "absolute-mb", "absolute_mb":
		return ReservedAbsoluteMB, nil
	case "ratio":
		return ReservedRatio, nil
	case "absolute-with-fallback", "absolute_with_fallback":
		return ReservedAbsoluteWithFallback, nil
	case "ratio-per-path", "ratio_per_path":
		return ReservedRatioPerPath, nil
	default:
		return 0, fmt.Errorf("config: unknown reserved_storage_space policy %q", s)
	}
}

// StorePathMode selects how the chooser distributes uploads across store
// paths.
type StorePathMode int

const (
	// StorePathRoundRobin rotates through store paths in order.
	StorePathRoundRobin StorePathMode = iota
	// StorePathLoadBalance picks the path with the most free space.
	StorePathLoadBalance
)

// StorePath is one configured local data directory.
type StorePath struct {
	Index int
	Root  string // e.g. /data/fdfs_storage0
}

// Config is the fully parsed, typed node configuration.
type Config struct {
	BindAddr           string
	Port               int
	GroupName          string
	ClientIDBased      bool
	StoreIDMode        bool // id-based peer identity vs IPv4-based
	NodeID             string
	StorePaths         []StorePath
	SubdirCountPerPath int // directory fan-out per level, both levels equal

	StorePathMode       StorePathMode
	ReservedSpacePolicy ReservedSpacePolicy
	ReservedMB          int64
	ReservedRatio       float64

	DiskWorkersPerPath int
	NetWorkers         int

	TaskBufferSize int
	MaxConnections int

	TrunkEnabled            bool
	TrunkFileSize           int64
	TrunkInitFiles          int
	TrunkFreeSpaceBlock     int64
	TrunkSmallFileSizeBytes int64 // uploads at or below this size are trunk-packed when TrunkEnabled

	BinlogBasePath    string
	BinlogRotateBytes int64

	HeartbeatIntervalSec int
	ConnIdleTimeoutSec   int

	TrackerServers []string

	// PeerAddrs lists the other storage nodes in this node's group to
	// replicate to. In production FastDFS this list is learned from the
	// tracker's heartbeat response (internal/tracker.Tracker); a statically
	// configured list lets a standalone node run its replication readers
	// without one.
	PeerAddrs []string

	DupDetectionEnabled bool

	ReplicationMinBackoffMS int
	ReplicationMaxBackoffMS int
}

// Default returns a usable single-path, single-node configuration, mirroring
// the minimal shipped fastdfs storage.conf defaults.
func Default() *Config {
	return &Config{
		BindAddr:                "0.0.0.0",
		Port:                    23000,
		GroupName:               "group1",
		SubdirCountPerPath:      256,
		StorePathMode:           StorePathRoundRobin,
		ReservedSpacePolicy:     ReservedAbsoluteMB,
		ReservedMB:              1024,
		DiskWorkersPerPath:      4,
		NetWorkers:              4,
		TaskBufferSize:          256 * 1024,
		MaxConnections:          256,
		TrunkFileSize:           64 * 1024 * 1024,
		TrunkInitFiles:          1,
		TrunkFreeSpaceBlock:     0,
		TrunkSmallFileSizeBytes: 256 * 1024,
		BinlogBasePath:          "data",
		BinlogRotateBytes:       16 * 1024 * 1024,
		HeartbeatIntervalSec:    30,
		ConnIdleTimeoutSec:      3600,

		ReplicationMinBackoffMS: 500,
		ReplicationMaxBackoffMS: 30_000,
	}
}

// Load parses a FastDFS-style key=value .conf file (sections of the form
// store_path0=..., store_path1=... are read as additional store paths) into
// a Config, starting from Default().
func Load(path string) (*Config, error) {
	gc, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg := Default()

	str := func(key, def string) string {
		v, err := gc.GetValue(goconfig.DEFAULT_SECTION, key)
		if err != nil || v == "" {
			return def
		}
		return v
	}
	i64 := func(key string, def int64) int64 {
		v := str(key, "")
		if v == "" {
			return def
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return def
		}
		return n
	}
	bl := func(key string, def bool) bool {
		v := str(key, "")
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return b
	}

	cfg.BindAddr = str("bind_addr", cfg.BindAddr)
	cfg.Port = int(i64("port", int64(cfg.Port)))
	cfg.GroupName = str("group_name", cfg.GroupName)
	cfg.StoreIDMode = bl("use_storage_id", cfg.StoreIDMode)
	cfg.NodeID = str("my_server_id", cfg.NodeID)
	cfg.SubdirCountPerPath = int(i64("subdir_count_per_path", int64(cfg.SubdirCountPerPath)))
	cfg.DiskWorkersPerPath = int(i64("disk_rw_separate_threads", int64(cfg.DiskWorkersPerPath)))
	cfg.NetWorkers = int(i64("work_threads", int64(cfg.NetWorkers)))
	cfg.TaskBufferSize = int(i64("max_pkg_size", int64(cfg.TaskBufferSize)))
	cfg.MaxConnections = int(i64("max_connections", int64(cfg.MaxConnections)))
	cfg.TrunkEnabled = bl("use_trunk_file", cfg.TrunkEnabled)
	cfg.TrunkFileSize = i64("trunk_file_size", cfg.TrunkFileSize)
	cfg.TrunkInitFiles = int(i64("trunk_create_file_count", int64(cfg.TrunkInitFiles)))
	cfg.TrunkFreeSpaceBlock = i64("trunk_free_space_block", cfg.TrunkFreeSpaceBlock)
	cfg.TrunkSmallFileSizeBytes = i64("trunk_small_file_size", cfg.TrunkSmallFileSizeBytes)
	cfg.BinlogBasePath = str("base_path", cfg.BinlogBasePath)
	cfg.BinlogRotateBytes = i64("binlog_rotate_size", cfg.BinlogRotateBytes)
	cfg.HeartbeatIntervalSec = int(i64("heart_beat_interval", int64(cfg.HeartbeatIntervalSec)))
	cfg.ConnIdleTimeoutSec = int(i64("connection_idle_timeout", int64(cfg.ConnIdleTimeoutSec)))
	cfg.DupDetectionEnabled = bl("file_dup_detection", cfg.DupDetectionEnabled)
	cfg.ReservedMB = i64("reserved_storage_space_mb", cfg.ReservedMB)

	if v := str("reserved_storage_space_ratio", ""); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			cfg.ReservedRatio = f
		}
	}
	if policy, err := parsePolicy(str("reserved_storage_space_policy", "")); err == nil {
		cfg.ReservedSpacePolicy = policy
	} else {
		return nil, err
	}
	switch strings.ToLower(str("store_path_mode", "round-robin")) {
	case "load-balance", "load_balance":
		cfg.StorePathMode = StorePathLoadBalance
	default:
		cfg.StorePathMode = StorePathRoundRobin
	}

	var paths []StorePath
	for idx := 0; ; idx++ {
		key := fmt.Sprintf("store_path%d", idx)
		if idx == 0 {
			key = "store_path0"
		}
		v, err := gc.GetValue(goconfig.DEFAULT_SECTION, key)
		if err != nil || v == "" {
			break
		}
		paths = append(paths, StorePath{Index: idx, Root: v})
	}
	if len(paths) == 0 {
		if v := str("base_path", ""); v != "" {
			paths = append(paths, StorePath{Index: 0, Root: v})
		}
	}
	cfg.StorePaths = paths

	if v := str("tracker_server", ""); v != "" {
		cfg.TrackerServers = strings.Split(v, ",")
	}
	if v := str("peer_servers", ""); v != "" {
		cfg.PeerAddrs = strings.Split(v, ",")
	}
	cfg.ReplicationMinBackoffMS = int(i64("replication_min_backoff_ms", int64(cfg.ReplicationMinBackoffMS)))
	cfg.ReplicationMaxBackoffMS = int(i64("replication_max_backoff_ms", int64(cfg.ReplicationMaxBackoffMS)))

	return cfg, nil
}
