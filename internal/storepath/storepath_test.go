package storepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastdfs-go/storaged/internal/config"
)

func cfgWithPaths(n int, mode config.StorePathMode) *config.Config {
	cfg := config.Default()
	cfg.StorePathMode = mode
	cfg.StorePaths = nil
	for i := 0; i < n; i++ {
		cfg.StorePaths = append(cfg.StorePaths, config.StorePath{Index: i, Root: "/data"})
	}
	return cfg
}

func TestRoundRobinSkipsFullPaths(t *testing.T) {
	cfg := cfgWithPaths(2, config.StorePathRoundRobin)
	cfg.ReservedSpacePolicy = config.ReservedAbsoluteMB
	cfg.ReservedMB = 100

	usage := map[int]Usage{0: {FreeMB: 10, TotalMB: 1000}, 1: {FreeMB: 500, TotalMB: 1000}}
	c := New(cfg, func(i int) (Usage, error) { return usage[i], nil })

	for i := 0; i < 4; i++ {
		idx, err := c.Choose()
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
	}
}

func TestLoadBalancePicksMostFree(t *testing.T) {
	cfg := cfgWithPaths(3, config.StorePathLoadBalance)
	cfg.ReservedSpacePolicy = config.ReservedAbsoluteMB
	cfg.ReservedMB = 0

	usage := map[int]Usage{0: {FreeMB: 10, TotalMB: 1000}, 1: {FreeMB: 900, TotalMB: 1000}, 2: {FreeMB: 50, TotalMB: 1000}}
	c := New(cfg, func(i int) (Usage, error) { return usage[i], nil })

	idx, err := c.Choose()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestAllPathsFullReturnsNoSpace(t *testing.T) {
	cfg := cfgWithPaths(2, config.StorePathRoundRobin)
	cfg.ReservedSpacePolicy = config.ReservedAbsoluteMB
	cfg.ReservedMB = 1000

	usage := map[int]Usage{0: {FreeMB: 10, TotalMB: 1000}, 1: {FreeMB: 20, TotalMB: 1000}}
	c := New(cfg, func(i int) (Usage, error) { return usage[i], nil })

	_, err := c.Choose()
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestRatioPolicy(t *testing.T) {
	cfg := cfgWithPaths(1, config.StorePathRoundRobin)
	cfg.ReservedSpacePolicy = config.ReservedRatio
	cfg.ReservedRatio = 0.2

	usage := map[int]Usage{0: {FreeMB: 100, TotalMB: 1000}} // 10% free
	c := New(cfg, func(i int) (Usage, error) { return usage[i], nil })

	_, err := c.Choose()
	assert.ErrorIs(t, err, ErrNoSpace)

	usage[0] = Usage{FreeMB: 300, TotalMB: 1000} // 30% free
	idx, err := c.Choose()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestAbsoluteWithFallbackUsesFleetAverage(t *testing.T) {
	cfg := cfgWithPaths(2, config.StorePathRoundRobin)
	cfg.ReservedSpacePolicy = config.ReservedAbsoluteWithFallback
	cfg.ReservedMB = 100

	// Neither path alone clears 100MB, but the average does.
	usage := map[int]Usage{0: {FreeMB: 50, TotalMB: 1000}, 1: {FreeMB: 160, TotalMB: 1000}}
	c := New(cfg, func(i int) (Usage, error) { return usage[i], nil })

	idx, err := c.Choose()
	require.NoError(t, err)
	assert.Contains(t, []int{0, 1}, idx)
}
