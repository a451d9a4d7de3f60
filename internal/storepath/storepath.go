// Package storepath implements the store-path chooser: a round-robin or
// load-balance distribution mode, and the four reserved-space policy
// variants that gate whether a path may accept an upload.
package storepath

import (
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/fastdfs-go/storaged/internal/config"
)

// Usage is one store path's current free/total space, as reported by the
// caller (normally from syscall.Statfs, kept out of this package so it stays
// testable without touching a real filesystem).
type Usage struct {
	FreeMB  int64
	TotalMB int64
}

// StatFunc reports current usage for a store path index.
type StatFunc func(index int) (Usage, error)

// ErrNoSpace is returned when every configured store path fails its
// reserved-space check.
var ErrNoSpace = fmt.Errorf("storepath: no store path satisfies reserved-space policy")

// satisfies evaluates the configured reserved-space policy against one
// path's usage and, for the fallback variant, the fleet average.
func satisfies(policy config.ReservedSpacePolicy, u Usage, reservedMB int64, reservedRatio float64, fleetAvgFreeMB int64) bool {
	switch policy {
	case config.ReservedRatio, config.ReservedRatioPerPath:
		if u.TotalMB <= 0 {
			return false
		}
		return float64(u.FreeMB)/float64(u.TotalMB) >= reservedRatio
	case config.ReservedAbsoluteWithFallback:
		if u.FreeMB >= reservedMB {
			return true
		}
		return fleetAvgFreeMB >= reservedMB
	default: // ReservedAbsoluteMB
		return u.FreeMB >= reservedMB
	}
}

// Chooser picks the store path for a fresh upload, honoring the configured
// distribution mode and reserved-space policy.
type Chooser struct {
	mu    sync.Mutex
	paths []config.StorePath
	mode  config.StorePathMode

	reservedMB    int64
	reservedRatio float64
	policy        config.ReservedSpacePolicy

	rrNext int

	stat      StatFunc
	freeSpace *cache.Cache // path index (as string) -> cached Usage, load-balance mode only
}

const freeSpaceCacheTTL = 10 * time.Second

// New builds a Chooser over cfg's store paths, using statFn to query live
// free/total space per path (e.g. syscall.Statfs-backed in production,
// table-driven in tests).
func New(cfg *config.Config, statFn StatFunc) *Chooser {
	return &Chooser{
		paths:         cfg.StorePaths,
		mode:          cfg.StorePathMode,
		reservedMB:    cfg.ReservedMB,
		reservedRatio: cfg.ReservedRatio,
		policy:        cfg.ReservedSpacePolicy,
		stat:          statFn,
		freeSpace:     cache.New(freeSpaceCacheTTL, 2*freeSpaceCacheTTL),
	}
}

func (c *Chooser) usage(index int) (Usage, error) {
	if c.mode != config.StorePathLoadBalance {
		return c.stat(index)
	}
	key := fmt.Sprintf("%d", index)
	if v, ok := c.freeSpace.Get(key); ok {
		return v.(Usage), nil
	}
	u, err := c.stat(index)
	if err != nil {
		return Usage{}, err
	}
	c.freeSpace.Set(key, u, cache.DefaultExpiration)
	return u, nil
}

func (c *Chooser) fleetAverageFreeMB() int64 {
	var sum, n int64
	for _, p := range c.paths {
		u, err := c.usage(p.Index)
		if err != nil {
			continue
		}
		sum += u.FreeMB
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// Choose returns the index of the store path to use for a fresh upload.
func (c *Chooser) Choose() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.paths) == 0 {
		return 0, fmt.Errorf("storepath: no store paths configured")
	}

	switch c.mode {
	case config.StorePathLoadBalance:
		return c.chooseLoadBalanceLocked()
	default:
		return c.chooseRoundRobinLocked()
	}
}

func (c *Chooser) chooseRoundRobinLocked() (int, error) {
	fleetAvg := c.fleetAverageFreeMB()
	for attempts := 0; attempts < len(c.paths); attempts++ {
		p := c.paths[c.rrNext%len(c.paths)]
		c.rrNext = (c.rrNext + 1) % len(c.paths)
		u, err := c.usage(p.Index)
		if err != nil {
			continue
		}
		if satisfies(c.policy, u, c.reservedMB, c.reservedRatio, fleetAvg) {
			return p.Index, nil
		}
	}
	return 0, ErrNoSpace
}

func (c *Chooser) chooseLoadBalanceLocked() (int, error) {
	fleetAvg := c.fleetAverageFreeMB()
	best := -1
	var bestFree int64 = -1
	for _, p := range c.paths {
		u, err := c.usage(p.Index)
		if err != nil {
			continue
		}
		if !satisfies(c.policy, u, c.reservedMB, c.reservedRatio, fleetAvg) {
			continue
		}
		if u.FreeMB > bestFree {
			bestFree = u.FreeMB
			best = p.Index
		}
	}
	if best < 0 {
		return 0, ErrNoSpace
	}
	return best, nil
}
