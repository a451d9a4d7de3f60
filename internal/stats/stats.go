// Package stats implements the node-level counters:
// rolling op totals, byte totals, connection counts and heartbeat
// timestamps, plus per-peer throughput shaping for replication senders.
package stats

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Snapshot is a read-only, point-in-time copy of a Counters instance, the
// shape handed to the tracker heartbeat payload.
type Snapshot struct {
	TotalUploadCount    int64
	SuccessUploadCount  int64
	TotalDownloadCount  int64
	SuccessDownloadCount int64
	TotalDeleteCount    int64
	SuccessDeleteCount  int64
	UploadBytes         int64
	DownloadBytes       int64
	CurrentConnections  int64
	MaxConnections      int64
	LastSourceUpdate    int64
	LastSyncUpdate      int64
}

// Counters is the process-wide stats row; no per-store-path row is kept.
// Reads may observe slightly stale aggregates, which is fine for reporting
// purposes.
type Counters struct {
	mu sync.Mutex
	s  Snapshot
}

// New returns a zeroed Counters row.
func New() *Counters { return &Counters{} }

// RecordUpload records the outcome and byte count of an upload attempt.
func (c *Counters) RecordUpload(success bool, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.TotalUploadCount++
	if success {
		c.s.SuccessUploadCount++
		c.s.UploadBytes += bytes
		c.s.LastSourceUpdate = time.Now().Unix()
	}
}

// RecordDownload records the outcome and byte count of a download attempt.
func (c *Counters) RecordDownload(success bool, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.TotalDownloadCount++
	if success {
		c.s.SuccessDownloadCount++
		c.s.DownloadBytes += bytes
	}
}

// RecordDelete records the outcome of a delete attempt.
func (c *Counters) RecordDelete(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.TotalDeleteCount++
	if success {
		c.s.SuccessDeleteCount++
	}
}

// RecordSyncUpdate timestamps the most recent successfully-applied
// replication record, for the heartbeat's last-sync-update field.
func (c *Counters) RecordSyncUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.LastSyncUpdate = time.Now().Unix()
}

// SetConnections updates the current/max connection gauges.
func (c *Counters) SetConnections(current, max int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.CurrentConnections = current
	if max > c.s.MaxConnections {
		c.s.MaxConnections = max
	}
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Throttle wraps golang.org/x/time/rate to shape per-connection and
// per-peer-reader throughput with a token-bucket bandwidth limiter.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a Throttle allowing up to bytesPerSec sustained, with a
// burst of one second's worth of traffic. bytesPerSec <= 0 disables limiting.
func NewThrottle(bytesPerSec int) *Throttle {
	if bytesPerSec <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// WaitN blocks (respecting ctx cancellation) until n bytes' worth of quota
// is available.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	return t.limiter.WaitN(ctx, n)
}
