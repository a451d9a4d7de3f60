// Package tracker defines the storage node's view of its tracker
// collaborator: the core only consumes a query-storage decision and
// reports heartbeat/stat summaries. No concrete tracker client ships;
// callers inject an implementation, or fall back to NoOp for stand-alone
// operation and tests.
package tracker

import (
	"context"

	"github.com/fastdfs-go/storaged/internal/stats"
)

// Heartbeat is the periodic report a node sends: its stats snapshot plus
// whatever identity fields the tracker needs to keep its membership table
// current.
type Heartbeat struct {
	GroupName string
	NodeID    string
	Stats     stats.Snapshot
}

// Tracker is the external collaborator interface: a node reports heartbeats
// to it and, at bootstrap or on demand, asks it which storage node should
// serve a given group (the "query-storage" decision named in scope).
type Tracker interface {
	// SendHeartbeat reports this node's current state.
	SendHeartbeat(ctx context.Context, hb Heartbeat) error
	// QueryStorage asks which node(s) currently serve groupName, e.g. to
	// resolve replication peers or a trunk server election result.
	QueryStorage(ctx context.Context, groupName string) ([]string, error)
}

// NoOp is a nil-safe Tracker that does nothing, for stand-alone operation
// and unit tests that don't exercise tracker integration.
type NoOp struct{}

func (NoOp) SendHeartbeat(ctx context.Context, hb Heartbeat) error { return nil }

func (NoOp) QueryStorage(ctx context.Context, groupName string) ([]string, error) {
	return nil, nil
}
