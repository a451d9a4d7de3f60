// Package dupindex defines the integration point for the optional
// content-duplicate index: an opaque external key-value store the node
// consults on delete to decide whether to drop the underlying source.
// The external store itself is out of scope; only the interface and a
// nil-safe default ship here.
package dupindex

import "context"

// Index is the duplicate-detection collaborator: get/set/inc/delete over an
// opaque key (conventionally a content hash), used only when
// config.Config.DupDetectionEnabled is set.
type Index interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttlSeconds int) error
	Inc(ctx context.Context, key string, delta int64) (int64, error)
	Delete(ctx context.Context, key string) error
}

// NoOp is a nil-safe Index that reports every key as absent and tracks no
// state, the default when duplicate detection is disabled.
type NoOp struct{}

func (NoOp) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (NoOp) Set(ctx context.Context, key, value string, ttlSeconds int) error { return nil }
func (NoOp) Inc(ctx context.Context, key string, delta int64) (int64, error) { return delta, nil }
func (NoOp) Delete(ctx context.Context, key string) error { return nil }
