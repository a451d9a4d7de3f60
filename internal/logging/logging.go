// Package logging wraps a shared logrus instance: callers ask for a
// component-scoped entry once and log through it rather than reaching for
// the global logger directly.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	root     = logrus.New()
	setupMu  sync.Mutex
	didSetup bool
)

// Configure sets the process-wide log level and output. Safe to call once
// at startup; later calls are ignored so test binaries that import packages
// which call Configure in an init-like path can't race each other.
func Configure(level logrus.Level, out io.Writer) {
	setupMu.Lock()
	defer setupMu.Unlock()
	if didSetup {
		return
	}
	if out == nil {
		out = os.Stderr
	}
	root.SetLevel(level)
	root.SetOutput(out)
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	didSetup = true
}

// For returns a logger entry scoped to a component, e.g. "diskworker" or
// "replication". Component loggers are cheap; callers may call For per
// request.
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}
