// Package metrics defines the observability interfaces consumed by the
// cubby server. Implementations are optional: a nil interface value
// disables collection with zero overhead.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics observes session lifecycle and command processing.
type SessionMetrics interface {
	// RecordConnectionAccepted increments the accepted-connection counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed-connection counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed forcibly at
	// the end of the shutdown grace window.
	RecordConnectionForceClosed()

	// SetActiveSessions updates the live session gauge.
	SetActiveSessions(count int32)

	// RecordAuthFailure counts failed authentication attempts.
	RecordAuthFailure()

	// RecordCommand records a completed command with its action name,
	// duration, and outcome ("success" or "error").
	RecordCommand(action string, duration time.Duration, outcome string)

	// RecordBytesTransferred records file body bytes moved in the given
	// direction ("upload" or "download").
	RecordBytesTransferred(direction string, bytes uint64)
}

var (
	mu       sync.RWMutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry and enables
// metrics collection. Call once at startup, before constructing recorders.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
		enabled = true
	}
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the process-wide registry, or nil if disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
