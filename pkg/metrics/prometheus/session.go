// Package prometheus provides the Prometheus-backed implementations of
// the cubby metrics interfaces, plus the /metrics HTTP listener.
package prometheus

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/cubby/pkg/metrics"
)

// sessionMetrics is the Prometheus implementation of metrics.SessionMetrics.
type sessionMetrics struct {
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	activeSessions         prometheus.Gauge
	authFailures           prometheus.Counter
	commandDuration        *prometheus.HistogramVec
	bytesTransferred       *prometheus.CounterVec
}

// NewSessionMetrics creates a Prometheus-backed session metrics recorder.
//
// Returns nil if metrics are not enabled (InitRegistry not called); all
// recorder methods are nil-safe.
func NewSessionMetrics() metrics.SessionMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &sessionMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cubby_connections_accepted_total",
			Help: "Total number of client connections accepted",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cubby_connections_closed_total",
			Help: "Total number of client connections closed",
		}),
		connectionsForceClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cubby_connections_force_closed_total",
			Help: "Total number of connections force-closed after the shutdown grace window",
		}),
		activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cubby_active_sessions",
			Help: "Current number of live client sessions",
		}),
		authFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cubby_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		}),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cubby_command_duration_seconds",
				Help:    "Command processing time by action and outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action", "outcome"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cubby_bytes_transferred_total",
				Help: "File body bytes transferred by direction",
			},
			[]string{"direction"}, // "upload", "download"
		),
	}
}

func (m *sessionMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

func (m *sessionMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
}

func (m *sessionMetrics) RecordConnectionForceClosed() {
	if m == nil {
		return
	}
	m.connectionsForceClosed.Inc()
}

func (m *sessionMetrics) SetActiveSessions(count int32) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *sessionMetrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *sessionMetrics) RecordCommand(action string, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}

func (m *sessionMetrics) RecordBytesTransferred(direction string, bytes uint64) {
	if m == nil {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

// NewServer returns an HTTP server exposing the metrics registry on
// /metrics at the given port. Caller owns ListenAndServe and Shutdown.
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		metrics.GetRegistry(),
		promhttp.HandlerOpts{},
	))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
