// Package server implements the cubby session protocol engine: the TCP
// accept loop, the per-connection session state machine, and the
// registry used to broadcast graceful shutdown to every live session.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cubby/internal/logger"
	"github.com/marmos91/cubby/pkg/metrics"
	"github.com/marmos91/cubby/pkg/storage"
)

// Config holds the session server settings.
type Config struct {
	// BindAddress is the IP address to bind to.
	// Empty string or "0.0.0.0" binds to all interfaces.
	BindAddress string

	// Port is the TCP port to listen on.
	Port int

	// MaxConnections limits concurrent client connections. 0 = unlimited.
	MaxConnections int

	// ShutdownTimeout is the maximum duration to wait for active sessions
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration

	// GraceWindow is the delay between broadcasting the shutdown notice
	// and force-closing the remaining connections.
	GraceWindow time.Duration
}

// Server owns the listener, the session registry, and the lifecycle of
// every session goroutine.
//
// All exported methods are safe for concurrent use. Shutdown is
// idempotent via sync.Once.
type Server struct {
	config   Config
	store    *storage.Store
	creds    CredentialVerifier
	metrics  metrics.SessionMetrics
	registry *SessionRegistry

	listener   net.Listener
	listenerMu sync.RWMutex

	// ListenerReady is closed when the listener is accepting connections.
	// Used by tests to synchronize with server startup.
	ListenerReady chan struct{}

	activeConns   sync.WaitGroup
	connCount     atomic.Int32
	connSemaphore chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a server in a stopped state. Call Serve to start.
func New(cfg Config, store *storage.Store, creds CredentialVerifier, m metrics.SessionMetrics) *Server {
	var connSemaphore chan struct{}
	if cfg.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, cfg.MaxConnections)
		logger.Debug("Connection limit", "max_connections", cfg.MaxConnections)
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 100 * time.Millisecond
	}

	return &Server{
		config:        cfg,
		store:         store,
		creds:         creds,
		metrics:       m,
		registry:      NewSessionRegistry(),
		ListenerReady: make(chan struct{}),
		connSemaphore: connSemaphore,
		shutdown:      make(chan struct{}),
	}
}

// Registry returns the session registry.
func (srv *Server) Registry() *SessionRegistry { return srv.registry }

// Serve runs the accept loop until ctx is cancelled or the listener
// fails. Each accepted connection gets its own session goroutine.
// Returns nil on graceful shutdown.
func (srv *Server) Serve(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", srv.config.BindAddress, srv.config.Port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", listenAddr, err)
	}

	srv.listenerMu.Lock()
	srv.listener = listener
	srv.listenerMu.Unlock()
	close(srv.ListenerReady)

	logger.Info("Server listening", "address", listener.Addr())

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received", "error", ctx.Err())
		srv.initiateShutdown()
	}()

	for {
		if srv.connSemaphore != nil {
			select {
			case srv.connSemaphore <- struct{}{}:
			case <-srv.shutdown:
				return srv.drain()
			}
		}

		tcpConn, err := srv.listener.Accept()
		if err != nil {
			if srv.connSemaphore != nil {
				<-srv.connSemaphore
			}
			select {
			case <-srv.shutdown:
				// Expected error during shutdown (listener was closed)
				return srv.drain()
			default:
				logger.Debug("Error accepting connection", "error", err)
				continue
			}
		}

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("Failed to set TCP_NODELAY", "error", err)
			}
		}

		srv.activeConns.Add(1)
		current := srv.connCount.Add(1)
		if srv.metrics != nil {
			srv.metrics.RecordConnectionAccepted()
			srv.metrics.SetActiveSessions(current)
		}

		session := newSession(tcpConn, srv.store, srv.creds, srv.registry, srv.metrics)
		srv.registry.Register(session)

		logger.Debug("Connection accepted", "address", tcpConn.RemoteAddr(),
			"session", session.ID(), "active", current)

		go func() {
			defer func() {
				srv.activeConns.Done()
				remaining := srv.connCount.Add(-1)
				if srv.connSemaphore != nil {
					<-srv.connSemaphore
				}
				if srv.metrics != nil {
					srv.metrics.RecordConnectionClosed()
					srv.metrics.SetActiveSessions(remaining)
				}
			}()
			session.Serve(ctx)
		}()
	}
}

// initiateShutdown stops accepting connections and broadcasts the
// shutdown notice to every live session. Safe to call multiple times.
func (srv *Server) initiateShutdown() {
	srv.shutdownOnce.Do(func() {
		close(srv.shutdown)

		srv.listenerMu.Lock()
		if srv.listener != nil {
			if err := srv.listener.Close(); err != nil {
				logger.Debug("Error closing listener", "error", err)
			}
		}
		srv.listenerMu.Unlock()

		// Notify sessions, wait the grace window, then force-close.
		// Force-closing also interrupts any read a session is blocked on.
		srv.registry.BroadcastShutdown(srv.config.GraceWindow)
	})
}

// drain waits for session goroutines to finish, up to ShutdownTimeout.
func (srv *Server) drain() error {
	active := srv.connCount.Load()
	logger.Info("Graceful shutdown: waiting for active sessions",
		"active", active, "timeout", srv.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		srv.activeConns.Wait()
		close(done)
	}()

	timeout := srv.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
		logger.Info("Graceful shutdown complete: all sessions closed")
		return nil
	case <-time.After(timeout):
		remaining := srv.connCount.Load()
		logger.Warn("Shutdown timeout exceeded, forcing closure", "active", remaining)
		for _, s := range srv.registry.snapshot() {
			s.ForceClose()
			if srv.metrics != nil {
				srv.metrics.RecordConnectionForceClosed()
			}
		}
		return fmt.Errorf("shutdown timeout: %d sessions force-closed", remaining)
	}
}

// Stop initiates graceful shutdown and waits for the drain. Safe to call
// concurrently with Serve.
func (srv *Server) Stop() error {
	srv.initiateShutdown()
	return srv.drain()
}

// ActiveSessions returns the current number of live sessions.
func (srv *Server) ActiveSessions() int32 {
	return srv.connCount.Load()
}

// ListenerAddr returns the bound address. Blocks until the listener is
// ready, making it safe for tests using port 0.
func (srv *Server) ListenerAddr() string {
	<-srv.ListenerReady

	srv.listenerMu.RLock()
	defer srv.listenerMu.RUnlock()
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}
