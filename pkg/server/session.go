package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/cubby/internal/logger"
	"github.com/marmos91/cubby/pkg/metrics"
	"github.com/marmos91/cubby/pkg/protocol"
	"github.com/marmos91/cubby/pkg/storage"
	"github.com/marmos91/cubby/pkg/wire"
)

// State is the protocol state of one session.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthenticating
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CredentialVerifier is the single question the session asks of the
// credential store.
type CredentialVerifier interface {
	Verify(username, password string) bool
}

// Session drives one client connection through handshake, authentication,
// and the command loop. It is owned by the goroutine running Serve; the
// registry holds a reference only to push the shutdown notice.
type Session struct {
	id       string
	conn     net.Conn
	codec    *protocol.Codec
	store    *storage.Store
	creds    CredentialVerifier
	registry *SessionRegistry
	metrics  metrics.SessionMetrics

	state    State
	username string
	remote   string

	// writeMu serializes writes to the connection between the session
	// goroutine and the shutdown broadcaster. It is held across a whole
	// download (starting response plus body) so an unsolicited shutdown
	// notice can never be interleaved into transfer framing.
	writeMu sync.Mutex

	shuttingDown chan struct{}
	shutdownOnce sync.Once
}

// newSession creates a session for an accepted connection.
func newSession(conn net.Conn, store *storage.Store, creds CredentialVerifier, registry *SessionRegistry, m metrics.SessionMetrics) *Session {
	return &Session{
		id:           uuid.New().String(),
		conn:         conn,
		codec:        protocol.NewCodec(conn),
		store:        store,
		creds:        creds,
		registry:     registry,
		metrics:      m,
		state:        StateConnecting,
		remote:       conn.RemoteAddr().String(),
		shuttingDown: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Username returns the authenticated username, empty before auth.
func (s *Session) Username() string { return s.username }

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// respond writes a Response under the write lock.
func (s *Session) respond(resp *protocol.Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.WriteResponse(resp)
}

func (s *Session) respondError(message string) error {
	return s.respond(&protocol.Response{Status: protocol.StatusError, Message: message})
}

// NotifyShutdown pushes a shutdown Response to the client. Called by the
// registry broadcaster, best effort: a session busy streaming keeps the
// write lock, and the notice is skipped rather than corrupting framing.
func (s *Session) NotifyShutdown() {
	s.shutdownOnce.Do(func() { close(s.shuttingDown) })

	if !s.writeMu.TryLock() {
		logger.Debug("Session busy, shutdown notice skipped", "session", s.id, "address", s.remote)
		return
	}
	defer s.writeMu.Unlock()

	err := s.codec.WriteResponse(&protocol.Response{
		Status:  protocol.StatusShutdown,
		Message: "server shutting down",
	})
	if err != nil {
		logger.Debug("Failed to send shutdown notice", "session", s.id, "error", err)
	}
}

// ForceClose closes the underlying connection, interrupting any blocked
// read in the session goroutine.
func (s *Session) ForceClose() {
	_ = s.conn.Close()
}

// isShuttingDown reports whether a shutdown notice has been delivered to
// this session.
func (s *Session) isShuttingDown() bool {
	select {
	case <-s.shuttingDown:
		return true
	default:
		return false
	}
}

// Serve runs the session until it terminates. The context is checked
// before every command read; cancellation means server shutdown.
func (s *Session) Serve(ctx context.Context) {
	defer func() {
		s.state = StateTerminated
		s.registry.Unregister(s)
		_ = s.conn.Close()
		logger.Debug("Session terminated", "session", s.id, "address", s.remote, "user", s.username)
	}()

	if err := s.handshake(); err != nil {
		logger.Debug("Handshake failed", "session", s.id, "address", s.remote, "error", err)
		return
	}

	if err := s.authenticate(); err != nil {
		logger.Info("Authentication failed", "session", s.id, "address", s.remote, "error", err)
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		return
	}

	logger.Info("Session authenticated", "session", s.id, "address", s.remote, "user", s.username)
	s.commandLoop(ctx)
}

// handshake expects the literal greeting token and acknowledges it.
func (s *Session) handshake() error {
	s.state = StateHandshaking

	token, err := s.codec.ReadToken()
	if err != nil {
		return err
	}
	if token != protocol.HelloToken {
		s.writeMu.Lock()
		_ = s.codec.WriteToken(protocol.RejectToken)
		s.writeMu.Unlock()
		return fmt.Errorf("%w: got %q", protocol.ErrHandshakeRejected, token)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.WriteToken(protocol.AckToken)
}

// authenticate reads the single credential record permitted per
// connection and verifies it. On success the user's sandbox is created.
func (s *Session) authenticate() error {
	s.state = StateAuthenticating

	creds, err := s.codec.ReadCredentials()
	if err != nil {
		return err
	}

	if !s.creds.Verify(creds.Username, creds.Password) {
		_ = s.respondError("Authentication failed")
		return fmt.Errorf("%w: user %q", protocol.ErrAuthenticationFailed, creds.Username)
	}

	if _, err := s.store.EnsureUser(creds.Username); err != nil {
		_ = s.respondError("Server storage error")
		return err
	}

	s.username = creds.Username
	s.state = StateReady
	return s.respond(&protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: "Authentication successful",
	})
}

// commandLoop reads and dispatches commands until the session ends.
// Commands are processed strictly in order; a Response (or the start of
// a transfer) is always written before the next command is read.
func (s *Session) commandLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil || s.isShuttingDown() {
			return
		}

		cmd, err := s.codec.ReadCommand()
		if err != nil {
			s.logReadError(err)
			return
		}

		start := time.Now()
		done, err := s.dispatch(cmd)
		s.recordCommand(cmd.Action, start, err)
		if err != nil {
			logger.Warn("Session error, terminating", "session", s.id, "user", s.username,
				"action", cmd.Action, "error", err)
			return
		}
		if done {
			return
		}
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case err == io.EOF:
		logger.Debug("Client disconnected", "session", s.id, "user", s.username)
	case s.isShuttingDown() || errors.Is(err, net.ErrClosed):
		logger.Debug("Session read interrupted by shutdown", "session", s.id)
	case errors.Is(err, protocol.ErrMalformedMessage):
		logger.Warn("Malformed command record, closing connection", "session", s.id,
			"user", s.username, "error", err)
	default:
		logger.Debug("Command read failed", "session", s.id, "error", err)
	}
}

func (s *Session) recordCommand(action protocol.Action, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordCommand(string(action), time.Since(start), outcome)
}

// dispatch runs one command. The returned error is connection-fatal;
// command-level failures are reported to the client and return nil.
// done is true when the client asked to exit.
func (s *Session) dispatch(cmd *protocol.Command) (done bool, err error) {
	if !cmd.Action.Valid() {
		return false, s.respondError(fmt.Sprintf("Unknown action %q", cmd.Action))
	}
	if cmd.Action.RequiresFilename() && cmd.Filename == "" {
		return false, s.respondError("Missing filename")
	}

	switch cmd.Action {
	case protocol.ActionUpload:
		return false, s.handleUpload(cmd.Filename)
	case protocol.ActionDownload:
		return false, s.handleDownload(cmd.Filename)
	case protocol.ActionPreview:
		return false, s.handlePreview(cmd.Filename)
	case protocol.ActionDelete:
		return false, s.handleDelete(cmd.Filename)
	case protocol.ActionList:
		return false, s.handleList()
	case protocol.ActionExit:
		return true, nil
	default:
		return false, s.respondError(fmt.Sprintf("Unknown action %q", cmd.Action))
	}
}

// handleUpload receives a file body. The interim ready Response is sent
// before entering the framer; the client must wait for it before
// streaming. A framer failure discards the partial file and tears the
// connection down, since transfer framing is unrecoverable.
func (s *Session) handleUpload(filename string) error {
	pending, err := s.store.Create(s.username, filename)
	if err != nil {
		logger.Debug("Upload rejected", "session", s.id, "user", s.username,
			"filename", filename, "error", err)
		return s.respondError(userMessage(err))
	}

	if err := s.respond(&protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: "Ready to receive",
	}); err != nil {
		pending.Abort()
		return err
	}

	n, err := wire.ReceiveStream(s.codec.Reader(), pending)
	if err != nil {
		pending.Abort()
		_ = s.respondError("Transfer failed")
		return fmt.Errorf("receive %q: %w", filename, err)
	}

	if err := pending.Commit(); err != nil {
		_ = s.respondError("Server storage error")
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordBytesTransferred("upload", uint64(n))
	}
	logger.Info("File uploaded", "session", s.id, "user", s.username,
		"filename", filename, "bytes", n)

	return s.respond(&protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: fmt.Sprintf("File %s uploaded successfully", filename),
	})
}

// handleDownload streams a file body. The file is opened before the
// starting Response so a missing or escaping filename never enters the
// framer. The write lock is held across the response and the body, so
// framing stays intact regardless of timing on the peer side.
func (s *Session) handleDownload(filename string) error {
	f, err := s.store.Open(s.username, filename)
	if err != nil {
		logger.Debug("Download rejected", "session", s.id, "user", s.username,
			"filename", filename, "error", err)
		return s.respondError(userMessage(err))
	}
	defer f.Close()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.codec.WriteResponse(&protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: "Starting transfer",
	}); err != nil {
		return err
	}

	n, err := wire.SendStream(s.codec.Writer(), f)
	if err != nil {
		return fmt.Errorf("send %q: %w", filename, err)
	}

	if s.metrics != nil {
		s.metrics.RecordBytesTransferred("download", uint64(n))
	}
	logger.Info("File downloaded", "session", s.id, "user", s.username,
		"filename", filename, "bytes", n)
	return nil
}

func (s *Session) handlePreview(filename string) error {
	preview, err := s.store.Preview(s.username, filename)
	if err != nil {
		return s.respondError(userMessage(err))
	}
	return s.respond(&protocol.Response{
		Status:  protocol.StatusSuccess,
		Preview: preview,
	})
}

func (s *Session) handleDelete(filename string) error {
	if err := s.store.Remove(s.username, filename); err != nil {
		return s.respondError(userMessage(err))
	}
	return s.respond(&protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: fmt.Sprintf("File %s deleted successfully", filename),
	})
}

func (s *Session) handleList() error {
	files, err := s.store.List(s.username)
	if err != nil {
		return s.respondError("Could not list files")
	}
	return s.respond(&protocol.Response{
		Status: protocol.StatusSuccess,
		Files:  files,
	})
}

// userMessage maps a command-level error to the human-readable message
// carried in the error Response.
func userMessage(err error) string {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return "File not found"
	case errors.Is(err, protocol.ErrPathRejected):
		return "Invalid filename"
	default:
		return "Operation failed"
	}
}
