package protocol

import (
	"errors"

	"github.com/marmos91/cubby/pkg/wire"
)

// Session-level error taxonomy. Command-level errors (ErrNotFound,
// ErrPathRejected) are reported to the peer and the session continues;
// connection-level errors (ErrMalformedMessage, ErrTransferAborted,
// unexpected close) terminate the session.
var (
	// ErrHandshakeRejected is returned when the peer's greeting does not
	// match the expected literal token.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrAuthenticationFailed is returned when the credential record does
	// not match a known user. One attempt per connection.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMalformedMessage is returned when a wire record cannot be
	// decoded. Stream framing is lost at that point, so the connection
	// must be torn down, not retried.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrTransferAborted mirrors wire.ErrTransferAborted so callers can
	// match the whole taxonomy against this package.
	ErrTransferAborted = wire.ErrTransferAborted

	// ErrPathRejected is returned when a filename resolves outside the
	// user's sandbox.
	ErrPathRejected = errors.New("path rejected: outside sandbox")

	// ErrNotFound is returned when the named file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrShutdownInProgress is returned on the client side when the
	// server pushes a shutdown response. Terminal; not a retryable error.
	ErrShutdownInProgress = errors.New("server shutdown in progress")
)
