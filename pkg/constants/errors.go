package constants

import "errors"

// Error taxonomy of the client. Callers match these with errors.Is to
// distinguish "this call failed" from "the whole pool is unusable".
var (
	// ErrConnectionClosed is returned when the underlying socket is gone
	// and the request in flight cannot complete.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected is returned when an operation is attempted on a
	// connection that is not in the ready state.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when no response arrived within the deadline.
	// The connection itself stays alive; only the timed-out request fails.
	ErrTimeout = errors.New("timeout")

	// ErrProtocolError is returned when a frame cannot be decoded or a
	// response carries a payload the caller's type cannot represent.
	ErrProtocolError = errors.New("protocol error")

	// ErrAuthFailed is returned when the handshake is rejected by the server.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoConnectionsAvailable is returned by the pool when zero entries
	// are healthy. It is surfaced immediately, never retried internally.
	ErrNoConnectionsAvailable = errors.New("no healthy connections available")

	// ErrCircuitOpen is returned by the failure guard when it is
	// short-circuiting calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrIDInUse indicates a correlation or live query id collision.
	ErrIDInUse = errors.New("id already in use")
)
