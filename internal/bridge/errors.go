package bridge

import "errors"

// Error taxonomy for Bridge.Send, per spec.md section 4.1/7.
var (
	// ErrNotRegistered is returned when the target client_key has no
	// live connection registered.
	ErrNotRegistered = errors.New("bridge: client not registered")
	// ErrTimeout is returned when no Response arrives before the
	// caller's deadline.
	ErrTimeout = errors.New("bridge: request timed out")
	// ErrTransport is returned when the underlying connection fails
	// before or during a send (write error, connection closed).
	ErrTransport = errors.New("bridge: transport error")
	// ErrAuthFailed is returned by the handshake helpers on a bad
	// secret or malformed Auth frame.
	ErrAuthFailed = errors.New("bridge: auth failed")
)
