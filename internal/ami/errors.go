package ami

import (
	"errors"
	"fmt"
)

// ErrActionTimeout is returned when no response for an action arrives within
// the configured timeout. Only the specific pending action fails; the
// connection remains usable.
var ErrActionTimeout = errors.New("ami: action timed out")

// ErrNotAuthenticated is returned when an action is sent before the Login
// handshake has completed.
var ErrNotAuthenticated = errors.New("ami: not authenticated")

// ErrNotConnected is returned when an action is sent while the transport is
// down. The reconnection supervisor will re-establish the connection; callers
// decide whether to retry.
var ErrNotConnected = errors.New("ami: not connected")

// AuthError indicates the manager rejected our Login credentials. It is fatal
// for the current connection attempt but reconnection is still retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "ami: authentication failed"
	}
	return fmt.Sprintf("ami: authentication failed: %s", e.Message)
}

// ProtocolError reports a malformed frame. The frame is dropped and the
// stream resynchronizes on the next blank-line boundary.
type ProtocolError struct {
	Line string // the offending line
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ami: malformed frame line %q", e.Line)
}

// ActionError is a protocol-level error response (Response: Error) to a
// well-formed action.
type ActionError struct {
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("ami: action failed: %s", e.Message)
}
