package remote

import "time"

// CallbackKind identifies the remote platform callback types delivered to
// the webhook intake.
type CallbackKind string

const (
	CallbackAccepted      CallbackKind = "accepted"
	CallbackRejected      CallbackKind = "rejected"
	CallbackNotAnswered   CallbackKind = "not_answered"
	CallbackHungUp        CallbackKind = "hung_up"
	CallbackSessionClosed CallbackKind = "session_closed"
	CallbackRemoteStream  CallbackKind = "remote_stream"
)

// valid reports whether the kind is one the bridge understands.
func (k CallbackKind) valid() bool {
	switch k {
	case CallbackAccepted, CallbackRejected, CallbackNotAnswered,
		CallbackHungUp, CallbackSessionClosed, CallbackRemoteStream:
		return true
	}
	return false
}

// Callback is one remote platform event, normalized from the webhook
// payload. ExternalRef carries back the bridge session identifier supplied
// at call placement.
type Callback struct {
	Kind            CallbackKind `json:"event"`
	RemoteSessionID string       `json:"session_id"`
	RemoteCallID    string       `json:"call_id"`
	ExternalRef     string       `json:"external_ref"`
	HasVideo        bool         `json:"has_video"`
	Reason          string       `json:"reason,omitempty"`
	ReceivedAt      time.Time    `json:"-"`
}

// Validate checks the callback for the fields every event must carry.
func (c *Callback) Validate() error {
	if !c.Kind.valid() {
		return &CallbackError{Field: "event", Detail: string(c.Kind)}
	}
	if c.RemoteSessionID == "" {
		return &CallbackError{Field: "session_id", Detail: "missing"}
	}
	return nil
}

// CallbackError reports a malformed callback payload.
type CallbackError struct {
	Field  string
	Detail string
}

func (e *CallbackError) Error() string {
	return "remote: invalid callback field " + e.Field + ": " + e.Detail
}
