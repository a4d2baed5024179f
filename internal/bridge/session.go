package bridge

import "time"

// Status is the lifecycle state of a CallSession.
type Status string

const (
	StatusRinging              Status = "ringing"
	StatusIdentityResolved     Status = "identity_resolved"
	StatusRemoteSessionPending Status = "remote_session_pending"
	StatusConnecting           Status = "connecting"
	StatusConnected            Status = "connected"
	StatusEnding               Status = "ending"
	StatusEnded                Status = "ended"
	StatusRejected             Status = "rejected"
	StatusFailed               Status = "failed"
)

// Terminal reports whether the status is final. Terminal sessions leave the
// live set and ignore all further events.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusFailed
}

// allowedTransitions is the session state machine. A transition absent from
// this table is illegal and indicates a bug in the caller, not bad input.
var allowedTransitions = map[Status][]Status{
	StatusRinging:              {StatusIdentityResolved, StatusRejected, StatusFailed, StatusEnding},
	StatusIdentityResolved:     {StatusRemoteSessionPending, StatusRejected, StatusFailed, StatusEnding},
	StatusRemoteSessionPending: {StatusConnecting, StatusRejected, StatusFailed, StatusEnding},
	StatusConnecting:           {StatusConnected, StatusRejected, StatusFailed, StatusEnding},
	StatusConnected:            {StatusEnding, StatusRejected, StatusFailed},
	StatusEnding:               {StatusEnded},
}

func legalTransition(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Source identifies which event path created a session.
type Source string

const (
	SourceControl   Source = "control"
	SourceSignaling Source = "signaling"
)

// CallSession is one external call being bridged onto the remote platform.
// The orchestrator owns the authoritative copy; queries return value copies.
type CallSession struct {
	SessionID      string
	ExternalCallID string
	From           string
	To             string
	Channel        string // control-channel name, empty for signaling calls
	Source         Source

	RemoteUserID    int64
	RemoteUsername  string
	RemoteSessionID string
	RemoteCallID    string

	Status          Status
	Answered        bool // reached Connected at least once
	HasVideo        bool
	HasRemoteStream bool
	Reason          string // why a session was rejected or failed
	HangupCause     string

	StartedAt time.Time
	EndedAt   time.Time
}

// Duration is the session lifetime; zero while the session is live.
func (s *CallSession) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Disposition maps a terminal session to its call-record disposition.
func (s *CallSession) Disposition() string {
	switch s.Status {
	case StatusRejected:
		if s.Reason == "not_answered" {
			return "no_answer"
		}
		return "rejected"
	case StatusFailed:
		return "failed"
	case StatusEnded:
		if s.Answered {
			return "answered"
		}
		return "no_answer"
	}
	return ""
}
