package models

import "time"

// IdentityMapping binds an external call's originating address to a remote
// WebRTC platform account. The mapping is read-only from the bridge's point
// of view; rows are provisioned out of band.
type IdentityMapping struct {
	ID               int64
	ExternalAddress  string
	RemoteUsername   string
	RemoteCredential string
	RemoteUserID     int64
	Department       string
	Description      string
	PushToken        string // FCM token for mobile wake-up, empty if none
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CallRecord is the persisted detail record for one bridge session.
type CallRecord struct {
	ID              int64
	SessionID       string
	ExternalCallID  string
	FromAddress     string
	ToAddress       string
	RemoteUserID    int64
	RemoteSessionID string
	Disposition     string // "answered" | "rejected" | "no_answer" | "failed"
	HasVideo        bool
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int64
	HangupCause     string
	CreatedAt       time.Time
}

// Operator is a management API user.
type Operator struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
