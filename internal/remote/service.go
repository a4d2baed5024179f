package remote

import "context"

// SessionRequest opens a platform session on behalf of a mapped identity.
type SessionRequest struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// Session is an authenticated presence on the remote platform. Calls are
// placed and torn down within a session; closing the session releases all
// platform-side resources.
type Session struct {
	ID    string `json:"session_id"`
	Token string `json:"token"`
}

// CallRequest places a call toward a remote platform user.
type CallRequest struct {
	SessionID      string `json:"-"`
	CalleeUsername string `json:"callee"`
	CallerDisplay  string `json:"caller_display"`
	HasVideo       bool   `json:"has_video"`
	// ExternalRef carries the bridge session identifier so callbacks can be
	// correlated back to the originating call.
	ExternalRef string `json:"external_ref"`
}

// Call is an in-progress platform call.
type Call struct {
	ID       string `json:"call_id"`
	HasVideo bool   `json:"has_video"`
}

// Service is the remote calling platform as the orchestrator sees it. The
// production implementation is the REST Client; tests substitute fakes.
// Progress (accepted, rejected, hung up) arrives asynchronously through the
// webhook intake, not through these calls.
type Service interface {
	OpenSession(ctx context.Context, req SessionRequest) (*Session, error)
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
	EndCall(ctx context.Context, sessionID, callID string) error
	CloseSession(ctx context.Context, sessionID string) error
}
