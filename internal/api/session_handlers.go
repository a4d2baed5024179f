package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rtcbridge/rtcbridge/internal/bridge"
)

// sessionView is the JSON shape of one live bridge session.
type sessionView struct {
	SessionID       string     `json:"session_id"`
	ExternalCallID  string     `json:"external_call_id"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Channel         string     `json:"channel,omitempty"`
	Source          string     `json:"source"`
	RemoteUsername  string     `json:"remote_username,omitempty"`
	RemoteSessionID string     `json:"remote_session_id,omitempty"`
	Status          string     `json:"status"`
	Answered        bool       `json:"answered"`
	HasVideo        bool       `json:"has_video"`
	HasRemoteStream bool       `json:"has_remote_stream"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func toSessionView(s bridge.CallSession) sessionView {
	v := sessionView{
		SessionID:       s.SessionID,
		ExternalCallID:  s.ExternalCallID,
		From:            s.From,
		To:              s.To,
		Channel:         s.Channel,
		Source:          string(s.Source),
		RemoteUsername:  s.RemoteUsername,
		RemoteSessionID: s.RemoteSessionID,
		Status:          string(s.Status),
		Answered:        s.Answered,
		HasVideo:        s.HasVideo,
		HasRemoteStream: s.HasRemoteStream,
		StartedAt:       s.StartedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		v.EndedAt = &ended
	}
	return v
}

// handleListSessions returns all live bridge sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.opts.Bridge.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toSessionView(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetSession returns one live session by identifier.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.opts.Bridge.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

// handleHangupSession terminates a live session on the operator's behalf.
func (s *Server) handleHangupSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Bridge.Hangup(id); err != nil {
		if errors.Is(err, bridge.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("session hangup failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("session hangup requested", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "ending"})
}
