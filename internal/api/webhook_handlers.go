package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/rtcbridge/rtcbridge/internal/remote"
)

// handleRemoteWebhook ingests call lifecycle callbacks from the remote
// platform. The payload is a single JSON event; authentication is an HS256
// token signed with the shared webhook secret. Callbacks for sessions the
// bridge no longer tracks are acknowledged and dropped.
func (s *Server) handleRemoteWebhook(w http.ResponseWriter, r *http.Request) {
	if len(s.opts.WebhookSecret) > 0 {
		if !s.verifyWebhookToken(w, r) {
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var cb remote.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload: "+err.Error())
		return
	}
	cb.ReceivedAt = time.Now()

	if err := cb.Validate(); err != nil {
		var cbErr *remote.CallbackError
		if errors.As(err, &cbErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid callback")
		return
	}

	s.logger.Debug("remote callback received",
		"event", string(cb.Kind),
		"remote_session_id", cb.RemoteSessionID,
		"external_ref", cb.ExternalRef,
	)

	s.opts.Bridge.HandleRemoteCallback(cb)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verifyWebhookToken validates the HS256 bearer token the remote platform
// signs with the shared webhook secret.
func (s *Server) verifyWebhookToken(w http.ResponseWriter, r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		writeError(w, http.StatusUnauthorized, "webhook authentication required")
		return false
	}

	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.opts.WebhookSecret, nil
	})
	if err != nil || !token.Valid {
		s.logger.Warn("webhook rejected: invalid token", "error", err, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return false
	}
	return true
}
