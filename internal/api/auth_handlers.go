package api

import (
	"net/http"
	"time"

	"github.com/rtcbridge/rtcbridge/internal/api/middleware"
	"github.com/rtcbridge/rtcbridge/internal/database"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
}

// handleLogin authenticates an operator and issues a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	op, err := s.opts.Operators.GetByUsername(r.Context(), req.Username)
	if err != nil {
		// Same response for unknown user and wrong password.
		s.logger.Debug("login failed: operator lookup", "username", req.Username, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := database.CheckPassword(req.Password, op.PasswordHash)
	if err != nil {
		s.logger.Error("login failed: password check", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		s.logger.Info("login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateOperatorToken(s.opts.APISecret, op.ID, op.Username)
	if err != nil {
		s.logger.Error("login failed: token generation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("operator logged in", "username", op.Username)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Username:  op.Username,
	})
}
