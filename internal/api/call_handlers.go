package api

import (
	"net/http"

	"github.com/rtcbridge/rtcbridge/internal/ami"
)

type originateRequest struct {
	Channel   string            `json:"channel"`
	Context   string            `json:"context"`
	Exten     string            `json:"exten"`
	Priority  int               `json:"priority"`
	CallerID  string            `json:"caller_id"`
	TimeoutMs int               `json:"timeout_ms"`
	Async     bool              `json:"async"`
	Variables map[string]string `json:"variables"`
}

// handleOriginate places an outbound call through the manager.
func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	ctrl := s.requireControl(w)
	if ctrl == nil {
		return
	}

	var req originateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Channel == "" || req.Context == "" || req.Exten == "" {
		writeError(w, http.StatusBadRequest, "channel, context and exten are required")
		return
	}

	msg, err := ctrl.Originate(r.Context(), ami.OriginateRequest{
		Channel:   req.Channel,
		Context:   req.Context,
		Exten:     req.Exten,
		Priority:  req.Priority,
		CallerID:  req.CallerID,
		Timeout:   req.TimeoutMs,
		Async:     req.Async,
		Variables: req.Variables,
	})
	if err != nil {
		s.writeControlError(w, "originate failed", err)
		return
	}

	s.logger.Info("call originated", "channel", req.Channel, "exten", req.Exten, "async", req.Async)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":  true,
		"manager": msg.Fields(),
	})
}

type transferRequest struct {
	Channel  string `json:"channel"`
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int    `json:"priority"`
}

// handleTransfer redirects a live channel to a new dialplan position.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctrl := s.requireControl(w)
	if ctrl == nil {
		return
	}

	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Channel == "" || req.Context == "" || req.Exten == "" {
		writeError(w, http.StatusBadRequest, "channel, context and exten are required")
		return
	}
	if req.Priority <= 0 {
		req.Priority = 1
	}

	if err := ctrl.Redirect(r.Context(), req.Channel, req.Context, req.Exten, req.Priority); err != nil {
		s.writeControlError(w, "transfer failed", err)
		return
	}

	s.logger.Info("channel transferred", "channel", req.Channel, "context", req.Context, "exten", req.Exten)
	writeJSON(w, http.StatusOK, map[string]string{"channel": req.Channel, "status": "transferred"})
}

type bridgeChannelsRequest struct {
	Channel1 string `json:"channel1"`
	Channel2 string `json:"channel2"`
}

// handleBridgeChannels joins two live channels into a media bridge.
func (s *Server) handleBridgeChannels(w http.ResponseWriter, r *http.Request) {
	ctrl := s.requireControl(w)
	if ctrl == nil {
		return
	}

	var req bridgeChannelsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Channel1 == "" || req.Channel2 == "" {
		writeError(w, http.StatusBadRequest, "channel1 and channel2 are required")
		return
	}

	if err := ctrl.Bridge(r.Context(), req.Channel1, req.Channel2); err != nil {
		s.writeControlError(w, "bridge failed", err)
		return
	}

	s.logger.Info("channels bridged", "channel1", req.Channel1, "channel2", req.Channel2)
	writeJSON(w, http.StatusOK, map[string]string{"status": "bridged"})
}
