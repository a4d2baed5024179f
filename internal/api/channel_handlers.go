package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rtcbridge/rtcbridge/internal/ami"
)

// channelView is the JSON shape of one tracked telephony channel.
type channelView struct {
	Name         string    `json:"name"`
	UniqueID     string    `json:"unique_id"`
	LinkedID     string    `json:"linked_id,omitempty"`
	State        string    `json:"state"`
	StateDesc    string    `json:"state_desc,omitempty"`
	CallerIDNum  string    `json:"caller_id_num,omitempty"`
	CallerIDName string    `json:"caller_id_name,omitempty"`
	Context      string    `json:"context,omitempty"`
	Exten        string    `json:"exten,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toChannelView(ch ami.Channel) channelView {
	return channelView{
		Name:         ch.Name,
		UniqueID:     ch.UniqueID,
		LinkedID:     ch.LinkedID,
		State:        ch.State,
		StateDesc:    ch.StateDesc,
		CallerIDNum:  ch.CallerIDNum,
		CallerIDName: ch.CallerIDName,
		Context:      ch.Context,
		Exten:        ch.Exten,
		CreatedAt:    ch.CreatedAt,
	}
}

// requireControl writes a 503 and returns nil when no control channel is
// configured (sip-only mode).
func (s *Server) requireControl(w http.ResponseWriter) ControlChannel {
	if s.opts.Control == nil {
		writeError(w, http.StatusServiceUnavailable, "control channel not configured")
		return nil
	}
	return s.opts.Control
}

// handleListChannels returns the live channel registry.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	ctrl := s.requireControl(w)
	if ctrl == nil {
		return
	}

	channels := ctrl.Registry().Snapshot()
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, toChannelView(ch))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetChannel returns one channel by name. Channel names contain
// slashes, so the path segment is URL-encoded. A registry miss falls back to
// a manager Status query for channels created before the bridge connected.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ctrl := s.requireControl(w)
	if ctrl == nil {
		return
	}

	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || name == "" {
		writeError(w, http.StatusBadRequest, "invalid channel name")
		return
	}

	if ch, ok := ctrl.Registry().GetByName(name); ok {
		writeJSON(w, http.StatusOK, toChannelView(ch))
		return
	}

	msg, err := ctrl.GetChannelStatus(r.Context(), name)
	if err != nil {
		s.writeControlError(w, "channel status query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"manager": msg.Fields(),
	})
}

// writeControlError maps manager client failures onto HTTP statuses.
func (s *Server) writeControlError(w http.ResponseWriter, what string, err error) {
	var actionErr *ami.ActionError
	switch {
	case errors.As(err, &actionErr):
		writeError(w, http.StatusUnprocessableEntity, actionErr.Message)
	case errors.Is(err, ami.ErrNotConnected), errors.Is(err, ami.ErrNotAuthenticated):
		writeError(w, http.StatusServiceUnavailable, "control channel not connected")
	case errors.Is(err, ami.ErrActionTimeout):
		writeError(w, http.StatusGatewayTimeout, "control channel timeout")
	default:
		s.logger.Error(what, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
