package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rtcbridge/rtcbridge/internal/database/models"
)

const (
	defaultCDRLimit = 50
	maxCDRLimit     = 500
)

// cdrView is the JSON shape of one call record.
type cdrView struct {
	ID              int64      `json:"id"`
	SessionID       string     `json:"session_id"`
	ExternalCallID  string     `json:"external_call_id"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	RemoteSessionID string     `json:"remote_session_id,omitempty"`
	Disposition     string     `json:"disposition"`
	HasVideo        bool       `json:"has_video"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	HangupCause     string     `json:"hangup_cause,omitempty"`
}

func toCDRView(rec models.CallRecord) cdrView {
	return cdrView{
		ID:              rec.ID,
		SessionID:       rec.SessionID,
		ExternalCallID:  rec.ExternalCallID,
		From:            rec.FromAddress,
		To:              rec.ToAddress,
		RemoteSessionID: rec.RemoteSessionID,
		Disposition:     rec.Disposition,
		HasVideo:        rec.HasVideo,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		DurationSeconds: rec.DurationSeconds,
		HangupCause:     rec.HangupCause,
	}
}

// handleListCDRs returns call records, newest first, with limit/offset paging.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultCDRLimit)
	if limit < 1 || limit > maxCDRLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxCDRLimit))
		return
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	records, err := s.opts.CallRecords.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("listing call records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]cdrView, 0, len(records))
	for _, rec := range records {
		views = append(views, toCDRView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
