package database

import (
	"context"
	"fmt"

	"github.com/rtcbridge/rtcbridge/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (session_id, external_call_id, from_address,
		 to_address, remote_user_id, remote_session_id, disposition, has_video,
		 started_at, ended_at, duration_seconds, hangup_cause, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		rec.SessionID, rec.ExternalCallID, rec.FromAddress, rec.ToAddress,
		rec.RemoteUserID, rec.RemoteSessionID, rec.Disposition, rec.HasVideo,
		rec.StartedAt, rec.EndedAt, rec.DurationSeconds, rec.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// List returns call records ordered by start time, newest first.
func (r *callRecordRepo) List(ctx context.Context, limit, offset int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, external_call_id, from_address, to_address,
		 remote_user_id, remote_session_id, disposition, has_video, started_at,
		 ended_at, duration_seconds, hangup_cause, created_at
		 FROM call_records ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ExternalCallID,
			&rec.FromAddress, &rec.ToAddress, &rec.RemoteUserID,
			&rec.RemoteSessionID, &rec.Disposition, &rec.HasVideo,
			&rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds,
			&rec.HangupCause, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountByDisposition returns call record counts grouped by disposition.
func (r *callRecordRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM call_records GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting call records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var disposition string
		var count int64
		if err := rows.Scan(&disposition, &count); err != nil {
			return nil, fmt.Errorf("scanning call record count: %w", err)
		}
		counts[disposition] = count
	}
	return counts, rows.Err()
}
