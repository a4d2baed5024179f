package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rtcbridge/rtcbridge/internal/database/models"
)

// identityMappingRepo implements IdentityMappingRepository.
type identityMappingRepo struct {
	db *DB
}

// NewIdentityMappingRepository creates a new IdentityMappingRepository.
func NewIdentityMappingRepository(db *DB) IdentityMappingRepository {
	return &identityMappingRepo{db: db}
}

// Create inserts a new identity mapping.
func (r *identityMappingRepo) Create(ctx context.Context, m *models.IdentityMapping) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO identity_mappings (external_address, remote_username,
		 remote_credential, remote_user_id, department, description, push_token,
		 enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		m.ExternalAddress, m.RemoteUsername, m.RemoteCredential, m.RemoteUserID,
		m.Department, m.Description, m.PushToken, m.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting identity mapping: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	m.ID = id
	return nil
}

// GetByExternalAddress returns the enabled mapping for an external address,
// or nil if no mapping exists.
func (r *identityMappingRepo) GetByExternalAddress(ctx context.Context, addr string) (*models.IdentityMapping, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, external_address, remote_username, remote_credential,
		 remote_user_id, department, description, push_token, enabled,
		 created_at, updated_at
		 FROM identity_mappings WHERE external_address = ? AND enabled = 1`, addr,
	))
}

// GetByRemoteUserID returns the enabled mapping for a remote platform user ID,
// or nil if no mapping exists.
func (r *identityMappingRepo) GetByRemoteUserID(ctx context.Context, userID int64) (*models.IdentityMapping, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, external_address, remote_username, remote_credential,
		 remote_user_id, department, description, push_token, enabled,
		 created_at, updated_at
		 FROM identity_mappings WHERE remote_user_id = ? AND enabled = 1`, userID,
	))
}

// List returns all mappings ordered by external address.
func (r *identityMappingRepo) List(ctx context.Context) ([]models.IdentityMapping, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, external_address, remote_username, remote_credential,
		 remote_user_id, department, description, push_token, enabled,
		 created_at, updated_at
		 FROM identity_mappings ORDER BY external_address`)
	if err != nil {
		return nil, fmt.Errorf("querying identity mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.IdentityMapping
	for rows.Next() {
		var m models.IdentityMapping
		if err := rows.Scan(&m.ID, &m.ExternalAddress, &m.RemoteUsername,
			&m.RemoteCredential, &m.RemoteUserID, &m.Department, &m.Description,
			&m.PushToken, &m.Enabled, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning identity mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// Delete removes a mapping by ID.
func (r *identityMappingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM identity_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting identity mapping: %w", err)
	}
	return nil
}

func (r *identityMappingRepo) scanOne(row *sql.Row) (*models.IdentityMapping, error) {
	var m models.IdentityMapping
	err := row.Scan(&m.ID, &m.ExternalAddress, &m.RemoteUsername,
		&m.RemoteCredential, &m.RemoteUserID, &m.Department, &m.Description,
		&m.PushToken, &m.Enabled, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity mapping: %w", err)
	}
	return &m, nil
}
