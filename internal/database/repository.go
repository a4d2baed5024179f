package database

import (
	"context"

	"github.com/rtcbridge/rtcbridge/internal/database/models"
)

// IdentityMappingRepository provides lookups of external-address to remote
// platform account bindings. The bridge never creates or mutates mappings;
// the write methods exist for provisioning tooling and tests.
type IdentityMappingRepository interface {
	Create(ctx context.Context, m *models.IdentityMapping) error
	GetByExternalAddress(ctx context.Context, addr string) (*models.IdentityMapping, error)
	GetByRemoteUserID(ctx context.Context, userID int64) (*models.IdentityMapping, error)
	List(ctx context.Context) ([]models.IdentityMapping, error)
	Delete(ctx context.Context, id int64) error
}

// CallRecordRepository persists completed bridge sessions.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	List(ctx context.Context, limit, offset int) ([]models.CallRecord, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// OperatorRepository manages management API users.
type OperatorRepository interface {
	Create(ctx context.Context, op *models.Operator) error
	GetByUsername(ctx context.Context, username string) (*models.Operator, error)
	Count(ctx context.Context) (int64, error)
}
