package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rtcbridge/rtcbridge/internal/database"
	"github.com/rtcbridge/rtcbridge/internal/database/models"
)

// ErrNotMapped is returned when an external address has no enabled binding to
// a remote platform account. Calls from unmapped addresses are rejected
// without contacting the remote platform.
var ErrNotMapped = errors.New("identity: external address not mapped")

// Mapping is the resolved binding handed to the orchestrator. It carries the
// remote account the session will be placed under plus the push token used to
// wake the callee's device, if provisioned.
type Mapping struct {
	ExternalAddress string
	RemoteUsername  string
	RemoteUserID    int64
	Department      string
	PushToken       string
}

// Resolver answers "which remote account does this external caller belong
// to". It is a read-only view over the identity store; provisioning happens
// out of band.
type Resolver struct {
	repo   database.IdentityMappingRepository
	logger *slog.Logger
}

// NewResolver creates a resolver backed by the identity store.
func NewResolver(repo database.IdentityMappingRepository, logger *slog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger.With("subsystem", "identity"),
	}
}

// Resolve looks up the enabled mapping for an external address. A missing or
// disabled mapping yields ErrNotMapped; store failures are returned as-is so
// callers can distinguish "unknown caller" from "store unavailable".
func (r *Resolver) Resolve(ctx context.Context, externalAddress string) (*Mapping, error) {
	m, err := r.repo.GetByExternalAddress(ctx, externalAddress)
	if err != nil {
		return nil, fmt.Errorf("identity: looking up %q: %w", externalAddress, err)
	}
	if m == nil {
		r.logger.Info("no identity mapping", "external_address", externalAddress)
		return nil, ErrNotMapped
	}
	return toMapping(m), nil
}

// ResolveRemoteUser performs the reverse lookup: which external address a
// remote platform user is bound to. Used when a callback identifies a session
// by remote user only.
func (r *Resolver) ResolveRemoteUser(ctx context.Context, remoteUserID int64) (*Mapping, error) {
	m, err := r.repo.GetByRemoteUserID(ctx, remoteUserID)
	if err != nil {
		return nil, fmt.Errorf("identity: looking up remote user %d: %w", remoteUserID, err)
	}
	if m == nil {
		return nil, ErrNotMapped
	}
	return toMapping(m), nil
}

func toMapping(m *models.IdentityMapping) *Mapping {
	return &Mapping{
		ExternalAddress: m.ExternalAddress,
		RemoteUsername:  m.RemoteUsername,
		RemoteUserID:    m.RemoteUserID,
		Department:      m.Department,
		PushToken:       m.PushToken,
	}
}
