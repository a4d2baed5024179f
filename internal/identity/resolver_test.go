package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/rtcbridge/rtcbridge/internal/database"
	"github.com/rtcbridge/rtcbridge/internal/database/models"
)

func testResolver(t *testing.T) (*Resolver, database.IdentityMappingRepository) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := database.NewIdentityMappingRepository(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(repo, logger), repo
}

func TestResolve(t *testing.T) {
	resolver, repo := testResolver(t)
	ctx := context.Background()

	err := repo.Create(ctx, &models.IdentityMapping{
		ExternalAddress: "+15551234567",
		RemoteUsername:  "support-desk",
		RemoteUserID:    42,
		Department:      "support",
		PushToken:       "fcm-token-1",
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	m, err := resolver.Resolve(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if m.RemoteUserID != 42 {
		t.Errorf("RemoteUserID = %d, want 42", m.RemoteUserID)
	}
	if m.RemoteUsername != "support-desk" {
		t.Errorf("RemoteUsername = %q", m.RemoteUsername)
	}
	if m.PushToken != "fcm-token-1" {
		t.Errorf("PushToken = %q", m.PushToken)
	}
}

func TestResolve_NotMapped(t *testing.T) {
	resolver, _ := testResolver(t)

	_, err := resolver.Resolve(context.Background(), "+15550000000")
	if !errors.Is(err, ErrNotMapped) {
		t.Errorf("Resolve() error = %v, want ErrNotMapped", err)
	}
}

func TestResolve_DisabledMapping(t *testing.T) {
	resolver, repo := testResolver(t)
	ctx := context.Background()

	err := repo.Create(ctx, &models.IdentityMapping{
		ExternalAddress: "+15559876543",
		RemoteUsername:  "disabled-desk",
		RemoteUserID:    7,
		Enabled:         false,
	})
	if err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	_, err = resolver.Resolve(ctx, "+15559876543")
	if !errors.Is(err, ErrNotMapped) {
		t.Errorf("Resolve() error = %v, want ErrNotMapped for a disabled mapping", err)
	}
}

func TestResolveRemoteUser(t *testing.T) {
	resolver, repo := testResolver(t)
	ctx := context.Background()

	err := repo.Create(ctx, &models.IdentityMapping{
		ExternalAddress: "+15551234567",
		RemoteUsername:  "support-desk",
		RemoteUserID:    42,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("seeding mapping: %v", err)
	}

	m, err := resolver.ResolveRemoteUser(ctx, 42)
	if err != nil {
		t.Fatalf("ResolveRemoteUser() error: %v", err)
	}
	if m.ExternalAddress != "+15551234567" {
		t.Errorf("ExternalAddress = %q", m.ExternalAddress)
	}

	if _, err := resolver.ResolveRemoteUser(ctx, 99); !errors.Is(err, ErrNotMapped) {
		t.Errorf("ResolveRemoteUser(99) error = %v, want ErrNotMapped", err)
	}
}
