package orgs

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "orgs.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PolicyRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected service constructor error: %v", err)
	}
	return service
}

func TestUnknownOrgGetsPermissivePolicy(t *testing.T) {
	service := newTestService(t)
	policy, err := service.Policy(context.Background(), "Acme")
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	if policy.OrgID != "acme" {
		t.Fatalf("expected normalized org id, got %q", policy.OrgID)
	}
	if policy.IsBanned("user-1") {
		t.Fatalf("expected zero policy to ban nobody")
	}
}

func TestBanAndUnbanRoundTrip(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.BanUser(ctx, "acme", "user-1"); err != nil {
		t.Fatalf("unexpected ban error: %v", err)
	}
	policy, err := service.Policy(ctx, "ACME")
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	if !policy.IsBanned("user-1") {
		t.Fatalf("expected user-1 to be banned")
	}
	if policy.IsBanned("user-2") {
		t.Fatalf("did not expect user-2 to be banned")
	}

	if err := service.UnbanUser(ctx, "acme", "user-1"); err != nil {
		t.Fatalf("unexpected unban error: %v", err)
	}
	policy, err = service.Policy(ctx, "acme")
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	if policy.IsBanned("user-1") {
		t.Fatalf("expected ban to be lifted")
	}
}

func TestBanListAccumulates(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.BanUser(ctx, "acme", "user-1"); err != nil {
		t.Fatalf("unexpected ban error: %v", err)
	}
	if err := service.BanUser(ctx, "acme", "user-2"); err != nil {
		t.Fatalf("unexpected ban error: %v", err)
	}

	policy, err := service.Policy(ctx, "acme")
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	if !policy.IsBanned("user-1") || !policy.IsBanned("user-2") {
		t.Fatalf("expected both users banned, got %#v", policy.BannedUserIDs)
	}
}

func TestPolicyRejectsEmptyOrg(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Policy(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty org id")
	}
}
