package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

func testManager(t *testing.T, ttl time.Duration) (*Manager, *storage.MemoryStorage) {
	t.Helper()

	provider := keys.NewProvider(t.TempDir())
	if err := provider.Initialize(); err != nil {
		t.Fatalf("Failed to initialize key provider: %v", err)
	}
	store := storage.NewMemoryStorage()
	return NewManager(store, license.NewIssuer(store, provider), ttl), store
}

func TestLoginCreatesTrialForNewSubject(t *testing.T) {
	m, store := testManager(t, 0)
	ctx := context.Background()

	sess, token, err := m.Login(ctx, "new@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("Expected session id")
	}
	if sess.Subject != "new@example.com" {
		t.Errorf("Session subject mismatch: %s", sess.Subject)
	}
	if token == nil {
		t.Fatal("Login should return the signed token")
	}
	if token.License.Plan != models.PlanTrial {
		t.Errorf("New subject should get a trial, got %s", token.License.Plan)
	}

	ent, err := store.FindEntitlementBySubjectProduct(ctx, "new@example.com", "glowbridge_pro")
	if err != nil || ent == nil {
		t.Fatalf("Trial entitlement not persisted: %v, %v", ent, err)
	}
	if ent.ExpiresAt == nil {
		t.Fatal("Trial should have an expiry")
	}
	if term := ent.ExpiresAt.Sub(ent.IssuedAt); term != 14*24*time.Hour {
		t.Errorf("Expected 14-day trial, got %v", term)
	}
}

func TestLoginReusesExistingEntitlement(t *testing.T) {
	m, store := testManager(t, 0)
	ctx := context.Background()

	first, tok1, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("First login failed: %v", err)
	}
	second, tok2, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Second login failed: %v", err)
	}

	if tok1.License.LicenseID != tok2.License.LicenseID {
		t.Error("Repeated logins must not create fresh entitlements")
	}
	if first.ID == second.ID {
		t.Error("Each login opens a distinct session")
	}

	ent, _ := store.FindEntitlementBySubjectProduct(ctx, "user@example.com", "glowbridge_pro")
	if ent == nil || ent.ID != tok1.License.LicenseID {
		t.Error("Entitlement lookup mismatch after repeat login")
	}
}

func TestLoginRejectsRevokedEntitlement(t *testing.T) {
	m, store := testManager(t, 0)
	ctx := context.Background()

	_, token, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := store.Revoke(ctx, token.License.LicenseID, "refund"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	_, _, err = m.Login(ctx, "user@example.com", "glowbridge_pro")
	if !errors.Is(err, ErrRevoked) {
		t.Errorf("Expected ErrRevoked, got %v", err)
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	m, _ := testManager(t, 0)
	ctx := context.Background()

	sess, _, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	next, err := m.Refresh(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if next.ID == sess.ID {
		t.Error("Refresh must mint a new session id")
	}
	if next.RefreshCount != 1 {
		t.Errorf("Expected refresh count 1, got %d", next.RefreshCount)
	}
	if next.EntitlementID != sess.EntitlementID {
		t.Error("Refresh must keep the entitlement")
	}
	if next.ExpiresAt.Before(sess.ExpiresAt) {
		t.Error("The replacement session expires no earlier than the old one")
	}

	// The old id is dead the moment the new one exists.
	if m.Get(sess.ID) != nil {
		t.Error("Old session should be invalidated by refresh")
	}
	if _, err := m.Refresh(ctx, sess.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Refreshing a rotated-out id should fail, got %v", err)
	}
	if m.Get(next.ID) == nil {
		t.Error("New session should be live")
	}
}

func TestRefreshChecksRevocation(t *testing.T) {
	m, store := testManager(t, 0)
	ctx := context.Background()

	sess, token, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := store.Revoke(ctx, token.License.LicenseID, "chargeback"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := m.Refresh(ctx, sess.ID); !errors.Is(err, ErrRevoked) {
		t.Errorf("Refresh must re-check the ledger, got %v", err)
	}
	// The spent id must not become refreshable afterwards either.
	if _, err := m.Refresh(ctx, sess.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("The consumed id stays invalid, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	m, _ := testManager(t, time.Millisecond)
	ctx := context.Background()

	sess, _, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if m.Get(sess.ID) != nil {
		t.Error("Expired session should be gone")
	}
	if _, err := m.Refresh(ctx, sess.ID); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expired session must not refresh, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	m, _ := testManager(t, 0)
	ctx := context.Background()

	sess, _, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	m.Logout(sess.ID)
	if m.Get(sess.ID) != nil {
		t.Error("Session should be gone after logout")
	}

	// Logging out twice, or with garbage, is fine.
	m.Logout(sess.ID)
	m.Logout("never-existed")
}

func TestRevokeEntitlementDropsAllSessions(t *testing.T) {
	m, _ := testManager(t, 0)
	ctx := context.Background()

	a, token, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	b, _, err := m.Login(ctx, "user@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Second login failed: %v", err)
	}
	other, _, err := m.Login(ctx, "other@example.com", "glowbridge_pro")
	if err != nil {
		t.Fatalf("Other login failed: %v", err)
	}

	dropped := m.RevokeEntitlement(token.License.LicenseID)
	if dropped != 2 {
		t.Errorf("Expected 2 dropped sessions, got %d", dropped)
	}
	if m.Get(a.ID) != nil || m.Get(b.ID) != nil {
		t.Error("Revoked entitlement's sessions should be gone")
	}
	if m.Get(other.ID) == nil {
		t.Error("Unrelated sessions must survive")
	}
}
