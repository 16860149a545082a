package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"glowbridge.app/cloud/models"
)

// storageImpls runs conformance tests over every Storage implementation.
func storageImpls(t *testing.T) map[string]Storage {
	t.Helper()

	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite storage: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlite.Close(); err != nil {
			t.Errorf("Failed to close sqlite storage: %v", err)
		}
	})

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func testEntitlement(subject string, maxDevices int) *models.Entitlement {
	now := time.Now().UTC().Truncate(time.Second)
	expiry := now.Add(30 * 24 * time.Hour)
	return &models.Entitlement{
		ID:         uuid.Must(uuid.NewRandom()).String(),
		Subject:    subject,
		ProductID:  "glowbridge_pro",
		Plan:       models.PlanMonthly,
		Features:   []string{"pattern_upload"},
		MaxDevices: maxDevices,
		IssuedAt:   now,
		ExpiresAt:  &expiry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestEntitlementRoundtrip(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ent := testEntitlement("user@example.com", 2)

			if err := store.SaveEntitlement(ctx, ent); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			got, err := store.GetEntitlement(ctx, ent.ID)
			if err != nil {
				t.Fatalf("GetEntitlement failed: %v", err)
			}
			if got == nil {
				t.Fatal("Expected entitlement, got nil")
			}
			if got.Subject != ent.Subject || got.ProductID != ent.ProductID {
				t.Errorf("Roundtrip mismatch: got %+v", got)
			}
			if got.Plan != models.PlanMonthly {
				t.Errorf("Expected plan monthly, got %s", got.Plan)
			}
			if len(got.Features) != 1 || got.Features[0] != "pattern_upload" {
				t.Errorf("Features not preserved: %v", got.Features)
			}
			if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*ent.ExpiresAt) {
				t.Errorf("Expected expiry %v, got %v", ent.ExpiresAt, got.ExpiresAt)
			}

			missing, err := store.GetEntitlement(ctx, "does-not-exist")
			if err != nil {
				t.Fatalf("Lookup of missing id errored: %v", err)
			}
			if missing != nil {
				t.Error("Missing entitlement should return nil, nil")
			}
		})
	}
}

func TestFindEntitlementBySubjectProductReturnsNewest(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			older := testEntitlement("user@example.com", 1)
			older.IssuedAt = older.IssuedAt.Add(-time.Hour)
			newer := testEntitlement("user@example.com", 1)

			if err := store.SaveEntitlement(ctx, older); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}
			if err := store.SaveEntitlement(ctx, newer); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			got, err := store.FindEntitlementBySubjectProduct(ctx, "user@example.com", "glowbridge_pro")
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if got == nil || got.ID != newer.ID {
				t.Errorf("Expected newest entitlement %s, got %+v", newer.ID, got)
			}

			none, err := store.FindEntitlementBySubjectProduct(ctx, "other@example.com", "glowbridge_pro")
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if none != nil {
				t.Error("Unknown subject should return nil, nil")
			}
		})
	}
}

func TestBindDeviceEnforcesLimit(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ent := testEntitlement("user@example.com", 2)
			if err := store.SaveEntitlement(ctx, ent); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			for i := 0; i < 2; i++ {
				dev, err := store.BindDevice(ctx, ent.ID, fmt.Sprintf("device-%d", i), "Living Room", ent.MaxDevices)
				if err != nil {
					t.Fatalf("Bind %d failed: %v", i, err)
				}
				if dev.EntitlementID != ent.ID {
					t.Errorf("Device bound to wrong entitlement: %s", dev.EntitlementID)
				}
			}

			_, err := store.BindDevice(ctx, ent.ID, "device-overflow", "", ent.MaxDevices)
			if !errors.Is(err, ErrDeviceLimit) {
				t.Errorf("Expected ErrDeviceLimit, got %v", err)
			}

			devices, err := store.ListDevices(ctx, ent.ID)
			if err != nil {
				t.Fatalf("ListDevices failed: %v", err)
			}
			if len(devices) != 2 {
				t.Errorf("Expected 2 bound devices, got %d", len(devices))
			}
		})
	}
}

func TestBindDeviceIdempotentReRegistration(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ent := testEntitlement("user@example.com", 1)
			if err := store.SaveEntitlement(ctx, ent); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			first, err := store.BindDevice(ctx, ent.ID, "device-1", "Kitchen", 1)
			if err != nil {
				t.Fatalf("First bind failed: %v", err)
			}

			// The limit is already reached, but re-registering the same pair
			// must succeed and refresh last_seen_at.
			second, err := store.BindDevice(ctx, ent.ID, "device-1", "Kitchen Shelf", 1)
			if err != nil {
				t.Fatalf("Re-registration failed: %v", err)
			}
			if second.LastSeenAt.Before(first.LastSeenAt) {
				t.Error("Re-registration should refresh last_seen_at")
			}
			if second.DeviceName != "Kitchen Shelf" {
				t.Errorf("Re-registration should update the name, got %s", second.DeviceName)
			}

			devices, err := store.ListDevices(ctx, ent.ID)
			if err != nil {
				t.Fatalf("ListDevices failed: %v", err)
			}
			if len(devices) != 1 {
				t.Errorf("Re-registration must not add a binding, got %d", len(devices))
			}
		})
	}
}

func TestBindDeviceExclusiveOwnership(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entA := testEntitlement("a@example.com", 3)
			entB := testEntitlement("b@example.com", 3)
			for _, ent := range []*models.Entitlement{entA, entB} {
				if err := store.SaveEntitlement(ctx, ent); err != nil {
					t.Fatalf("SaveEntitlement failed: %v", err)
				}
			}

			if _, err := store.BindDevice(ctx, entA.ID, "shared-device", "", 3); err != nil {
				t.Fatalf("Bind to first entitlement failed: %v", err)
			}

			_, err := store.BindDevice(ctx, entB.ID, "shared-device", "", 3)
			if !errors.Is(err, ErrDeviceBoundElsewhere) {
				t.Errorf("Expected ErrDeviceBoundElsewhere, got %v", err)
			}

			// After unbinding, the device may move.
			if err := store.UnbindDevice(ctx, entA.ID, "shared-device"); err != nil {
				t.Fatalf("Unbind failed: %v", err)
			}
			if _, err := store.BindDevice(ctx, entB.ID, "shared-device", "", 3); err != nil {
				t.Errorf("Bind after unbind should succeed, got %v", err)
			}
		})
	}
}

func TestUnbindDevice(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ent := testEntitlement("user@example.com", 1)
			if err := store.SaveEntitlement(ctx, ent); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			if err := store.UnbindDevice(ctx, ent.ID, "never-bound"); !errors.Is(err, ErrNotBound) {
				t.Errorf("Expected ErrNotBound, got %v", err)
			}

			if _, err := store.BindDevice(ctx, ent.ID, "device-1", "", 1); err != nil {
				t.Fatalf("Bind failed: %v", err)
			}
			if err := store.UnbindDevice(ctx, ent.ID, "device-1"); err != nil {
				t.Fatalf("Unbind failed: %v", err)
			}

			dev, err := store.FindDevice(ctx, ent.ID, "device-1")
			if err != nil {
				t.Fatalf("FindDevice failed: %v", err)
			}
			if dev != nil {
				t.Error("Device should be gone after unbind")
			}

			// The freed slot is reusable.
			if _, err := store.BindDevice(ctx, ent.ID, "device-2", "", 1); err != nil {
				t.Errorf("Bind into freed slot failed: %v", err)
			}
		})
	}
}

func TestRevocationLedger(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ent := testEntitlement("user@example.com", 1)
			if err := store.SaveEntitlement(ctx, ent); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			revoked, err := store.IsRevoked(ctx, ent.ID)
			if err != nil {
				t.Fatalf("IsRevoked failed: %v", err)
			}
			if revoked {
				t.Error("Fresh entitlement should not be revoked")
			}

			if err := store.Revoke(ctx, ent.ID, "refund"); err != nil {
				t.Fatalf("Revoke failed: %v", err)
			}
			// Re-revoking is a no-op, not an error.
			if err := store.Revoke(ctx, ent.ID, "chargeback"); err != nil {
				t.Fatalf("Second Revoke failed: %v", err)
			}

			revoked, err = store.IsRevoked(ctx, ent.ID)
			if err != nil {
				t.Fatalf("IsRevoked failed: %v", err)
			}
			if !revoked {
				t.Error("Entitlement should be revoked")
			}

			records, err := store.ListRevoked(ctx, time.Time{})
			if err != nil {
				t.Fatalf("ListRevoked failed: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("Expected one ledger entry, got %d", len(records))
			}
			if records[0].Reason != "refund" {
				t.Errorf("First revocation reason must win, got %s", records[0].Reason)
			}
		})
	}
}

func TestListRevokedSinceFilter(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			before := time.Now().UTC().Add(-time.Second)
			if err := store.Revoke(ctx, "ent-old", "first"); err != nil {
				t.Fatalf("Revoke failed: %v", err)
			}

			all, err := store.ListRevoked(ctx, time.Time{})
			if err != nil {
				t.Fatalf("ListRevoked failed: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("Expected one record, got %d", len(all))
			}

			none, err := store.ListRevoked(ctx, time.Now().UTC().Add(time.Hour))
			if err != nil {
				t.Fatalf("ListRevoked failed: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("Future cutoff should return nothing, got %d", len(none))
			}

			since, err := store.ListRevoked(ctx, before)
			if err != nil {
				t.Fatalf("ListRevoked failed: %v", err)
			}
			if len(since) != 1 {
				t.Errorf("Cutoff before the revocation should include it, got %d", len(since))
			}
		})
	}
}

// Ten goroutines fight over a two-slot entitlement. Exactly two may win.
func TestConcurrentBindsNeverExceedLimit(t *testing.T) {
	for name, store := range storageImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ent := testEntitlement("user@example.com", 2)
			if err := store.SaveEntitlement(ctx, ent); err != nil {
				t.Fatalf("SaveEntitlement failed: %v", err)
			}

			const attempts = 10
			var wg sync.WaitGroup
			results := make(chan error, attempts)

			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					_, err := store.BindDevice(ctx, ent.ID, fmt.Sprintf("device-%d", n), "", ent.MaxDevices)
					results <- err
				}(i)
			}
			wg.Wait()
			close(results)

			var succeeded, limited int
			for err := range results {
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrDeviceLimit):
					limited++
				default:
					t.Errorf("Unexpected bind error: %v", err)
				}
			}

			if succeeded != 2 {
				t.Errorf("Expected exactly 2 successful binds, got %d", succeeded)
			}
			if limited != attempts-2 {
				t.Errorf("Expected %d limit rejections, got %d", attempts-2, limited)
			}

			devices, err := store.ListDevices(ctx, ent.ID)
			if err != nil {
				t.Fatalf("ListDevices failed: %v", err)
			}
			if len(devices) != 2 {
				t.Errorf("Registry holds %d devices, limit is 2", len(devices))
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	store, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}

	ent := testEntitlement("user@example.com", 1)
	if err := store.SaveEntitlement(ctx, ent); err != nil {
		t.Fatalf("SaveEntitlement failed: %v", err)
	}
	if _, err := store.BindDevice(ctx, ent.ID, "device-1", "Bedroom", 1); err != nil {
		t.Fatalf("BindDevice failed: %v", err)
	}
	if err := store.Revoke(ctx, ent.ID, "refund"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer func() {
		if err := reopened.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	got, err := reopened.GetEntitlement(ctx, ent.ID)
	if err != nil {
		t.Fatalf("GetEntitlement after reopen failed: %v", err)
	}
	if got == nil {
		t.Fatal("Entitlement lost across reopen")
	}

	dev, err := reopened.FindDevice(ctx, ent.ID, "device-1")
	if err != nil {
		t.Fatalf("FindDevice after reopen failed: %v", err)
	}
	if dev == nil || dev.DeviceName != "Bedroom" {
		t.Errorf("Device binding lost across reopen: %+v", dev)
	}

	revoked, err := reopened.IsRevoked(ctx, ent.ID)
	if err != nil {
		t.Fatalf("IsRevoked after reopen failed: %v", err)
	}
	if !revoked {
		t.Error("Revocation must survive a restart")
	}
}
