package models

import (
	"testing"
	"time"
)

func TestPlanValid(t *testing.T) {
	for _, plan := range []Plan{PlanTrial, PlanMonthly, PlanYearly, PlanPerpetual, PlanManual} {
		if !plan.Valid() {
			t.Errorf("Plan %s should be valid", plan)
		}
	}
	for _, plan := range []Plan{"", "weekly", "Monthly"} {
		if plan.Valid() {
			t.Errorf("Plan %q should be invalid", plan)
		}
	}
}

func TestEntitlementExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"no expiry", nil, false},
		{"future expiry", &future, false},
		{"past expiry", &past, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := Entitlement{ExpiresAt: tt.expiresAt}
			if got := ent.Expired(now); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEntitlementStatus(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		revoked   bool
		want      string
	}{
		{"active", &future, false, StatusActive},
		{"expired", &past, false, StatusExpired},
		{"revoked", &future, true, StatusRevoked},
		{"revoked wins over expired", &past, true, StatusRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := Entitlement{ExpiresAt: tt.expiresAt}
			if got := ent.Status(now, tt.revoked); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHasFeature(t *testing.T) {
	ent := Entitlement{Features: []string{"pattern_upload", "cloud_sync"}}
	if !ent.HasFeature("pattern_upload") {
		t.Error("Expected pattern_upload to be granted")
	}
	if ent.HasFeature("admin") {
		t.Error("Ungranted feature should be false")
	}
}

func TestNormalizeFeatures(t *testing.T) {
	got := NormalizeFeatures([]string{"b", "a", "b", "", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if empty := NormalizeFeatures(nil); empty == nil || len(empty) != 0 {
		t.Errorf("Nil input should normalize to an empty slice, got %v", empty)
	}
}

func TestEntitlementValidate(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	base := Entitlement{
		ID:         "ent-1",
		Subject:    "user@example.com",
		ProductID:  "glowbridge_pro",
		Plan:       PlanMonthly,
		MaxDevices: 1,
		ExpiresAt:  &future,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Valid entitlement rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Entitlement)
	}{
		{"missing id", func(e *Entitlement) { e.ID = "" }},
		{"missing subject", func(e *Entitlement) { e.Subject = "" }},
		{"missing product", func(e *Entitlement) { e.ProductID = "" }},
		{"bad plan", func(e *Entitlement) { e.Plan = "weekly" }},
		{"zero devices", func(e *Entitlement) { e.MaxDevices = 0 }},
		{"term plan without expiry", func(e *Entitlement) { e.ExpiresAt = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := base
			tt.mutate(&ent)
			if err := ent.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	perpetual := base
	perpetual.Plan = PlanPerpetual
	perpetual.ExpiresAt = nil
	if err := perpetual.Validate(); err != nil {
		t.Errorf("Perpetual without expiry should validate: %v", err)
	}
}

func TestPlanOfflineGrace(t *testing.T) {
	short := []Plan{PlanTrial, PlanMonthly}
	long := []Plan{PlanYearly, PlanPerpetual, PlanManual}

	for _, p := range short {
		if g := p.OfflineGrace(); g != 24*time.Hour {
			t.Errorf("Plan %s: expected 24h grace, got %v", p, g)
		}
	}
	for _, p := range long {
		if g := p.OfflineGrace(); g != 7*24*time.Hour {
			t.Errorf("Plan %s: expected 7d grace, got %v", p, g)
		}
	}
}
