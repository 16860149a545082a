package models

import (
	"fmt"
	"sort"
	"time"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

type Plan string

const (
	PlanTrial     Plan = "trial"
	PlanMonthly   Plan = "monthly"
	PlanYearly    Plan = "yearly"
	PlanPerpetual Plan = "perpetual"
	PlanManual    Plan = "manual"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanTrial, PlanMonthly, PlanYearly, PlanPerpetual, PlanManual:
		return true
	}
	return false
}

// Duration returns the default validity period for the plan. The second
// return is false for plans without a fixed term (perpetual, manual).
func (p Plan) Duration() (time.Duration, bool) {
	switch p {
	case PlanTrial:
		return 14 * 24 * time.Hour, true
	case PlanMonthly:
		return 30 * 24 * time.Hour, true
	case PlanYearly:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// OfflineGrace returns how long a cached, signature-valid token may be
// trusted without a fresh online revocation check.
func (p Plan) OfflineGrace() time.Duration {
	switch p {
	case PlanYearly, PlanPerpetual, PlanManual:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

type Entitlement struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	ProductID  string     `json:"product_id"`
	Plan       Plan       `json:"plan"`
	Features   []string   `json:"features"`
	MaxDevices int        `json:"max_devices"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Expired reports whether the entitlement's term has elapsed at the given
// time. Entitlements without an expiry never expire.
func (e *Entitlement) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// Status derives the presentation status. Revocation is ground truth in the
// ledger, so callers pass the ledger lookup result in.
func (e *Entitlement) Status(now time.Time, revoked bool) string {
	if revoked {
		return StatusRevoked
	}
	if e.Expired(now) {
		return StatusExpired
	}
	return StatusActive
}

// HasFeature reports whether the entitlement grants the named capability.
func (e *Entitlement) HasFeature(name string) bool {
	for _, f := range e.Features {
		if f == name {
			return true
		}
	}
	return false
}

// NormalizeFeatures sorts the feature set and removes duplicates. The
// canonical token payload depends on this ordering being stable.
func NormalizeFeatures(features []string) []string {
	if len(features) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Validate checks the structural invariants before persistence.
func (e *Entitlement) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entitlement id required")
	}
	if e.Subject == "" {
		return fmt.Errorf("subject required")
	}
	if e.ProductID == "" {
		return fmt.Errorf("product_id required")
	}
	if !e.Plan.Valid() {
		return fmt.Errorf("unknown plan %q", e.Plan)
	}
	if e.MaxDevices < 1 {
		return fmt.Errorf("max_devices must be positive, got %d", e.MaxDevices)
	}
	if e.ExpiresAt == nil && e.Plan != PlanPerpetual && e.Plan != PlanManual {
		return fmt.Errorf("plan %q requires an expiry", e.Plan)
	}
	return nil
}
