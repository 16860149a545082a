package license

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"glowbridge.app/cloud/models"
)

// GrantRequest is the input to entitlement construction. It is produced by
// manual admin grants, by subscription webhook events, and by the trial
// default path in the session manager.
type GrantRequest struct {
	Subject    string      `json:"subject"`
	ProductID  string      `json:"product_id"`
	Plan       models.Plan `json:"plan"`
	Features   []string    `json:"features,omitempty"`
	MaxDevices int         `json:"max_devices,omitempty"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	ChipID     *string     `json:"chip_id,omitempty"`

	// Renewal makes issuance idempotent per (subject, product): the existing
	// entitlement is extended instead of a new one being created.
	Renewal bool `json:"renewal,omitempty"`
}

func (r GrantRequest) validate() error {
	if r.Subject == "" {
		return fmt.Errorf("subject required")
	}
	if r.ProductID == "" {
		return fmt.Errorf("product_id required")
	}
	if !r.Plan.Valid() {
		return fmt.Errorf("unknown plan %q", r.Plan)
	}
	if r.MaxDevices < 0 {
		return fmt.Errorf("max_devices cannot be negative")
	}
	if r.Plan == models.PlanPerpetual && r.ExpiresAt != nil {
		return fmt.Errorf("perpetual plan cannot carry an expiry")
	}
	return nil
}

// BuildEntitlement produces a candidate entitlement from the request,
// filling in defaults: empty feature set, max_devices 1, and a plan-derived
// expiry when none was given.
func BuildEntitlement(req GrantRequest, now time.Time) (*models.Entitlement, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	maxDevices := req.MaxDevices
	if maxDevices == 0 {
		maxDevices = 1
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		if d, ok := req.Plan.Duration(); ok {
			t := now.Add(d)
			expiresAt = &t
		}
	}

	ent := &models.Entitlement{
		ID:         uuid.Must(uuid.NewRandom()).String(),
		Subject:    req.Subject,
		ProductID:  req.ProductID,
		Plan:       req.Plan,
		Features:   models.NormalizeFeatures(req.Features),
		MaxDevices: maxDevices,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := ent.Validate(); err != nil {
		return nil, err
	}

	return ent, nil
}
