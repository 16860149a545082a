package license

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

// Issuer combines entitlement construction with key-provider signing. It is
// the only component that creates entitlements and tokens.
type Issuer struct {
	Storage storage.Storage
	Keys    *keys.Provider
}

func NewIssuer(st storage.Storage, kp *keys.Provider) *Issuer {
	return &Issuer{Storage: st, Keys: kp}
}

// Issue persists the entitlement and returns its signed token. Concurrent
// manual grants never silently merge: a fresh entitlement id is created
// unless the request explicitly asks for a renewal. Signing happens after
// persistence, so a signing failure returns no partial token and a
// persistence failure caches no orphan token.
func (i *Issuer) Issue(ctx context.Context, req GrantRequest) (*models.Entitlement, *models.SignedToken, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()

	var ent *models.Entitlement
	if req.Renewal {
		existing, err := i.Storage.FindEntitlementBySubjectProduct(ctx, req.Subject, req.ProductID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup entitlement for renewal: %w", err)
		}
		if existing != nil {
			ent = i.renew(existing, req, now)
			if err := ent.Validate(); err != nil {
				return nil, nil, fmt.Errorf("renewed entitlement %s: %w", ent.ID, err)
			}
		}
	}
	if ent == nil {
		built, err := BuildEntitlement(req, now)
		if err != nil {
			return nil, nil, err
		}
		ent = built
	}

	if err := i.Storage.SaveEntitlement(ctx, ent); err != nil {
		return nil, nil, fmt.Errorf("persist entitlement: %w", err)
	}

	token, err := i.Token(ent, req.ChipID)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Entitlement issued", map[string]interface{}{
		"entitlement_id": ent.ID,
		"subject":        ent.Subject,
		"product_id":     ent.ProductID,
		"plan":           string(ent.Plan),
		"max_devices":    ent.MaxDevices,
		"renewal":        req.Renewal,
	})

	return ent, token, nil
}

func (i *Issuer) renew(existing *models.Entitlement, req GrantRequest, now time.Time) *models.Entitlement {
	ent := *existing
	ent.Plan = req.Plan
	if len(req.Features) > 0 {
		ent.Features = models.NormalizeFeatures(req.Features)
	}
	if req.MaxDevices > 0 {
		ent.MaxDevices = req.MaxDevices
	}
	if req.ExpiresAt != nil {
		ent.ExpiresAt = req.ExpiresAt
	} else if d, ok := req.Plan.Duration(); ok {
		t := now.Add(d)
		ent.ExpiresAt = &t
	} else {
		ent.ExpiresAt = nil
	}
	ent.UpdatedAt = now
	return &ent
}

// Token signs the canonical payload for an entitlement and assembles the
// license file artifact. chipID is nil for unbound licenses; activation
// binds the first presenting device instead.
func (i *Issuer) Token(ent *models.Entitlement, chipID *string) (*models.SignedToken, error) {
	payload := models.LicensePayload{
		LicenseID:  ent.ID,
		ProductID:  ent.ProductID,
		Plan:       ent.Plan,
		ChipID:     chipID,
		IssuedTo:   ent.Subject,
		IssuedAt:   ent.IssuedAt,
		ExpiresAt:  ent.ExpiresAt,
		Features:   ent.Features,
		Version:    models.PayloadVersion,
		MaxDevices: ent.MaxDevices,
	}

	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return nil, err
	}

	sig, kid, err := i.Keys.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("sign entitlement %s: %w", ent.ID, err)
	}

	pubPEM, err := i.Keys.PublicKeyPEM(kid)
	if err != nil {
		return nil, fmt.Errorf("export public key: %w", err)
	}

	return &models.SignedToken{
		License:       payload,
		Signature:     base64.StdEncoding.EncodeToString(sig),
		PublicKey:     pubPEM,
		KeyID:         kid,
		FormatVersion: models.TokenFormatVersion,
	}, nil
}
