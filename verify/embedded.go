package verify

import (
	"context"
	"crypto/ecdsa"
	"time"

	"go.uber.org/atomic"

	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/models"
)

// Embedded is the constrained-client verifier: signature and expiry only,
// against a public key baked in at build time. It cannot reach the
// revocation ledger synchronously, so Recheck runs opportunistically when
// the firmware has connectivity and records the answer for later Verify
// calls. An unreachable server never counts as revoked; the absence of a
// network check is a degraded-but-valid state, bounded by the plan's
// offline grace window when a Source is configured.
type Embedded struct {
	pub       *ecdsa.PublicKey
	ClockSkew time.Duration

	// Source is optional; nil means no online re-check is possible.
	Source RevocationChecker

	revoked   atomic.Bool
	lastCheck atomic.Time
}

// NewEmbedded builds the verifier from PEM or base64-DER key material, the
// two forms firmware images have shipped with.
func NewEmbedded(publicKey string) (*Embedded, error) {
	pub, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Embedded{pub: pub, ClockSkew: DefaultClockSkew}, nil
}

// Verify runs steps 1 and 2 of the protocol plus the result of the most
// recent successful online re-check.
func (e *Embedded) Verify(tok *models.SignedToken, now time.Time) Result {
	if tok == nil || tok.FormatVersion != models.TokenFormatVersion {
		return fail(models.CodeMalformedPayload, "unsupported token format version")
	}
	if r := CheckSignature(tok, e.pub); !r.Valid {
		return r
	}
	if r := CheckExpiry(tok.License.ExpiresAt, now, e.ClockSkew); !r.Valid {
		return r
	}
	if e.revoked.Load() {
		return fail(models.CodeRevoked, "entitlement has been revoked")
	}
	if e.Source != nil {
		// A re-check path exists, so the degraded state cannot persist
		// forever. Without one the device has no way to revalidate.
		last := e.lastCheck.Load()
		if last.IsZero() || now.Sub(last) > tok.License.Plan.OfflineGrace() {
			return fail(models.CodeRevalidationRequired, "offline grace window elapsed, online revalidation required")
		}
	}
	return valid()
}

// Recheck performs the best-effort online revocation lookup. It is intended
// to be called from outside the main control loop; a failed lookup leaves
// the previous state untouched.
func (e *Embedded) Recheck(ctx context.Context, entitlementID string) {
	if e.Source == nil {
		return
	}
	revoked, err := e.Source.IsRevoked(ctx, entitlementID)
	if err != nil {
		// Cannot reach the ledger. Keep the last known answer.
		return
	}
	if revoked {
		// Revocation is monotonic; the flag never clears.
		e.revoked.Store(true)
	}
	e.lastCheck.Store(time.Now().UTC())
}

// LastRecheck reports when the last successful online re-check happened.
func (e *Embedded) LastRecheck() time.Time {
	return e.lastCheck.Load()
}
