package verify

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"time"

	"go.uber.org/atomic"

	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/models"
)

// RevocationSource is the bulk half of the ledger, the CRL-style feed
// offline-capable clients diff by timestamp.
type RevocationSource interface {
	ListRevoked(ctx context.Context, since time.Time) ([]*models.RevocationRecord, error)
}

// Desktop is the offline-capable client verifier. Signature and expiry are
// checked locally on every call; revocation comes from a cached copy of the
// ledger refreshed on a background schedule. A failed refresh degrades to
// the last known good state until the plan's offline grace window elapses,
// after which validation fails closed instead of staying valid forever.
type Desktop struct {
	pub       *ecdsa.PublicKey
	ClockSkew time.Duration

	// DeviceID is the local machine fingerprint checked against a bound
	// chip_id in the token. Empty skips the check.
	DeviceID string

	Source       RevocationSource
	SyncInterval time.Duration

	mu        sync.Mutex
	revoked   map[string]bool
	sinceMark time.Time

	lastSync atomic.Time
}

// DefaultSyncInterval matches the historical desktop cache revalidation
// period.
const DefaultSyncInterval = 24 * time.Hour

func NewDesktop(publicKey string, source RevocationSource) (*Desktop, error) {
	pub, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Desktop{
		pub:          pub,
		ClockSkew:    DefaultClockSkew,
		Source:       source,
		SyncInterval: DefaultSyncInterval,
		revoked:      make(map[string]bool),
	}, nil
}

// Validate runs the local protocol against the cached ledger state.
func (d *Desktop) Validate(tok *models.SignedToken, now time.Time) Result {
	if tok == nil || tok.FormatVersion != models.TokenFormatVersion {
		return fail(models.CodeMalformedPayload, "unsupported token format version")
	}
	if r := CheckSignature(tok, d.pub); !r.Valid {
		return r
	}
	if r := CheckExpiry(tok.License.ExpiresAt, now, d.ClockSkew); !r.Valid {
		return r
	}

	// Device binding against the token's chip_id. A nil or wildcard chip_id
	// is an unbound license: first activation binds it server-side, locally
	// there is nothing to compare.
	if d.DeviceID != "" && tok.License.ChipID != nil {
		chip := *tok.License.ChipID
		if chip != "" && chip != "*" && chip != d.DeviceID {
			return fail(models.CodeDeviceNotBound, "license is bound to a different device")
		}
	}

	d.mu.Lock()
	isRevoked := d.revoked[tok.License.LicenseID]
	d.mu.Unlock()
	if isRevoked {
		return fail(models.CodeRevoked, "entitlement has been revoked")
	}

	// The cached ledger is only trustworthy within the grace window.
	last := d.lastSync.Load()
	grace := tok.License.Plan.OfflineGrace()
	if last.IsZero() || now.Sub(last) > grace {
		return fail(models.CodeRevalidationRequired, "offline grace window elapsed, online revalidation required")
	}

	return valid()
}

// Sync pulls the revocation feed increment and merges it into the cache.
// Entries are never removed; the ledger is monotone.
func (d *Desktop) Sync(ctx context.Context) error {
	d.mu.Lock()
	since := d.sinceMark
	d.mu.Unlock()

	records, err := d.Source.ListRevoked(ctx, since)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for _, rec := range records {
		d.revoked[rec.EntitlementID] = true
		if rec.RevokedAt.After(d.sinceMark) {
			d.sinceMark = rec.RevokedAt
		}
	}
	d.mu.Unlock()

	d.lastSync.Store(time.Now().UTC())
	return nil
}

// Run keeps the cache fresh on a background schedule until the context is
// cancelled. Sync failures are logged and retried on the next tick; they do
// not invalidate the cached state.
func (d *Desktop) Run(ctx context.Context) {
	// Prime the cache immediately so a fresh start is not in the degraded
	// state for a whole interval.
	if err := d.Sync(ctx); err != nil {
		logger.Warn("Initial revocation sync failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	ticker := time.NewTicker(d.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Sync(ctx); err != nil {
				logger.Warn("Revocation sync failed, keeping last known good state", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// LastSync reports when the ledger cache was last refreshed successfully.
func (d *Desktop) LastSync() time.Time {
	return d.lastSync.Load()
}
