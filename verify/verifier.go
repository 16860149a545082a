// Package verify implements the validation protocol shared by the server,
// the desktop client, and the embedded client. The checks always run in the
// same order — signature, expiry, revocation, device binding — and
// short-circuit on the first failure, reporting a tagged kind rather than a
// bare boolean so callers can branch on the reason.
package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

// DefaultClockSkew is the tolerance applied to expiry checks on clients
// without reliable network time.
const DefaultClockSkew = 60 * time.Second

// Result is the outcome of a validation run.
type Result struct {
	Valid   bool        `json:"valid"`
	Code    models.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func valid() Result {
	return Result{Valid: true}
}

func fail(code models.Code, message string) Result {
	return Result{Valid: false, Code: code, Message: message}
}

// RevocationChecker is the point-lookup half of the revocation ledger.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, entitlementID string) (bool, error)
}

// DeviceBinder is the registry operation the device-binding step needs.
// Activation is first-use-binds: presenting an unbound device id claims a
// slot if one is free.
type DeviceBinder interface {
	BindDevice(ctx context.Context, entitlementID, deviceID, deviceName string, maxDevices int) (*models.Device, error)
}

// Options carries the validation context. Nil Ledger skips the revocation
// step, nil Registry or empty DeviceID skips device binding; constrained
// clients use those degraded modes deliberately.
type Options struct {
	Now        time.Time
	ClockSkew  time.Duration
	Ledger     RevocationChecker
	Registry   DeviceBinder
	DeviceID   string
	DeviceName string
}

// Token runs the protocol against a signed token using the given public
// key. The returned error is infrastructure failure (ledger or registry
// unreachable), never a verification verdict.
func Token(ctx context.Context, tok *models.SignedToken, pub *ecdsa.PublicKey, opts Options) (Result, error) {
	if tok == nil {
		return fail(models.CodeMalformedPayload, "missing token"), nil
	}
	if tok.FormatVersion != models.TokenFormatVersion {
		return fail(models.CodeMalformedPayload, "unsupported token format version"), nil
	}
	if pub == nil {
		return fail(models.CodeInvalidSignature, "no public key for token"), nil
	}

	// Step 1: signature over the exact canonical payload bytes.
	if r := CheckSignature(tok, pub); !r.Valid {
		return r, nil
	}

	// Step 2: expiry with bounded skew tolerance.
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if r := CheckExpiry(tok.License.ExpiresAt, now, opts.ClockSkew); !r.Valid {
		return r, nil
	}

	// Step 3: revocation ledger, when reachable.
	if opts.Ledger != nil {
		revoked, err := opts.Ledger.IsRevoked(ctx, tok.License.LicenseID)
		if err != nil {
			return Result{}, err
		}
		if revoked {
			return fail(models.CodeRevoked, "entitlement has been revoked"), nil
		}
	}

	// Step 4: device binding, server and desktop only.
	if opts.Registry != nil && opts.DeviceID != "" {
		_, err := opts.Registry.BindDevice(ctx, tok.License.LicenseID, opts.DeviceID, opts.DeviceName, tok.License.MaxDevices)
		switch {
		case errors.Is(err, storage.ErrDeviceLimit):
			return fail(models.CodeDeviceLimitExceeded, "device limit reached for this entitlement"), nil
		case errors.Is(err, storage.ErrDeviceBoundElsewhere):
			return fail(models.CodeDeviceNotBound, "device is bound to another entitlement"), nil
		case err != nil:
			return Result{}, err
		}
	}

	return valid(), nil
}

// CheckSignature verifies the token signature over the canonical payload
// bytes. Any byte change in the payload fails here.
func CheckSignature(tok *models.SignedToken, pub *ecdsa.PublicKey) Result {
	canonical, err := license.CanonicalPayload(tok.License)
	if err != nil {
		return fail(models.CodeMalformedPayload, "payload cannot be canonicalized")
	}
	sig, err := base64.StdEncoding.DecodeString(tok.Signature)
	if err != nil {
		return fail(models.CodeMalformedPayload, "signature is not valid base64")
	}
	digest := sha256.Sum256(canonical)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fail(models.CodeInvalidSignature, "signature verification failed")
	}
	return valid()
}

// CheckExpiry applies the expiry rule: a nil expiry never expires, anything
// else must be in the future relative to now minus the skew tolerance.
func CheckExpiry(expiresAt *time.Time, now time.Time, skew time.Duration) Result {
	if expiresAt == nil {
		return valid()
	}
	if expiresAt.Add(skew).Before(now) {
		return fail(models.CodeExpired, "entitlement has expired")
	}
	return valid()
}
