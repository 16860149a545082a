package models

import "time"

// TokenFormatVersion identifies the license file layout. Bump only for
// incompatible changes; verification rejects unknown versions.
const TokenFormatVersion = "1.0"

// PayloadVersion is the major version of the signed payload itself and is
// what app-compatibility checks compare against.
const PayloadVersion = 1

// LicensePayload is the canonical set of entitlement fields exposed to
// clients. Its sorted-key JSON serialization is the exact byte sequence the
// key provider signs, so field names here are load-bearing.
type LicensePayload struct {
	LicenseID  string     `json:"license_id"`
	ProductID  string     `json:"product_id"`
	Plan       Plan       `json:"plan"`
	ChipID     *string    `json:"chip_id"`
	IssuedTo   string     `json:"issued_to"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Features   []string   `json:"features"`
	Version    int        `json:"version"`
	MaxDevices int        `json:"max_devices"`
}

// SignedToken is the tamper-evident artifact a client holds. Any byte change
// in the payload invalidates the signature.
type SignedToken struct {
	License       LicensePayload `json:"license"`
	Signature     string         `json:"signature"`
	PublicKey     string         `json:"public_key"`
	KeyID         string         `json:"key_id"`
	FormatVersion string         `json:"format_version"`
}
