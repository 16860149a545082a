package models

// Code is a machine-readable failure kind. Clients branch on these, so
// handlers never collapse them into a generic error string.
type Code string

const (
	CodeInvalidSignature    Code = "invalid_signature"
	CodeExpired             Code = "expired"
	CodeRevoked             Code = "revoked"
	CodeDeviceNotBound      Code = "device_not_bound"
	CodeDeviceLimitExceeded Code = "device_limit_exceeded"
	CodeRateLimited         Code = "rate_limited"
	CodeMalformedPayload    Code = "malformed_payload"
	CodeKeyUnavailable      Code = "key_unavailable"

	// CodeRevalidationRequired is client-side only: the offline grace window
	// elapsed without a revocation re-sync, so cached validation fails closed.
	CodeRevalidationRequired Code = "revalidation_required"
)
