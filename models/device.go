package models

import "time"

// Device binds a hardware or software identifier to exactly one entitlement.
type Device struct {
	DeviceID      string    `json:"device_id"`
	EntitlementID string    `json:"entitlement_id"`
	DeviceName    string    `json:"device_name"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// RevocationRecord is an append-only ledger entry. Presence is permanent;
// there is no delete.
type RevocationRecord struct {
	EntitlementID string    `json:"entitlement_id"`
	RevokedAt     time.Time `json:"revoked_at"`
	Reason        string    `json:"reason"`
}
