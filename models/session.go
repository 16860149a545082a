package models

import "time"

// Session is a short-lived credential derived from a valid entitlement.
// Refresh creates a new session, it never extends an existing one.
type Session struct {
	ID            string    `json:"session_id"`
	Subject       string    `json:"subject"`
	EntitlementID string    `json:"entitlement_id"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	RefreshCount  int       `json:"refresh_count"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
