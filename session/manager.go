// Package session issues the short-lived credentials that anchor rate
// limiting. Sessions are distinct from entitlement tokens: minutes-scale,
// in-memory, and rotated on refresh rather than extended.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

const DefaultTTL = 30 * time.Minute

var (
	ErrUnknownSession = errors.New("unknown or expired session")
	ErrRevoked        = errors.New("entitlement revoked")
)

// Manager owns the session lifecycle exclusively.
type Manager struct {
	Storage storage.Storage
	Issuer  *license.Issuer
	TTL     time.Duration

	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewManager(st storage.Storage, issuer *license.Issuer, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		Storage:  st,
		Issuer:   issuer,
		TTL:      ttl,
		sessions: make(map[string]*models.Session),
	}
}

// Login resolves the subject's entitlement for the product, creating a
// default trial when none exists, and opens a session. The signed token is
// returned alongside so clients refresh their cached license file on login.
func (m *Manager) Login(ctx context.Context, subject, productID string) (*models.Session, *models.SignedToken, error) {
	if subject == "" || productID == "" {
		return nil, nil, fmt.Errorf("subject and product_id required")
	}

	ent, err := m.Storage.FindEntitlementBySubjectProduct(ctx, subject, productID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup entitlement: %w", err)
	}

	var token *models.SignedToken
	if ent == nil {
		ent, token, err = m.Issuer.Issue(ctx, license.GrantRequest{
			Subject:   subject,
			ProductID: productID,
			Plan:      models.PlanTrial,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("issue trial entitlement: %w", err)
		}
		logger.Info("Trial entitlement created at login", map[string]interface{}{
			"subject":        subject,
			"product_id":     productID,
			"entitlement_id": ent.ID,
		})
	} else {
		revoked, err := m.Storage.IsRevoked(ctx, ent.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, nil, ErrRevoked
		}
		token, err = m.Issuer.Token(ent, nil)
		if err != nil {
			return nil, nil, err
		}
	}

	sess := m.open(subject, ent.ID, 0)
	return sess, token, nil
}

// Refresh validates the old session and replaces it with a strictly new
// one. The old id stops working immediately; the underlying entitlement is
// re-checked against the ledger so repeated refreshes cannot outlive a
// revocation.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	old, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok || old.Expired(time.Now().UTC()) {
		return nil, ErrUnknownSession
	}

	revoked, err := m.Storage.IsRevoked(ctx, old.EntitlementID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	next := m.open(old.Subject, old.EntitlementID, old.RefreshCount+1)
	return next, nil
}

// Logout invalidates the session immediately. Unknown ids are a no-op.
func (m *Manager) Logout(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Get returns the live session or nil when expired/unknown. Expired
// sessions are reaped lazily here.
func (m *Manager) Get(sessionID string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if sess.Expired(time.Now().UTC()) {
		delete(m.sessions, sessionID)
		return nil
	}
	copy := *sess
	return &copy
}

// RevokeEntitlement drops every live session belonging to the entitlement, used
// when an entitlement is revoked mid-session.
func (m *Manager) RevokeEntitlement(entitlementID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, sess := range m.sessions {
		if sess.EntitlementID == entitlementID {
			delete(m.sessions, id)
			dropped++
		}
	}
	return dropped
}

func (m *Manager) open(subject, entitlementID string, refreshCount int) *models.Session {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:            uuid.Must(uuid.NewRandom()).String(),
		Subject:       subject,
		EntitlementID: entitlementID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.TTL),
		RefreshCount:  refreshCount,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	copy := *sess
	return &copy
}
