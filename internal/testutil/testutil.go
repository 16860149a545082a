package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"glowbridge.app/cloud/handlers"
	"glowbridge.app/cloud/internal/config"
	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

// TestKeys creates an initialized key provider backed by a throwaway
// directory.
func TestKeys(t *testing.T) *keys.Provider {
	t.Helper()

	provider := keys.NewProvider(t.TempDir())
	if err := provider.Initialize(); err != nil {
		t.Fatalf("Failed to initialize key provider: %v", err)
	}
	return provider
}

// TestConfig returns a config with generous limits so rate limiting never
// interferes with unrelated tests.
func TestConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		DatabaseURL:         ":memory:",
		KeyDir:              "",
		StripeSecret:        "sk_test_123",
		StripeWebhookSecret: "whsec_test",
		SessionTTL:          30 * time.Minute,
		IssueLimit:          1000,
		ValidateLimit:       1000,
		SessionLimit:        1000,
	}
}

// NewTestServer wires a server on memory storage with fresh keys.
func NewTestServer(t *testing.T) (*handlers.Server, *storage.MemoryStorage, *keys.Provider) {
	t.Helper()

	store := storage.NewMemoryStorage()
	keyProvider := TestKeys(t)
	server := handlers.NewServer(TestConfig(), store, keyProvider)
	return server, store, keyProvider
}

// IssueTestEntitlement issues through the real issuer so tests hold
// properly signed tokens.
func IssueTestEntitlement(t *testing.T, server *handlers.Server, req license.GrantRequest) (*models.Entitlement, *models.SignedToken) {
	t.Helper()

	ent, token, err := server.Issuer.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to issue test entitlement: %v", err)
	}
	return ent, token
}

// GrantMonthly is the most common test grant.
func GrantMonthly(subject string) license.GrantRequest {
	return license.GrantRequest{
		Subject:   subject,
		ProductID: "glowbridge_pro",
		Plan:      models.PlanMonthly,
		Features:  []string{"pattern_upload"},
	}
}

// PostJSON sends a JSON request through the router and returns the
// recorder.
func PostJSON(t *testing.T, server *handlers.Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// GetJSON sends a GET through the router.
func GetJSON(t *testing.T, server *handlers.Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// Decode unmarshals a recorder body into out, failing the test on error.
func Decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()

	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}
