package handlers_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"glowbridge.app/cloud/handlers"
	"glowbridge.app/cloud/internal/testutil"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

func tightLimitServer(t *testing.T, validateLimit int) *handlers.Server {
	t.Helper()
	cfg := testutil.TestConfig()
	cfg.ValidateLimit = validateLimit
	cfg.SessionLimit = validateLimit
	return handlers.NewServer(cfg, storage.NewMemoryStorage(), testutil.TestKeys(t))
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	server := tightLimitServer(t, 2)
	_, token := testutil.IssueTestEntitlement(t, server, testutil.GrantMonthly("user@example.com"))

	for i := 0; i < 2; i++ {
		w := testutil.PostJSON(t, server, "/api/v1/licenses/validate", handlers.ValidateRequest{Token: token})
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d should pass, got %d", i+1, w.Code)
		}
	}

	w := testutil.PostJSON(t, server, "/api/v1/licenses/validate", handlers.ValidateRequest{Token: token})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}

	retryHeader := w.Header().Get("Retry-After")
	if retryHeader == "" {
		t.Fatal("429 must carry a Retry-After header")
	}
	seconds, err := strconv.Atoi(retryHeader)
	if err != nil || seconds <= 0 || seconds > 61 {
		t.Errorf("Retry-After should be a positive number of seconds within the window, got %q", retryHeader)
	}

	var resp struct {
		Code              models.Code `json:"code"`
		RetryAfterSeconds int         `json:"retry_after_seconds"`
	}
	testutil.Decode(t, w, &resp)
	if resp.Code != models.CodeRateLimited {
		t.Errorf("Expected rate_limited code, got %s", resp.Code)
	}
	if resp.RetryAfterSeconds != seconds {
		t.Errorf("Body hint %d should match the header %d", resp.RetryAfterSeconds, seconds)
	}
}

func TestRateLimitClassesAreIndependent(t *testing.T) {
	cfg := testutil.TestConfig()
	cfg.ValidateLimit = 1
	cfg.IssueLimit = 1000
	server := handlers.NewServer(cfg, storage.NewMemoryStorage(), testutil.TestKeys(t))
	_, token := testutil.IssueTestEntitlement(t, server, testutil.GrantMonthly("user@example.com"))

	if w := testutil.PostJSON(t, server, "/api/v1/licenses/validate", handlers.ValidateRequest{Token: token}); w.Code != http.StatusOK {
		t.Fatalf("First validate should pass, got %d", w.Code)
	}
	if w := testutil.PostJSON(t, server, "/api/v1/licenses/validate", handlers.ValidateRequest{Token: token}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("Second validate should be limited, got %d", w.Code)
	}

	// The issue class still has budget.
	w := testutil.PostJSON(t, server, "/api/v1/licenses/issue", map[string]interface{}{
		"subject":    "other@example.com",
		"product_id": "glowbridge_pro",
		"plan":       "monthly",
	})
	if w.Code != http.StatusCreated {
		t.Errorf("Issue class should be unaffected, got %d", w.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	server := tightLimitServer(t, 2)

	var lastCode int
	for i := 0; i < 3; i++ {
		w := testutil.PostJSON(t, server, "/api/v1/sessions/login", handlers.LoginRequest{
			Subject:   "hammer@example.com",
			ProductID: "glowbridge_pro",
		})
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("Expected the third login to be limited, got %d", lastCode)
	}
}

func TestHealthVersionTimestamp(t *testing.T) {
	server, _, _ := testutil.NewTestServer(t)

	before := time.Now().UTC().Add(-time.Second)
	w := testutil.GetJSON(t, server, "/health")
	var resp handlers.HealthResponse
	testutil.Decode(t, w, &resp)
	if resp.Timestamp.Before(before) {
		t.Errorf("Timestamp should be current, got %v", resp.Timestamp)
	}
}
