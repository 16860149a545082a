package handlers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"glowbridge.app/cloud/internal/config"
	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/internal/ratelimit"
	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/license"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/session"
	"glowbridge.app/cloud/storage"
	"glowbridge.app/cloud/verify"
)

type Server struct {
	Router   chi.Router
	Storage  storage.Storage
	Keys     *keys.Provider
	Issuer   *license.Issuer
	Verifier *verify.Service
	Sessions *session.Manager

	Version string

	webhookSecret string
	limits        map[string]ratelimit.RateLimit
}

func NewServer(cfg *config.Config, st storage.Storage, kp *keys.Provider) *Server {
	issuer := license.NewIssuer(st, kp)

	s := &Server{
		Storage:       st,
		Keys:          kp,
		Issuer:        issuer,
		Verifier:      verify.NewService(kp, st),
		Sessions:      session.NewManager(st, issuer, cfg.SessionTTL),
		webhookSecret: cfg.StripeWebhookSecret,
		limits: map[string]ratelimit.RateLimit{
			"issue":    ratelimit.New(cfg.IssueLimit, time.Minute),
			"validate": ratelimit.New(cfg.ValidateLimit, time.Minute),
			"session":  ratelimit.New(cfg.SessionLimit, time.Minute),
		},
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://glowbridge.app", "https://dashboard.glowbridge.app"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Stripe-Signature"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/public-key", s.PublicKey)

		r.With(s.limit("issue")).Post("/licenses/issue", s.IssueLicense)
		r.With(s.limit("validate")).Post("/licenses/validate", s.ValidateLicense)
		r.With(s.limit("validate")).Post("/licenses/activate", s.ActivateLicense)
		r.With(s.limit("validate")).Post("/licenses/deactivate", s.DeactivateLicense)
		r.Get("/licenses/{id}/devices", s.ListDevices)
		r.With(s.limit("issue")).Post("/licenses/revoke", s.RevokeLicense)
		r.Get("/revocations", s.ListRevocations)

		r.With(s.limit("session")).Post("/sessions/login", s.Login)
		r.With(s.limit("session")).Post("/sessions/refresh", s.RefreshSession)
		r.Post("/sessions/logout", s.Logout)

		r.Post("/webhooks/stripe", s.Stripe)
	})

	s.Router = r
	return s
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
	})
}

// limit is the per-origin sliding-window guard for one operation class.
// Subject-level limiting happens inside handlers once the body is decoded.
func (s *Server) limit(class string) func(http.Handler) http.Handler {
	limiter := s.limits[class]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := limiter.Allow(class + ":" + clientAddr(r))
			if !decision.Allowed {
				writeRateLimited(w, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowSubject applies the same class limit keyed by subject instead of
// origin. Used where the subject is known after decoding.
func (s *Server) allowSubject(class, subject string, w http.ResponseWriter) bool {
	decision := s.limits[class].Allow(class + ":subject:" + subject)
	if !decision.Allowed {
		writeRateLimited(w, decision)
		return false
	}
	return true
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, decision ratelimit.Decision) {
	retry := int(decision.RetryAfter.Seconds()) + 1
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":               "rate limit exceeded",
		"code":                models.CodeRateLimited,
		"retry_after_seconds": retry,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, code models.Code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
