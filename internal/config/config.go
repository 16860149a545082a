package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Port string

	DatabaseURL string
	KeyDir      string

	StripeSecret        string
	StripeWebhookSecret string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SessionTTL time.Duration

	// Requests per minute per key for each operation class.
	IssueLimit    int
	ValidateLimit int
	SessionLimit  int
}

// New reads the environment. Required variables are reported together
// rather than one at a time.
func New() (*Config, error) {
	var problems *multierror.Error

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		problems = multierror.Append(problems, errors.New("DATABASE_URL environment variable is required"))
	}

	keyDir := os.Getenv("KEY_DIR")
	if keyDir == "" {
		problems = multierror.Append(problems, errors.New("KEY_DIR environment variable is required"))
	}

	stripeSecret := os.Getenv("STRIPE_SECRET_KEY")
	if stripeSecret == "" {
		problems = multierror.Append(problems, errors.New("STRIPE_SECRET_KEY environment variable is required"))
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		problems = multierror.Append(problems, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
	}

	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "licenses@glowbridge.app"
	}

	if err := problems.ErrorOrNil(); err != nil {
		return nil, err
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		KeyDir:              keyDir,
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            os.Getenv("SMTP_PORT"),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		EmailFrom:           emailFrom,
		SessionTTL:          durationEnv("SESSION_TTL", 30*time.Minute),
		IssueLimit:          intEnv("RATE_LIMIT_ISSUE", 10),
		ValidateLimit:       intEnv("RATE_LIMIT_VALIDATE", 60),
		SessionLimit:        intEnv("RATE_LIMIT_SESSION", 30),
	}, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
