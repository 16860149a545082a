package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"glowbridge.app/cloud/handlers"
	"glowbridge.app/cloud/internal/config"
	"glowbridge.app/cloud/internal/logger"
	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              os.Getenv("SENTRY_DSN"),
		TracesSampleRate: 1.0,
	}); err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// The key provider is the only fatal dependency: without it the process
	// cannot serve signing at all.
	keyProvider := keys.NewProvider(cfg.KeyDir)
	if err := keyProvider.Initialize(); err != nil {
		log.Fatalf("key provider: %s", err)
	}

	server := handlers.NewServer(cfg, store, keyProvider)
	server.Version = version

	logger.Info("Glowbridge Cloud API starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
