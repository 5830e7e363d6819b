// Command devstack runs a local auth and table backend for development.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smallsite/internal/config"
	"smallsite/internal/devstack"
	"smallsite/internal/observability"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateDevstack(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := devstack.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	if cfg.SeedCount > 0 {
		users, err := devstack.Seed(context.Background(), db, devstack.SeedOptions{Users: cfg.SeedCount, Anonymous: 1})
		if err != nil {
			log.Fatalf("Failed to seed: %v", err)
		}
		for _, u := range users {
			observability.GlobalLogger.Info("seeded user",
				slog.String("email", u.Email),
				slog.String("password", devstack.SeedPassword),
			)
		}
	}

	apiKey := cfg.SupabaseAnonKey
	if apiKey == "" {
		apiKey = "devstack-anon-key"
		observability.GlobalLogger.Warn("SUPABASE_ANON_KEY not set, using the development key",
			slog.String("apikey", apiKey),
		)
	}
	srv := devstack.New(db, devstack.Options{
		APIKey:      apiKey,
		JWTSecret:   cfg.JWTSecret,
		SiteURL:     cfg.SiteURL,
		AutoConfirm: !cfg.IsProduction(),
	})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Devstack shutdown error: %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	log.Printf("Devstack starting on port %s...", cfg.DevstackPort)
	if err := srv.Listen(":" + cfg.DevstackPort); err != nil {
		log.Fatal(err)
	}
}
