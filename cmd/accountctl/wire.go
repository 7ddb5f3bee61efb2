package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/crypto"
	"github.com/onnwee/lol-autostream/db"
	"github.com/onnwee/lol-autostream/riotapi"
)

type app struct {
	cfg      *config.Config
	enc      crypto.Encryptor
	backend  *db.Backend
	repo     *accounts.Repository
	resolver *riotapi.Client
	now      func() time.Time
}

func (a *app) wire(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	enc, err := crypto.FromEnv()
	switch {
	case errors.Is(err, crypto.ErrNoKey):
	case err != nil:
		return fmt.Errorf("wire encryptor: %w", err)
	default:
		a.enc = enc
	}
	backend, err := db.OpenBackend(ctx, cfg, a.enc)
	if err != nil {
		return fmt.Errorf("wire store: %w", err)
	}

	resolver := riotapi.NewClient(cfg.RiotAPIKey)
	resolver.BaseURL = envOrDefault("RIOT_API_BASE_URL", riotapi.DefaultBaseURL)

	a.cfg = cfg
	a.backend = backend
	a.repo = accounts.NewRepository(backend.KV)
	a.resolver = resolver
	a.now = time.Now
	return nil
}

func (a *app) close() error {
	if a.backend == nil {
		return nil
	}
	err := a.backend.Close()
	a.backend = nil
	return err
}

// requirePostgres returns the SQL handle or explains why the command needs postgres.
func (a *app) requirePostgres() error {
	if a.backend.SQL == nil {
		return fmt.Errorf("this command needs STORE_BACKEND=postgres (current: %s)", a.backend.Name)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
