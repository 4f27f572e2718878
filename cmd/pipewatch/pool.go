package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/pipewatch/internal/config"
	"github.com/alecgard/pipewatch/internal/credential"
	"github.com/alecgard/pipewatch/internal/crypto"
)

// openDatabase connects and pings Postgres.
func openDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// loadCredentials rebuilds the in-memory pool from the credentials table
// and returns a write-through service on top of it.
func loadCredentials(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (*credential.Service, error) {
	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	store := credential.NewStore(db, cipher)
	creds, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	pool := credential.NewPool(creds, credential.Options{
		CostPerUse:   cfg.Credentials.CostPerUse,
		SecretLength: cfg.Credentials.SecretLength,
		LeaseTTL:     cfg.Credentials.LeaseTTL,
	})
	return credential.NewService(pool, store), nil
}
