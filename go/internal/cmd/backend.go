package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/config"
	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/docstore/memory"
	"github.com/mcdev12/typeracer/go/internal/docstore/natskv"
	"github.com/mcdev12/typeracer/go/internal/docstore/postgres"
)

// setupBackend opens the shared room store selected by STORE_BACKEND.
func setupBackend(ctx context.Context, cfg config.Config) (docstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		kvCfg := natskv.DefaultConfig()
		kvCfg.URL = cfg.NATSURL
		kvCfg.Bucket = cfg.Bucket
		kvCfg.TTL = cfg.RoomTTL
		backend, err := natskv.Connect(ctx, kvCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS KV: %w", err)
		}
		return backend, nil

	case config.BackendPostgres:
		return setupPostgres(ctx, cfg.Database)

	default:
		log.Warn().Msg("using in-memory room store; rooms are not shared across server instances")
		return memory.New(), nil
	}
}

func setupPostgres(ctx context.Context, dbCfg config.DatabaseConfig) (docstore.Backend, error) {
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.DatabaseURL = dbCfg.DSN()
	backend, err := postgres.Connect(db, pgCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("database", dbCfg.String()).Msg("connected to database")
	return &postgresBackend{Backend: backend, db: db}, nil
}

// postgresBackend also closes the pool the listener backend borrows.
type postgresBackend struct {
	*postgres.Backend
	db *sql.DB
}

func (b *postgresBackend) Close() error {
	err := b.Backend.Close()
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	return err
}
