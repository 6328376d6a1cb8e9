package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/config"
)

//go:embed schema.sql
var schemaSQL string

type Database struct {
	Pool   *pgxpool.Pool
	Schema string
}

// New connects to PostgreSQL with every pooled connection pinned to the
// configured schema.
func New(ctx context.Context, cfg *config.DatabaseConfig, log logrus.FieldLogger) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema + ", public"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"db":     cfg.DBName,
		"schema": cfg.Schema,
	}).Info("connected to PostgreSQL")

	return &Database{
		Pool:   pool,
		Schema: cfg.Schema,
	}, nil
}

// EnsureSchema creates the schema and applies the embedded DDL. Every
// statement is idempotent.
func (d *Database) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", d.Schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := d.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}
