// This file implements a PostgreSQL-backed complaint archive.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddComplaint(ctx context.Context, r models.ComplaintRow) error {
	if r.ID == "" {
		return ErrEmptyComplaintID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO complaints (`+selectComplaintColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.ReceivedAt.UTC(), r.Sender, r.Text, nilIfEmpty(r.ImageURL), r.Category,
		r.Urgency, r.Department, nilIfEmpty(r.Summary), nilIfEmpty(r.Location), r.Source, string(r.Status),
	)
	if err != nil {
		slog.Error("PostgresStore AddComplaint failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert complaint %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore AddComplaint succeeded", "id", r.ID, "source", r.Source)
	return nil
}

func (s *PostgresStore) GetComplaints(ctx context.Context, limit int) ([]models.ComplaintRow, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectComplaintColumns+` FROM complaints ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore GetComplaints query failed", "error", err)
		return nil, fmt.Errorf("failed to query complaints: %w", err)
	}
	defer rows.Close()
	return scanComplaints(rows)
}

// Close closes the underlying database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
