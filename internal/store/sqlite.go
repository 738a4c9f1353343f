// This file implements an SQLite-backed complaint archive.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddComplaint(ctx context.Context, r models.ComplaintRow) error {
	if r.ID == "" {
		return ErrEmptyComplaintID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO complaints (`+selectComplaintColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReceivedAt.UTC(), r.Sender, r.Text, nilIfEmpty(r.ImageURL), r.Category,
		r.Urgency, r.Department, nilIfEmpty(r.Summary), nilIfEmpty(r.Location), r.Source, string(r.Status),
	)
	if err != nil {
		slog.Error("SQLiteStore AddComplaint failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert complaint %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore AddComplaint succeeded", "id", r.ID, "source", r.Source)
	return nil
}

func (s *SQLiteStore) GetComplaints(ctx context.Context, limit int) ([]models.ComplaintRow, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectComplaintColumns+` FROM complaints ORDER BY received_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore GetComplaints query failed", "error", err)
		return nil, fmt.Errorf("failed to query complaints: %w", err)
	}
	defer rows.Close()
	return scanComplaints(rows)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
