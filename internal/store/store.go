// Package store provides storage backends for ComplaintPipe's complaint archive.
//
// The archive keeps a copy of every row appended to the spreadsheet so the
// /complaints endpoint can serve recent complaints. Pairing and deduplication
// state is deliberately not stored here; it lives in process memory.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// DefaultListLimit is used when GetComplaints is called with a non-positive limit.
const DefaultListLimit = 100

// ErrEmptyComplaintID is returned when a row without an id is stored.
var ErrEmptyComplaintID = errors.New("complaint id cannot be empty")

// Store defines the complaint archive.
type Store interface {
	// AddComplaint stores one complaint row.
	AddComplaint(ctx context.Context, row models.ComplaintRow) error
	// GetComplaints returns up to limit rows, most recent first.
	GetComplaints(ctx context.Context, limit int) ([]models.ComplaintRow, error)
	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store matching dsn. An empty dsn selects the in-memory store.
func New(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// InMemoryStore is a simple in-memory complaint archive.
type InMemoryStore struct {
	mu         sync.RWMutex
	complaints []models.ComplaintRow
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AddComplaint(ctx context.Context, row models.ComplaintRow) error {
	if row.ID == "" {
		return ErrEmptyComplaintID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complaints = append(s.complaints, row)
	return nil
}

func (s *InMemoryStore) GetComplaints(ctx context.Context, limit int) ([]models.ComplaintRow, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ComplaintRow, 0, min(limit, len(s.complaints)))
	for i := len(s.complaints) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.complaints[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// ArchiveWriter exposes a Store as a row sink next to the spreadsheet.
type ArchiveWriter struct {
	store Store
}

// NewArchiveWriter wraps st.
func NewArchiveWriter(st Store) *ArchiveWriter {
	return &ArchiveWriter{store: st}
}

// Name identifies the sink in logs and metrics.
func (w *ArchiveWriter) Name() string {
	return "archive"
}

// AppendRow stores row in the archive.
func (w *ArchiveWriter) AppendRow(ctx context.Context, row models.ComplaintRow) error {
	return w.store.AddComplaint(ctx, row)
}
