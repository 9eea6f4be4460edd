// Package persistence implements the agent and task repositories on SQLite
// (modernc.org/sqlite, no cgo). Both repositories share one Store.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store owns the database handle shared by the repositories.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error

	initOnce sync.Once
	initErr  error
}

// NewSQLiteStore opens (creating if needed) a SQLite database at dbPath.
// Creates parent directories if needed. Enables WAL mode, foreign keys and a
// busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory database. Each call gets its
// own database, so tests do not observe each other.
func NewMemoryStore(ctx context.Context) (*Store, error) {
	connStr := fmt.Sprintf("file:memdb-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.New().String())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway, and an in-memory
	// database lives only as long as a connection to it stays open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the schema. Safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.initSchema(ctx); err != nil {
			s.initErr = fmt.Errorf("failed to initialize schema: %w", err)
		}
	})
	return s.initErr
}

// Close closes the database. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Agents returns the agent repository backed by this store.
func (s *Store) Agents() *AgentRepository {
	return &AgentRepository{store: s}
}

// Tasks returns the task repository backed by this store.
func (s *Store) Tasks() *TaskRepository {
	return &TaskRepository{store: s}
}

type scanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
