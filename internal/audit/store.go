// Package audit provides PostgreSQL-backed storage for content-gate
// hits. Gated queries are never written to conversation history; this
// store is where they land instead, for moderator review.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store manages flagged-query records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// FlaggedQuery is one recorded content-gate hit.
type FlaggedQuery struct {
	ID        int64
	UserID    string
	SessionID string
	Query     string
	CreatedAt time.Time
}

// Open connects to PostgreSQL, applies pending migrations, and returns
// the store.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Println("[audit] store ready")
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without migrating. Tests
// and callers that manage schema themselves use this.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// RecordFlagged inserts one content-gate hit.
func (s *Store) RecordFlagged(ctx context.Context, userID, sessionID, query string) error {
	const stmt = `
		INSERT INTO flagged_queries (user_id, session_id, query)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, stmt, userID, sessionID, query); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
