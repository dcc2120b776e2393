// Package db handles task persistence for gza
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"
)

var (
	// ErrTaskNotFound is returned when no task matches the requested id
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a terminal task is asked to move again
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidPrompt is returned when a prompt is outside the accepted length
	ErrInvalidPrompt = errors.New("invalid prompt")
)

const (
	MinPromptLength = 10
	MaxPromptLength = 10000
)

// Store manages database operations
type Store struct {
	DB     *sql.DB
	path   string
	logger *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens the SQLite database at path, creating parent directories,
// and migrates the schema to the latest version.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{DB: db, path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}
