package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// errClosed is returned by every operation on a closed Database.
var errClosed = fmt.Errorf("database connection is closed")

// Database manages the SQLite connection and schema migrations.
//
// Example:
//
//	database, err := db.NewDatabase("data/database.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	if err := database.Migrate(); err != nil {
//	    return err
//	}
type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// DatabaseConfig holds configuration for creating a Database.
type DatabaseConfig struct {
	// Path is the SQLite file path. The parent directory is created if needed.
	Path string

	// ConnectionConfig overrides the default connection settings (optional).
	ConnectionConfig *ConnectionConfig
}

// NewDatabase creates a Database with default connection settings.
func NewDatabase(path string) (*Database, error) {
	return NewDatabaseWithConfig(DatabaseConfig{Path: path})
}

// NewDatabaseWithConfig creates a Database, creating the parent directory of
// the database file when missing.
func NewDatabaseWithConfig(config DatabaseConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(config.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	connConfig := DefaultConnectionConfig(config.Path)
	if config.ConnectionConfig != nil {
		connConfig = *config.ConnectionConfig
		connConfig.Path = config.Path
	}

	conn, err := NewSQLiteConnection(connConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	return &Database{db: conn, path: config.Path}, nil
}

// Migrate applies all pending embedded migrations.
func (d *Database) Migrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := MigrateUpFromPath(d.path); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB (nil once closed).
func (d *Database) DB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the connection. It is safe to call more than once.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.db = nil
	return nil
}

// Ping verifies the connection is alive.
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return errClosed
	}
	return d.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (d *Database) Stats() sql.DBStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return sql.DBStats{}
	}
	return d.db.Stats()
}

// ExecContext executes a statement without returning rows.
func (d *Database) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, errClosed
	}
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (d *Database) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, errClosed
	}
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query expected to return at most one row.
// On a closed database the returned row's Scan reports errClosed.
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...interface{}) RowScanner {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return errRow{err: errClosed}
	}
	return d.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (d *Database) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.RLock()
	conn := d.db
	d.mu.RUnlock()

	if conn == nil {
		return errClosed
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RowScanner is satisfied by *sql.Row.
type RowScanner interface {
	Scan(dest ...interface{}) error
}

type errRow struct{ err error }

func (r errRow) Scan(...interface{}) error { return r.err }
