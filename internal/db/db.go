// Package db implements the Local Store on SQLite.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/possync/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "possync.db"

// DB wraps the sql.DB with the Local Store configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the device database in dataDir and applies
// pending schema migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so the scheduler and UI writes queue instead of failing
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "create data directory", err)
	}
	path := filepath.Join(dataDir, FileName)

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	m := NewMigrator(db.DB, Migrations)
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a private in-memory database with the schema applied.
func OpenMemory() (*DB, error) {
	db, err := openSQLite(":memory:")
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(db.DB, Migrations).Up(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openSQLite(path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open database", err)
	}

	// SQLite doesn't support multiple writers; one connection also keeps
	// :memory: databases alive for the lifetime of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "configure database", err)
		}
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
