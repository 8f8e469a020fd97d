package kvstore

import (
	"database/sql"
	"fmt"

	"arcstore/internal/kvstore/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// NewSQLiteKV opens (creating if needed) a SQLite engine and migrates it.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteKV(path string) (*SQLKV, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLKV{db: db, dialect: sqliteDialect}, nil
}

// OpenSQLite opens and configures a SQLite connection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}
