package kvstore

import (
	"context"
	"database/sql"
	"fmt"

	"arcstore/internal/kvstore/migrations"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// NewPostgresKV connects to PostgreSQL and migrates the kv table.
func NewPostgresKV(ctx context.Context, dsn string) (*SQLKV, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := migrations.MigratePostgres(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresKVFromDB(db), nil
}

// NewPostgresKVFromDB wraps an existing, already migrated connection.
func NewPostgresKVFromDB(db *sql.DB) *SQLKV {
	return &SQLKV{db: db, dialect: postgresDialect}
}
