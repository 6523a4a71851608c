// Package sqlstore implements store.CopyStore on a relational database. The
// same code runs on PostgreSQL (pgx) and SQLite (modernc); the dialect only
// picks the driver, the placeholder style and the migration set.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type Dialect struct {
	Name        string
	driver      string
	placeholder sq.PlaceholderFormat
	ledgerDDL   string
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		driver:      "pgx",
		placeholder: sq.Dollar,
		ledgerDDL: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`,
	}
	SQLite = Dialect{
		Name:        "sqlite",
		driver:      "sqlite",
		placeholder: sq.Question,
		ledgerDDL: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`,
	}
)

// DialectFor maps a configured store name to its dialect.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

func Open(ctx context.Context, dialect Dialect, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(dialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	if dialect.Name == SQLite.Name {
		// One writer at a time; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma busy_timeout: %w", err)
		}
	} else {
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
