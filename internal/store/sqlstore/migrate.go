package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the embedded migration tree for one dialect.
func Migrations(dialect Dialect) (fs.FS, error) {
	sub, err := fs.Sub(migrationFiles, path.Join("migrations", dialect.Name))
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", dialect.Name, err)
	}
	return sub, nil
}

// ApplyMigrations runs every *.up.sql file not yet recorded in
// schema_migrations, in file name order, each inside its own transaction.
func ApplyMigrations(ctx context.Context, db *sqlx.DB, dialect Dialect) error {
	if err := ensureMigrationsTable(ctx, db, dialect); err != nil {
		return err
	}
	files, err := Migrations(dialect)
	if err != nil {
		return err
	}
	names, err := migrationNames(files, ".up.sql")
	if err != nil {
		return err
	}
	builder := sq.StatementBuilder.PlaceholderFormat(dialect.placeholder)

	for _, version := range names {
		if migrated, err := isMigrated(ctx, db, builder, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(files, version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", version, err)
		}
		query, args, err := builder.Insert("schema_migrations").Columns("version").Values(version).ToSql()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("build migration record %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}
	return nil
}

// RollbackMigrations runs every *.down.sql file in reverse order and clears
// the ledger. Used by tests and by operators resetting a scratch database.
func RollbackMigrations(ctx context.Context, db *sqlx.DB, dialect Dialect) error {
	files, err := Migrations(dialect)
	if err != nil {
		return err
	}
	names, err := migrationNames(files, ".down.sql")
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		contents, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		text := strings.TrimSpace(string(contents))
		if text == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, text); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return fmt.Errorf("clear schema_migrations: %w", err)
	}
	return nil
}

func migrationNames(files fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationsTable(ctx context.Context, db *sqlx.DB, dialect Dialect) error {
	if _, err := db.ExecContext(ctx, dialect.ledgerDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sqlx.DB, builder sq.StatementBuilderType, version string) (bool, error) {
	query, args, err := builder.Select("COUNT(*)").From("schema_migrations").Where(sq.Eq{"version": version}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build migration check %s: %w", version, err)
	}
	var count int
	if err := db.GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return count > 0, nil
}
