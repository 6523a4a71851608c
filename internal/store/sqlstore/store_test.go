package sqlstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"copydesk/api/internal/store"
	"copydesk/api/internal/store/storetest"
)

func TestStoreContractSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CopyStore {
		db := openSQLite(t)
		if err := ApplyMigrations(context.Background(), db, SQLite); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		return New(db, SQLite)
	})
}

func TestStoreContractPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("COPYDESK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("COPYDESK_TEST_DATABASE_URL is not set")
	}

	storetest.Run(t, func(t *testing.T) store.CopyStore {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		db, err := Open(ctx, Postgres, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if err := resetPublicSchema(ctx, db); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		if err := ApplyMigrations(ctx, db, Postgres); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		return New(db, Postgres)
	})
}

func TestClosedDatabaseReportsUnavailable(t *testing.T) {
	db := openSQLite(t)
	if err := ApplyMigrations(context.Background(), db, SQLite); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := New(db, SQLite)
	_ = db.Close()

	_, err := s.FindMany(context.Background(), store.Filter{})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ping to report ErrUnavailable, got %v", err)
	}
}

func TestWhereClauseBuildsDialectPlaceholders(t *testing.T) {
	filter := store.Filter{Slug: store.String("button.save"), Language: store.String("en"), Ungrouped: true}

	pg := New(nil, Postgres)
	text, args, err := pg.builder.Select("id").From(copiesTable).Where(whereClause(filter)).ToSql()
	if err != nil {
		t.Fatalf("ToSql() error = %v", err)
	}
	if !strings.Contains(text, "slug = $1") || !strings.Contains(text, "language = $2") || !strings.Contains(text, "translation_group_id IS NULL") {
		t.Fatalf("unexpected postgres query: %s", text)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}

	lite := New(nil, SQLite)
	text, _, err = lite.builder.Select("id").From(copiesTable).Where(whereClause(filter)).ToSql()
	if err != nil {
		t.Fatalf("ToSql() error = %v", err)
	}
	if !strings.Contains(text, "slug = ?") {
		t.Fatalf("unexpected sqlite query: %s", text)
	}
}

func TestDialectFor(t *testing.T) {
	if d, err := DialectFor("postgres"); err != nil || d.Name != "postgres" {
		t.Fatalf("DialectFor(postgres) = %v, %v", d.Name, err)
	}
	if d, err := DialectFor("sqlite"); err != nil || d.Name != "sqlite" {
		t.Fatalf("DialectFor(sqlite) = %v, %v", d.Name, err)
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Fatal("expected unknown dialect error")
	}
}
