package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"copydesk/api/internal/app"
	"copydesk/api/internal/config"
	"copydesk/api/internal/consistency"
	"copydesk/api/internal/lock"
	"copydesk/api/internal/metrics"
	"copydesk/api/internal/search"
	"copydesk/api/internal/store"
	"copydesk/api/internal/store/mongostore"
	"copydesk/api/internal/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal("invalid log settings", "err", err)
	}
	ctx := context.Background()

	copies, closeStore, err := openStore(ctx, cfg, logger.With("component", "store"))
	if err != nil {
		logger.Fatal("copy store unavailable", "store", cfg.Store, "err", err)
	}
	defer closeStore()

	var locker consistency.Locker = consistency.NewLocalLocker()
	var lockHealth app.Pinger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocker, err := lock.NewRedisLocker(cfg.RedisURL, cfg.LockTTL.Duration)
		if err != nil {
			logger.Fatal("redis connection failed", "err", err)
		}
		defer redisLocker.Close()
		locker = redisLocker.WithLogger(logger.With("component", "lock"))
		lockHealth = redisLocker
		logger.Info("using redis for slug locks")
	} else {
		logger.Info("using in-process slug locks")
	}

	recorder := metrics.New()
	engine := consistency.New(copies,
		consistency.WithLocker(locker),
		consistency.WithObserver(recorder),
		consistency.WithLogger(logger.With("component", "engine")),
		consistency.WithWriteAttempts(cfg.WriteAttempts),
		consistency.WithCascadeTimeout(cfg.CascadeTimeout.Duration),
	)

	searchLogger := logger.With("component", "search")
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, searchLogger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewStoreSearcher(copies), searchLogger, recorder)
	if err := searchService.Reindex(ctx, copies); err != nil {
		logger.Warn("search reindex failed (will retry on next restart)", "err", err)
	}

	service := app.New(cfg, engine, copies, searchService, logger.With("component", "service"))
	if lockHealth != nil {
		service.WithLockHealth(lockHealth)
	}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.With("component", "http"), recorder)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.CascadeTimeout.Duration + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("copydesk API listening", "addr", cfg.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	searchService.Flush()
}

func newLogger(cfg config.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	formatter := log.TextFormatter
	switch cfg.LogFormat {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	}), nil
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.CopyStore, func(), error) {
	switch cfg.Store {
	case config.StoreMongo:
		mongoStore, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return mongoStore, func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				logger.Warn("close mongo", "err", err)
			}
		}, nil

	case config.StorePostgres, config.StoreSQLite:
		dialect, err := sqlstore.DialectFor(cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		dsn := cfg.DatabaseURL
		if dialect.Name == sqlstore.SQLite.Name {
			dsn = cfg.SQLitePath
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := sqlstore.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlstore.ApplyMigrations(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("migrations applied", "dialect", dialect.Name)
		return sqlstore.New(db, dialect), func() { _ = db.Close() }, nil

	default:
		logger.Warn("using in-memory copy store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}
