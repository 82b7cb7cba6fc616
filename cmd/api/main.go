package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptsync/api/internal/app"
	"scriptsync/api/internal/config"
	"scriptsync/api/internal/lock"
	"scriptsync/api/internal/logging"
	"scriptsync/api/internal/presence"
	"scriptsync/api/internal/redisstore"
	"scriptsync/api/internal/store"
)

// backend is satisfied by both the SQL and the Redis store.
type backend interface {
	lock.Store
	presence.Store
	app.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	data, closer, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("backend unavailable", "store", cfg.Store, "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	locks := lock.NewManager(data, lock.WithTTL(cfg.LockTTL), lock.WithLogger(logger))
	tracker := presence.NewTracker(data,
		presence.WithHeartbeatInterval(cfg.HeartbeatInterval),
		presence.WithLogger(logger),
	)
	if cfg.LockSweepInterval > 0 {
		go locks.RunSweeper(ctx, cfg.LockSweepInterval)
	}

	service := app.New(cfg, locks, tracker, data)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("collaboration api listening", "addr", cfg.Addr, "store", cfg.Store, "lock_ttl", cfg.LockTTL.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, io.Closer, error) {
	if cfg.Store == config.StoreRedis {
		redisStore, err := redisstore.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis for locks and presence")
		return redisStore, redisStore, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	dialect := store.DialectOf(cfg.DatabaseURL)
	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("using sql for locks and presence", "dialect", string(dialect))
	return store.NewSQLStore(db, dialect), db, nil
}
