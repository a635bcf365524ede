package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/questly/questmonitor/internal/api"
	"github.com/questly/questmonitor/internal/channel"
	"github.com/questly/questmonitor/internal/config"
	"github.com/questly/questmonitor/internal/database"
	"github.com/questly/questmonitor/internal/handler/health"
	"github.com/questly/questmonitor/internal/migrations"
	"github.com/questly/questmonitor/internal/monitor"
	"github.com/questly/questmonitor/internal/server"
	"github.com/questly/questmonitor/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(stdout, cfg)

	// --- SQLite ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath)

	checks := map[string]health.Checker{
		"sqlite": dbChecker{db},
	}

	// --- Redis (optional) ---
	var notifier storage.Notifier
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis")

		notifier = storage.NewRedis(rdb, "", logger)
		checks["redis"] = redisChecker{rdb}
	}

	// --- Auth ---
	store := storage.New(db, notifier, logger)
	defer store.Close()

	if cfg.AccessToken != "" {
		if err := store.SetAccessToken(ctx, cfg.AccessToken); err != nil {
			return fmt.Errorf("storing access token: %w", err)
		}
	}

	auth := storage.NewAuth(store, logger)
	defer auth.Close()
	if err := auth.Load(ctx); err != nil {
		return fmt.Errorf("loading auth: %w", err)
	}
	if auth.Token() == "" {
		logger.Warn("no access token stored, backend calls will be rejected until one is set")
	}

	client := api.New(cfg.APIURL, auth.Token,
		api.WithLogger(logger),
		api.WithUnauthorizedHook(func() {
			logger.Warn("access token rejected, signing out")
			if err := auth.Invalidate(context.Background()); err != nil {
				logger.Error("clearing auth", "error", err)
			}
		}),
	)
	checks["api"] = health.CheckFunc(func(ctx context.Context) error {
		_, err := client.ServerTime(ctx)
		return err
	})

	// --- Monitors ---
	broker := server.NewBroker()
	channels := monitor.SocketChannels{Config: channel.Config{
		BaseURL:           cfg.APIURL,
		Token:             auth.Token,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            logger,
	}}
	monitors := monitor.NewRegistry(func(id int64) *monitor.Monitor {
		return monitor.New(monitor.Options{
			SessionID:   id,
			Backend:     client,
			Channels:    channels,
			Logger:      logger,
			ResyncAfter: cfg.ResyncAfter,
			PublicURL:   cfg.PublicURL,
			Publish:     broker.Publish,
		})
	})
	defer monitors.Close()

	resume(ctx, logger, store, monitors, cfg.SessionIDs)

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, server.Deps{
		Monitors:     monitors,
		Broker:       broker,
		Store:        store,
		Checks:       checks,
		PasswordHash: cfg.DashboardPasswordHash,
		CORSOrigins:  cfg.CORSOrigins,
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}

// resume starts monitors for the configured sessions and for every session
// remembered from an earlier run. A session that fails to load is logged and
// skipped.
func resume(ctx context.Context, logger *slog.Logger, store *storage.Store, monitors *monitor.Registry, configured []int64) {
	ids := append([]int64(nil), configured...)
	stored, err := store.MonitoredSessions(ctx)
	if err != nil {
		logger.Error("reading monitored sessions", "error", err)
	}
	ids = append(ids, stored...)

	var g errgroup.Group
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := monitors.Get(ctx, id); err != nil {
				logger.Error("resuming session", "session_id", id, "error", err)
				return nil
			}
			if err := store.AddMonitoredSession(ctx, id); err != nil {
				logger.Error("remembering session", "session_id", id, "error", err)
			}
			logger.Info("monitoring session", "session_id", id)
			return nil
		})
	}
	_ = g.Wait()
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	if cfg.LogFormat == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: cfg.LogLevel}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// dbChecker adapts *sql.DB to health.Checker.
type dbChecker struct{ db *sql.DB }

func (d dbChecker) Check(ctx context.Context) error { return d.db.PingContext(ctx) }

// redisChecker adapts *redis.Client to health.Checker.
type redisChecker struct{ client *redis.Client }

func (r redisChecker) Check(ctx context.Context) error { return r.client.Ping(ctx).Err() }
