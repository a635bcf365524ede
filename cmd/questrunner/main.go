// Command questrunner plays a participant: it joins the telemetry channel of
// a live session and reports positions replayed from an encoded route until
// the session ends.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/questly/questmonitor/internal/channel"
	"github.com/questly/questmonitor/internal/config"
	"github.com/questly/questmonitor/internal/geo"
	"github.com/questly/questmonitor/internal/quest"
	"github.com/questly/questmonitor/internal/socket"
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

	if cfg.SessionID <= 0 {
		return errors.New("SESSION_ID is required")
	}
	if err := socket.CheckToken(cfg.AccessToken, time.Now()); err != nil {
		return fmt.Errorf("checking ACCESS_TOKEN: %w", err)
	}
	if cfg.RoutePolyline == "" {
		return errors.New("ROUTE_POLYLINE is required")
	}
	route, err := geo.ParseRoute(nil, cfg.RoutePolyline)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := func(ev quest.Event) {
		logger.Info("session event", "event", ev.EventName())
		switch ev.(type) {
		case quest.SessionEnded, quest.SessionCancelled:
			cancel()
		}
	}
	onError := func(msg string) { logger.Warn("telemetry error", "message", msg) }

	telemetry, err := channel.DialTelemetry(ctx, channel.Config{
		BaseURL:           cfg.APIURL,
		Token:             func() string { return cfg.AccessToken },
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            logger,
	}, cfg.SessionID, quest.StatusInProgress, sink, onError)
	if err != nil {
		return fmt.Errorf("dialing telemetry: %w", err)
	}
	defer telemetry.Close()

	publisher := geo.New(geo.Options{
		Locator:  route,
		Sender:   telemetry,
		Interval: cfg.LocationInterval,
		Timeout:  cfg.LocationTimeout,
		Logger:   logger,
		OnError:  onError,
	})
	if err := publisher.Start(); err != nil {
		return fmt.Errorf("starting location publisher: %w", err)
	}
	defer publisher.Close()

	logger.Info("running session", "session_id", cfg.SessionID, "interval", cfg.LocationInterval)
	<-ctx.Done()

	if fix, ok := publisher.LastFix(); ok {
		logger.Info("stopped", "latitude", fix.Latitude, "longitude", fix.Longitude)
	}
	return nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	if cfg.LogFormat == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: cfg.LogLevel}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
}
