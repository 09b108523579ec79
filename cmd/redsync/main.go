package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redsync/redsync/pkg/auth"
	"github.com/redsync/redsync/pkg/log"
	"github.com/redsync/redsync/pkg/poller"
	"github.com/redsync/redsync/pkg/redenergy"
	"github.com/redsync/redsync/pkg/server"
	"github.com/redsync/redsync/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	s := storage.Configured()
	sessions := auth.Configured(s)
	api := redenergy.Configured(sessions)
	coordinator := poller.Configured(sessions, api, s)

	// init server
	srv := server.Configured(coordinator)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// if initialization inside lflag.Do failed, we wouldn't be here (panic)
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// pick up a persisted session so a restart doesn't force a fresh login
	if err := sessions.Restore(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore session", "error", err)
	}

	// the poll loop and the HTTP server run until the context is canceled
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(ctx)
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
