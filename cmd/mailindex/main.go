package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"

	"github.com/znz-systems/mailindex/internal/app"
	"github.com/znz-systems/mailindex/internal/config"
	"github.com/znz-systems/mailindex/internal/database"
	"github.com/znz-systems/mailindex/internal/store/postgres"
	"github.com/znz-systems/mailindex/migrations"
)

func main() {
	cliApp := &cli.App{
		Name:  "mailindex",
		Usage: "attachment store and search indexing pipeline",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the indexer, the job workers and the ops API",
				Action: serve,
			},
			{
				Name:   "gc",
				Usage:  "remove orphaned attachments once and exit",
				Action: gc,
			},
			{
				Name:  "reindex",
				Usage: "queue every message of a user for backlog indexing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
				},
				Action: reindex,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("mailindex failed", "error", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, closeFn, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return a.Serve(ctx)
}

func gc(c *cli.Context) error {
	a, closeFn, err := bootstrap(c.Context)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := a.Attachments.DeleteOrphaned(c.Context)
	if err != nil {
		return fmt.Errorf("delete orphaned attachments: %w", err)
	}
	slog.Info("orphaned attachments removed", "count", n)
	return nil
}

func reindex(c *cli.Context) error {
	a, closeFn, err := bootstrap(c.Context)
	if err != nil {
		return err
	}
	defer closeFn()

	user := c.String("user")
	n, err := a.Reindexer.ReindexUser(c.Context, user)
	if err != nil {
		return err
	}
	slog.Info("reindex queued", "user", user, "jobs", n)
	return nil
}

// bootstrap loads config, connects and migrates the database and builds the
// application. The returned func closes the database.
func bootstrap(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := postgres.NewDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a, err := app.New(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return a, func() { db.Close() }, nil
}

func setupLogger(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.DateTime,
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
