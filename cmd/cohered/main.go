package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resonate-labs/cohered/internal/collect"
	"github.com/resonate-labs/cohered/internal/config"
	"github.com/resonate-labs/cohered/internal/daemon"
	"github.com/resonate-labs/cohered/internal/db"
	"github.com/resonate-labs/cohered/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for cohered")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.DurationVar(&cfg.SessionDuration, "session-duration", cfg.SessionDuration, "length of each group session")
	flag.DurationVar(&cfg.RollingInterval, "rolling-interval", cfg.RollingInterval, "interval between session starts")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	manager, err := session.NewManager(cfg)
	if err != nil {
		fatal(err)
	}
	collector := collect.New(store, manager, cfg)

	manager.StartRolling(ctx)
	defer manager.StopRolling()
	go manager.Run(ctx)
	go collector.Run(ctx)
	startRetentionLoop(ctx, store, cfg)

	srv := daemon.NewServer(cfg, manager, store, collector)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config) {
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.HRVRowTTL)
		if err := store.PurgeRetention(ctx, cutoff); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "cohered: retention purge failed: %v\n", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "cohered: %v\n", err)
	os.Exit(1)
}
