package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gewegate/internal/api"
	"github.com/nextlevelbuilder/gewegate/internal/dispatch"
	"github.com/nextlevelbuilder/gewegate/internal/gateway"
	"github.com/nextlevelbuilder/gewegate/internal/registry"
	"github.com/nextlevelbuilder/gewegate/internal/store"
	"github.com/nextlevelbuilder/gewegate/internal/tracing"
	"github.com/nextlevelbuilder/gewegate/internal/webhook"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	st, err := store.Open(cfgPath, os.Getenv("GEWEGATE_BACKUP_DIR"))
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	snap := st.Snapshot()
	if problems := snap.Validate(); len(problems) > 0 {
		for _, p := range problems {
			slog.Error("config invalid", "problem", p)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "gewegate", Version)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	reg, err := registry.Open(ctx, snap.Storage)
	if err != nil {
		slog.Error("failed to open registry", "backend", snap.Storage.Registry, "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	if err := registry.Seed(ctx, reg, snap); err != nil {
		slog.Error("failed to seed registry", "error", err)
		os.Exit(1)
	}
	slog.Info("registry seeded", "backend", snap.Storage.Registry, "bots", len(snap.Bots))

	wh := webhook.NewHandler(reg, webhook.Options{
		QueueSize:        snap.Server.QueueSize,
		RequireSignature: snap.Server.RequireSignature,
		Rate:             snap.Server.WebhookRate,
		Burst:            snap.Server.WebhookBurst,
	})
	disp := dispatch.New(
		wh.Events(),
		st,
		dispatch.LogActioner{},
		snap.Server.MaxConcurrency,
		time.Duration(snap.Server.DispatchTimeoutSeconds)*time.Second,
	)
	admin := api.NewHandler(st, reg, snap.Server.AdminToken)
	srv := gateway.NewServer(snap.Server.ListenAddr, wh, admin)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error { return st.Watch(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}
