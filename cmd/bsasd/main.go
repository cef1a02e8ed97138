// Command bsasd runs the Beam Synchronous Acquisition Service: it aligns
// configured telemetry signals into timestamped rows and republishes them
// as streaming tables over NATS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slaclab/bsas/config"
	"github.com/slaclab/bsas/coordinator"
	"github.com/slaclab/bsas/metric"
	"github.com/slaclab/bsas/natsclient"
	"github.com/slaclab/bsas/output/wstable"
	"github.com/slaclab/bsas/pkg/retry"
	"github.com/slaclab/bsas/table"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bsasd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "bsasd.yaml", "path to the service configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	cfg.ApplyTunables()

	registry := metric.NewRegistry()

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(registry),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connect := func() error { return client.Connect(ctx) }
	if err := retry.Do(ctx, retry.Persistent(), connect); err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		_ = client.Close(closeCtx)
	}()

	g, ctx := errgroup.WithContext(ctx)

	// one live table stream per table that asked for it
	streams := make([]*wstable.Output, 0, len(cfg.Tables))

	coordinators := make([]*coordinator.Coordinator, 0, len(cfg.Tables))
	for _, tbl := range cfg.Tables {
		var extra []table.Publisher
		if tbl.WebSocket != nil {
			ws := wstable.New(wstable.Deps{
				Table:    tbl.Prefix,
				Addr:     tbl.WebSocket.Addr,
				Path:     tbl.WebSocket.Path,
				Logger:   logger.With("component", "wstable", "table", tbl.Prefix),
				Registry: registry,
			})
			streams = append(streams, ws)
			extra = append(extra, ws)
			g.Go(ws.Start)
		}

		coord, err := coordinator.New(coordinator.Config{
			Prefix:              tbl.Prefix,
			Signals:             tbl.Signals,
			SignalSubjectPrefix: tbl.SignalSubjectPrefix,
			StaleAfter:          tbl.StaleAfter.Std(),
			CompressMin:         tbl.CompressMin,
		}, coordinator.Deps{
			Client:          client,
			Logger:          logger.With("component", "coordinator", "table", tbl.Prefix),
			Registry:        registry,
			ExtraPublishers: extra,
		})
		if err != nil {
			return err
		}
		coordinators = append(coordinators, coord)
		logger.Info("table started", "prefix", tbl.Prefix, "signals", len(tbl.Signals))
	}

	metricsServer := metric.NewServer(cfg.HTTP.Addr, cfg.HTTP.MetricsPath, registry)
	g.Go(metricsServer.Start)

	logger.Info("bsasd running",
		"tables", len(coordinators),
		"nats", cfg.NATS.URL,
		"metrics", metricsServer.Address())

	<-ctx.Done()
	logger.Info("shutting down")

	// shutdown order: coordinators tear each pipeline down as sources,
	// then collector, then serializer; outward surfaces go last
	for _, coord := range coordinators {
		coord.Close()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	for _, ws := range streams {
		if err := ws.Stop(stopCtx); err != nil {
			logger.Warn("stop table stream", "error", err)
		}
	}
	if err := metricsServer.Stop(stopCtx); err != nil {
		logger.Warn("stop metrics server", "error", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
