// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"swarmsim/broker"
	"swarmsim/config"
	"swarmsim/latency"
	"swarmsim/logging"
	"swarmsim/metrics"
	"swarmsim/server"
	"swarmsim/session"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config file error: %v, using defaults\n", err)
			cfg = config.Default()
		}
		cfg.ApplyEnv()
	} else {
		cfg = config.LoadFromEnv()
	}

	logger := logging.Init(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if summary != nil {
		fmt.Println(session.Describe(summary))
	}
}

// run serves until the session finishes, or until ctx is done in echo mode.
// The summary is nil unless the run completed cleanly.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*latency.Summary, error) {
	runID := uuid.NewString()
	b, err := createBroker(ctx, cfg, runID, logger)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	if err := session.Watch(ctx, b, logger); err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	ctrl := session.New(cfg, session.Deps{Logger: logger, Broker: b, Metrics: m, RunID: runID})
	srv := server.New(cfg, server.Deps{
		Logger:  logger,
		Metrics: m,
		Status:  func() interface{} { return ctrl.Status() },
	})
	if err := srv.Listen(ctx); err != nil {
		return nil, err
	}

	logger.Info("swarmsim running",
		slog.String("mode", cfg.Mode),
		slog.Int("group_size", cfg.GroupSize),
		slog.Int("client_number", cfg.ClientNumber),
		slog.Int("cycles", cfg.SimulationCycles),
		slog.String("aggregation", cfg.Aggregation),
		slog.String("broker", cfg.BrokerType))

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	g.Go(func() error { return srv.Start(serveCtx) })

	var summary *latency.Summary
	if cfg.Mode == config.ModeSim {
		g.Go(func() error {
			defer stopServe()
			s, err := ctrl.Run(gctx, srv.Conns())
			if err != nil {
				return err
			}
			summary = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("server stopped")
	return summary, nil
}

func createBroker(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.BrokerType {
	case config.BrokerRedis:
		b, err := broker.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, runID)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("using redis broker", slog.String("addr", cfg.RedisAddr))
		return b, nil
	default:
		logger.Debug("using local broker")
		return broker.NewLocal(), nil
	}
}
