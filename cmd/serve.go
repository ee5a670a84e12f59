package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitegauge/sitegauge/internal/analysis"
	"github.com/sitegauge/sitegauge/internal/analyzer"
	"github.com/sitegauge/sitegauge/internal/api"
	"github.com/sitegauge/sitegauge/internal/config"
	"github.com/sitegauge/sitegauge/internal/events"
	"github.com/sitegauge/sitegauge/internal/events/sinks"
	"github.com/sitegauge/sitegauge/internal/logging"
	"github.com/sitegauge/sitegauge/internal/metrics"
	memorypublisher "github.com/sitegauge/sitegauge/internal/publisher/memory"
	pubsubpublisher "github.com/sitegauge/sitegauge/internal/publisher/pubsub"
	"github.com/sitegauge/sitegauge/internal/resilience"
	"github.com/sitegauge/sitegauge/internal/scheduler"
	"github.com/sitegauge/sitegauge/internal/storage/memory"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis engine and its HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := events.NewBus(logger)
	bus.OnAll(sinks.NewLogSink(logger).Handle)

	promSink, err := sinks.NewPrometheusSink(promRegistry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	bus.OnAll(promSink.Handle)

	publisher, cleanup, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	bus.OnAll(sinks.NewPublisherSink(publisher, cfg.Publisher.TopicName, logger).Handle)

	analyze := analyzer.New(analyzer.Config{
		UserAgent: cfg.Analyzer.UserAgent,
		Timeout:   cfg.AnalyzerTimeout(),
	})

	engine, err := scheduler.New(scheduler.Deps{
		Store:    memory.NewJobStore(),
		Analyze:  analyze.Analyze,
		Bus:      bus,
		Registry: metrics.NewRegistry(metrics.WithAlertRate(cfg.Alerts.RatePerMinute)),
		Logger:   logger,
	}, scheduler.Config{
		MaxConcurrentJobs: cfg.Engine.MaxConcurrentJobs,
		TargetTimeout:     cfg.TargetTimeout(),
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.Retry.Attempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		},
		BreakerThreshold: cfg.Breaker.Threshold,
		BreakerWindow:    cfg.BreakerWindow(),
		Degrade: resilience.DegradePolicy{
			NetworkScore: cfg.Degrade.NetworkScore,
			ParsingScore: cfg.Degrade.ParsingScore,
			ServiceScore: cfg.Degrade.ServiceScore,
		},
		CleanupAge:      cfg.CleanupMaxAge(),
		CleanupInterval: cfg.CleanupInterval(),
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(engine, promRegistry, cfg, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildPublisher selects the configured publisher backend. The returned
// cleanup closes the Pub/Sub client when one was opened.
func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (analysis.Publisher, func(), error) {
	switch cfg.Publisher.Provider {
	case "pubsub":
		client, err := pubsubv2.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create pubsub client: %w", err)
		}
		logger.Info("publishing terminal events to pubsub",
			zap.String("project", cfg.Publisher.ProjectID),
			zap.String("topic", cfg.Publisher.TopicName),
		)
		return pubsubpublisher.New(client.Publisher(cfg.Publisher.TopicName)), func() {
			if err := client.Close(); err != nil {
				logger.Warn("pubsub client close failed", zap.Error(err))
			}
		}, nil
	default:
		return memorypublisher.New(), func() {}, nil
	}
}
