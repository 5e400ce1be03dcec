package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/clickhouse"
	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/config"
	"github.com/kloudmate/capacity-pipeline/internal/memstore"
	"github.com/kloudmate/capacity-pipeline/internal/processor"
	"github.com/kloudmate/capacity-pipeline/internal/receiver"
	"github.com/kloudmate/capacity-pipeline/pkg/promread"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Ingest OTLP metrics and collect snapshots on a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return serve(a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(a *app) error {
	cfg := a.cfg
	logger := a.logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mem  *memstore.Store
		sink receiver.Sink
	)
	switch cfg.Source.Kind {
	case config.SourceOTLP:
		mem = memstore.NewStore(&memstore.Config{
			Retention:           cfg.Receiver.Retention,
			MaxSamplesPerSeries: cfg.Receiver.MaxSamplesPerSeries,
		}, logger)
		sink = mem
	case config.SourceClickHouse:
		chWriter, err := clickhouse.NewWriter(a.clickhouseConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse writer: %w", err)
		}
		a.closers = append(a.closers, chWriter.Close)
		sink = chWriter
	}

	querier, err := a.querier(mem)
	if err != nil {
		return err
	}
	c, err := a.collector(querier)
	if err != nil {
		return err
	}

	// the receiver stops gracefully when ctx is cancelled
	if sink != nil {
		validator := processor.NewProcessor(&processor.Config{
			MaxAge:    cfg.Receiver.Retention,
			MaxFuture: cfg.Receiver.MaxFuture,
		}, sink, logger)

		otlpReceiver := receiver.NewOTLPReceiver(&receiver.Config{
			Address:        cfg.Receiver.OTLP.Address,
			MaxMessageSize: cfg.Receiver.OTLP.MaxMessageSize,
			Aliases:        cfg.Receiver.OTLP.Aliases,
			CounterRates:   cfg.Receiver.OTLP.CounterRates,
		}, validator, logger)

		go func() {
			if err := otlpReceiver.Start(ctx); err != nil {
				logger.Error("OTLP receiver stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	if cfg.RemoteRead.Enabled {
		mux.Handle("/api/v1/read", promread.NewRemoteReadHandler(mem, logger))
	}
	server := &http.Server{Addr: cfg.Telemetry.Address, Handler: mux}

	go func() {
		logger.Info("Starting telemetry server",
			zap.String("address", cfg.Telemetry.Address),
			zap.Bool("remote_read", cfg.RemoteRead.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Telemetry server stopped", zap.Error(err))
			cancel()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		schedule(ctx, a, c, mem)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Capacity pipeline started",
		zap.String("source", cfg.Source.Kind),
		zap.Duration("schedule", cfg.Collector.Schedule))

	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info("Shutting down capacity pipeline...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop telemetry server", zap.Error(err))
	}

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("Collection still running at shutdown deadline")
	}

	logger.Info("Capacity pipeline shutdown complete")
	return nil
}

// schedule runs a collection every Collector.Schedule. The first run waits
// one interval so the OTLP store has samples to summarize.
func schedule(ctx context.Context, a *app, c *collector.Collector, mem *memstore.Store) {
	ticker := time.NewTicker(a.cfg.Collector.Schedule)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := a.collect(ctx, c, collectOptions{frequency: a.cfg.Collector.Frequency})
		if err != nil {
			a.logger.Error("Scheduled collection failed", zap.Error(err))
		}

		if mem != nil {
			mem.Prune()
		}
	}
}
