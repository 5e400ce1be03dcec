package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/catalog"
	"github.com/kloudmate/capacity-pipeline/internal/clickhouse"
	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/config"
	"github.com/kloudmate/capacity-pipeline/internal/inventory"
	"github.com/kloudmate/capacity-pipeline/internal/memstore"
	"github.com/kloudmate/capacity-pipeline/internal/models"
	"github.com/kloudmate/capacity-pipeline/internal/snapshot"
	"github.com/kloudmate/capacity-pipeline/internal/source/promapi"
)

var errExhausted = errors.New("every collection task failed")

// app holds what every command needs: config, logger, the telemetry
// registry and the snapshot store.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	store    *snapshot.Store
	closers  []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store: snapshot.NewStore(&snapshot.Config{
			Dir:            cfg.Snapshot.Dir,
			InstancePrefix: cfg.Snapshot.InstancePrefix,
			TenantPrefix:   cfg.Snapshot.TenantPrefix,
		}, logger),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("Failed to close resource", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// querier builds the metrics source of a one-shot command. The in-memory
// OTLP store only fills while serving, so serve passes it in.
func (a *app) querier(mem *memstore.Store) (collector.MetricsQuerier, error) {
	switch a.cfg.Source.Kind {
	case config.SourcePrometheus:
		p := a.cfg.Source.Prometheus
		return promapi.NewQuerier(&promapi.Config{
			Address:      p.Address,
			Aggregation:  p.Aggregation,
			DefaultStep:  p.Step,
			QueryTimeout: p.Timeout,
		}, a.logger)

	case config.SourceClickHouse:
		reader, err := clickhouse.NewSampleReader(a.clickhouseConfig(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ClickHouse reader: %w", err)
		}
		a.closers = append(a.closers, reader.Close)
		return reader, nil

	case config.SourceOTLP:
		if mem == nil {
			return nil, fmt.Errorf("the otlp source only holds samples while serving; use the serve command")
		}
		return mem, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", a.cfg.Source.Kind)
}

func (a *app) clickhouseConfig() *clickhouse.Config {
	ch := a.cfg.Source.ClickHouse
	return &clickhouse.Config{
		Addresses:     ch.Addresses,
		Database:      ch.Database,
		Username:      ch.Username,
		Password:      ch.Password,
		Table:         ch.Table,
		RetentionDays: ch.RetentionDays,
		BatchSize:     ch.BatchSize,
		FlushInterval: ch.FlushInterval,
		QueryTimeout:  ch.QueryTimeout,
		MaxIdleConns:  ch.MaxIdleConns,
		MaxOpenConns:  ch.MaxOpenConns,
	}
}

func (a *app) collector(querier collector.MetricsQuerier) (*collector.Collector, error) {
	cat, err := catalog.Load(a.cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric catalog: %w", err)
	}

	inv, err := inventory.NewFile(a.cfg.Inventory.Path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	return collector.NewCollector(&collector.Config{
		InstanceWorkers: a.cfg.Collector.InstanceWorkers,
		TenantWorkers:   a.cfg.Collector.TenantWorkers,
		ProgressEvery:   a.cfg.Collector.ProgressEvery,
	}, inv, querier, cat, a.registry, a.logger), nil
}

type collectOptions struct {
	frequency    string
	lookbackDays int
	instances    []string
}

// collect runs one collection and exports its snapshots. An exhausted run
// exports nothing and returns errExhausted.
func (a *app) collect(ctx context.Context, c *collector.Collector, opts collectOptions) error {
	end := time.Now()
	w, err := collector.NewWindow(end, opts.frequency, opts.lookbackDays, a.cfg.Collector.Period)
	if err != nil {
		return err
	}

	result := c.Collect(ctx, opts.instances, w)
	defer a.writeTextfile()

	if result.Exhausted() {
		return errExhausted
	}

	if len(result.Instances) > 0 {
		if _, err := a.store.Write(models.KindInstance, opts.frequency, result.Instances, end); err != nil {
			return fmt.Errorf("failed to export instance snapshot: %w", err)
		}
	}
	if len(result.Tenants) > 0 {
		if _, err := a.store.Write(models.KindTenant, opts.frequency, result.Tenants, end); err != nil {
			return fmt.Errorf("failed to export tenant snapshot: %w", err)
		}
	}

	if result.Stats.InstancesFailed+result.Stats.TenantsFailed > 0 {
		a.logger.Warn("Snapshot contains partial records",
			zap.Int("instances_failed", result.Stats.InstancesFailed),
			zap.Int("tenants_failed", result.Stats.TenantsFailed))
	}
	return nil
}

func (a *app) writeTextfile() {
	if a.cfg.Telemetry.Textfile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.cfg.Telemetry.Textfile, a.registry); err != nil {
		a.logger.Error("Failed to write telemetry textfile",
			zap.String("path", a.cfg.Telemetry.Textfile),
			zap.Error(err))
	}
}
