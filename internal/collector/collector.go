package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kloudmate/capacity-pipeline/internal/catalog"
	"github.com/kloudmate/capacity-pipeline/internal/merger"
	"github.com/kloudmate/capacity-pipeline/internal/models"
	"github.com/kloudmate/capacity-pipeline/pkg/stats"
)

type Config struct {
	InstanceWorkers int
	TenantWorkers   int
	ProgressEvery   int
}

type Collector struct {
	logger     *zap.Logger
	config     *Config
	inventory  Inventory
	querier    MetricsQuerier
	catalog    *catalog.Catalog
	summarizer *stats.Summarizer
	merger     *merger.Merger
	metrics    *runMetrics
}

type RunStats struct {
	Instances       int
	InstancesFailed int
	Tenants         int
	TenantsFailed   int
	ListingFailed   bool
	Duration        time.Duration
}

type Result struct {
	Instances []models.Record
	Tenants   []models.Record
	Stats     RunStats
}

// Exhausted reports a run in which every task failed, or in which the
// inventory listing failed and nothing ran. Callers decide whether that is
// fatal.
func (r *Result) Exhausted() bool {
	total := r.Stats.Instances + r.Stats.Tenants
	if total == 0 {
		return r.Stats.ListingFailed
	}
	return r.Stats.InstancesFailed+r.Stats.TenantsFailed == total
}

func NewCollector(cfg *Config, inv Inventory, querier MetricsQuerier, cat *catalog.Catalog, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if cfg.InstanceWorkers <= 0 {
		cfg.InstanceWorkers = 5
	}
	if cfg.TenantWorkers <= 0 {
		cfg.TenantWorkers = 10
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Collector{
		logger:     logger,
		config:     cfg,
		inventory:  inv,
		querier:    querier,
		catalog:    cat,
		summarizer: stats.NewSummarizer(logger),
		merger:     merger.NewMerger(logger),
		metrics:    newRunMetrics(reg),
	}
}

// Discover returns the instances to collect. A non-empty filter selects
// instances by id without consulting the listing.
func (c *Collector) Discover(ctx context.Context, filter []string) ([]models.Resource, error) {
	if len(filter) > 0 {
		out := make([]models.Resource, 0, len(filter))
		for _, id := range filter {
			out = append(out, models.NewInstance(id))
		}
		return out, nil
	}

	instances, err := c.inventory.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// Collect discovers instances and runs them. A listing failure yields an
// empty, exhausted result.
func (c *Collector) Collect(ctx context.Context, filter []string, w models.Window) *Result {
	instances, err := c.Discover(ctx, filter)
	if err != nil {
		c.logger.Error("Inventory listing failed", zap.Error(err))
		return &Result{Stats: RunStats{ListingFailed: true}}
	}
	return c.Run(ctx, instances, w)
}

// Run collects one record per instance and per tenant. Instances run on a
// pool of InstanceWorkers; the tenants of each instance run on their own
// pool of TenantWorkers. A failing task still contributes its partial record.
func (c *Collector) Run(ctx context.Context, instances []models.Resource, w models.Window) *Result {
	start := time.Now()
	result := &Result{
		Instances: make([]models.Record, 0, len(instances)),
	}

	c.logger.Info("Starting collection run",
		zap.Int("instances", len(instances)),
		zap.Int("instance_workers", c.config.InstanceWorkers),
		zap.Int("tenant_workers", c.config.TenantWorkers),
		zap.Time("start", w.Start),
		zap.Time("end", w.End))

	outcomes := c.runPool(ctx, models.KindInstance, instances, c.config.InstanceWorkers,
		func(ctx context.Context, r models.Resource, st *taskState) error {
			return c.collectInstance(ctx, r, w, st)
		})

	for out := range outcomes {
		result.Instances = append(result.Instances, out.record)
		result.Stats.Instances++
		if out.err != nil {
			result.Stats.InstancesFailed++
		}

		result.Tenants = append(result.Tenants, out.tenants...)
		result.Stats.Tenants += len(out.tenants)
		result.Stats.TenantsFailed += out.tenantsFailed
		if out.listingFailed {
			result.Stats.ListingFailed = true
		}

		if result.Stats.Instances%c.config.ProgressEvery == 0 {
			c.logger.Info("Progress",
				zap.String("kind", models.KindInstance.String()),
				zap.Int("completed", result.Stats.Instances),
				zap.Int("total", len(instances)))
		}
	}

	result.Stats.Duration = time.Since(start)
	c.metrics.lastRunTasks.WithLabelValues(models.KindInstance.String()).Set(float64(result.Stats.Instances))
	c.metrics.lastRunTasks.WithLabelValues(models.KindTenant.String()).Set(float64(result.Stats.Tenants))
	c.metrics.lastRunFailed.WithLabelValues(models.KindInstance.String()).Set(float64(result.Stats.InstancesFailed))
	c.metrics.lastRunFailed.WithLabelValues(models.KindTenant.String()).Set(float64(result.Stats.TenantsFailed))

	c.logger.Info("Collection run completed",
		zap.Int("instances", result.Stats.Instances),
		zap.Int("instances_failed", result.Stats.InstancesFailed),
		zap.Int("tenants", result.Stats.Tenants),
		zap.Int("tenants_failed", result.Stats.TenantsFailed),
		zap.Duration("duration", result.Stats.Duration))

	if result.Exhausted() {
		c.logger.Warn("Every collection task failed",
			zap.Int("failed", result.Stats.InstancesFailed+result.Stats.TenantsFailed))
	}

	return result
}

type taskState struct {
	record        models.Record
	tenants       []models.Record
	tenantsFailed int
	listingFailed bool
}

type outcome struct {
	resource      models.Resource
	record        models.Record
	tenants       []models.Record
	tenantsFailed int
	listingFailed bool
	err           error
}

type taskFunc func(ctx context.Context, r models.Resource, st *taskState) error

// runPool runs task for every resource with at most limit in flight and
// returns a channel of outcomes in completion order. The channel is closed
// once every task has finished.
func (c *Collector) runPool(ctx context.Context, kind models.ResourceKind, resources []models.Resource, limit int, task taskFunc) <-chan outcome {
	outcomes := make(chan outcome)

	var g errgroup.Group
	g.SetLimit(limit)

	go func() {
		for _, r := range resources {
			r := r
			g.Go(func() error {
				outcomes <- c.runTask(ctx, kind, r, task)
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	return outcomes
}

// runTask is the failure boundary: errors and panics are logged with the
// resource identity and turned into a partial outcome.
func (c *Collector) runTask(ctx context.Context, kind models.ResourceKind, r models.Resource, task taskFunc) (out outcome) {
	start := time.Now()
	st := &taskState{record: identityRecord(r)}

	defer func() {
		if p := recover(); p != nil {
			out.err = fmt.Errorf("panic: %v", p)
			c.logger.Error("Collection task panicked",
				zap.String("kind", kind.String()),
				zap.String("resource", r.String()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
		}

		out.resource = r
		out.record = st.record
		out.tenants = st.tenants
		out.tenantsFailed = st.tenantsFailed
		out.listingFailed = st.listingFailed

		outcomeLabel := "success"
		if out.err != nil {
			outcomeLabel = "failed"
		}
		c.metrics.tasks.WithLabelValues(kind.String(), outcomeLabel).Inc()
		c.metrics.taskDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}()

	if err := task(ctx, r, st); err != nil {
		out.err = err
		c.logger.Warn("Collection task failed",
			zap.String("kind", kind.String()),
			zap.String("resource", r.String()),
			zap.Error(err))
	}
	return out
}

func identityRecord(r models.Resource) models.Record {
	rec := models.Record{}
	for k, v := range r.Attributes {
		rec[k] = v
	}
	rec[models.FieldInstanceID] = r.InstanceID
	if r.Kind == models.KindTenant {
		rec[models.FieldTenantID] = r.TenantID
	}
	return rec
}

func (c *Collector) collectInstance(ctx context.Context, r models.Resource, w models.Window, st *taskState) error {
	var taskErr error

	d, err := c.inventory.InstanceDetails(ctx, r.InstanceID)
	if err != nil {
		taskErr = fmt.Errorf("failed to get instance details: %w", err)
		d = models.AbsentDetails()
	}

	base := c.merger.InstanceBase(r, d)
	st.record = base

	if err := c.collectSummaries(ctx, r, w, base, st); err != nil {
		taskErr = err
	}

	// tenants are collected even when the instance's own metrics failed
	c.collectTenants(ctx, r, base.String(models.FieldInstanceName), w, st)

	return taskErr
}

func (c *Collector) collectTenants(ctx context.Context, instance models.Resource, instanceName string, w models.Window, st *taskState) {
	tenants, err := c.inventory.ListTenants(ctx, instance.InstanceID)
	if err != nil {
		c.logger.Warn("Failed to list tenants",
			zap.String("instance", instance.InstanceID),
			zap.Error(err))
		st.listingFailed = true
		return
	}
	if len(tenants) == 0 {
		return
	}

	c.logger.Debug("Fetching tenant metrics",
		zap.String("instance", instance.InstanceID),
		zap.Int("tenants", len(tenants)),
		zap.Int("workers", c.config.TenantWorkers))

	outcomes := c.runPool(ctx, models.KindTenant, tenants, c.config.TenantWorkers,
		func(ctx context.Context, r models.Resource, tst *taskState) error {
			return c.collectTenant(ctx, r, instanceName, w, tst)
		})

	st.tenants = make([]models.Record, 0, len(tenants))
	for out := range outcomes {
		st.tenants = append(st.tenants, out.record)
		if out.err != nil {
			st.tenantsFailed++
		}
		if len(st.tenants)%c.config.ProgressEvery == 0 {
			c.logger.Info("Progress",
				zap.String("kind", models.KindTenant.String()),
				zap.String("instance", instance.InstanceID),
				zap.Int("completed", len(st.tenants)),
				zap.Int("total", len(tenants)))
		}
	}
}

func (c *Collector) collectTenant(ctx context.Context, r models.Resource, instanceName string, w models.Window, st *taskState) error {
	var taskErr error

	d, err := c.inventory.TenantDetails(ctx, r.InstanceID, r.TenantID)
	if err != nil {
		taskErr = fmt.Errorf("failed to get tenant details: %w", err)
		d = models.AbsentDetails()
	}

	base := c.merger.TenantBase(r, instanceName, d)
	st.record = base

	if err := c.collectSummaries(ctx, r, w, base, st); err != nil {
		return err
	}
	return taskErr
}

// collectSummaries fetches and summarizes every enabled metric of the
// resource kind. A failed query leaves that metric's fields out and the
// remaining metrics are still collected; the first failure is returned.
func (c *Collector) collectSummaries(ctx context.Context, r models.Resource, w models.Window, base models.Record, st *taskState) error {
	metrics := c.catalog.Enabled(r.Kind)
	fields := make(models.Record, len(metrics)*4)
	dims := Dimensions(r)

	var firstErr error
	for _, m := range metrics {
		samples, err := c.querier.Query(ctx, Query{
			Metric:     m.Key,
			Dimensions: dims,
			Start:      w.Start,
			End:        w.End,
			Period:     w.Period,
		})
		if err != nil {
			c.metrics.queries.WithLabelValues(r.Kind.String(), "failed").Inc()
			c.logger.Warn("Failed to query metric",
				zap.String("resource", r.String()),
				zap.String("metric", m.Key),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to query %s: %w", m.Key, err)
			}
			continue
		}
		c.metrics.queries.WithLabelValues(r.Kind.String(), "success").Inc()
		c.metrics.samples.Add(float64(len(samples)))

		summary := c.summarizer.Summarize(m.Key, models.SampleValues(samples), m.Percentage)
		if summary.Capped {
			c.metrics.capped.WithLabelValues(r.Kind.String()).Inc()
		}
		if summary.Count == 0 {
			c.logger.Debug("No samples for metric",
				zap.String("resource", r.String()),
				zap.String("metric", m.Key))
		}

		for k, v := range merger.SummaryFields(m.Prefix, summary) {
			fields[k] = v
		}
	}

	if len(fields) > 0 {
		st.record = c.merger.Finalize(r.Kind, merger.Merge(base, fields), metrics)
	}
	return firstErr
}
