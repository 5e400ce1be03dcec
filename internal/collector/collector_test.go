package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/capacity-pipeline/internal/catalog"
	"github.com/kloudmate/capacity-pipeline/internal/models"
)

type fakeInventory struct {
	instances    []models.Resource
	tenants      map[string][]models.Resource
	listErr      error
	panicOn      string
	detailsDelay func(id string) time.Duration

	inFlight, maxInFlight             int32
	tenantInFlight, maxTenantInFlight int32
}

func (f *fakeInventory) ListInstances(ctx context.Context) ([]models.Resource, error) {
	return f.instances, f.listErr
}

func (f *fakeInventory) InstanceDetails(ctx context.Context, id string) (models.Details, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	raiseMax(&f.maxInFlight, n)

	if id == f.panicOn {
		panic("inventory exploded")
	}
	if f.detailsDelay != nil {
		time.Sleep(f.detailsDelay(id))
	}

	return models.PresentDetails(map[string]interface{}{
		"instance_name": "name-" + id,
		"status":        "ONLINE",
		"resource": map[string]interface{}{
			"cpu": map[string]interface{}{"total_cpu": 16, "used_cpu": 4},
		},
	}), nil
}

func (f *fakeInventory) ListTenants(ctx context.Context, id string) ([]models.Resource, error) {
	return f.tenants[id], nil
}

func (f *fakeInventory) TenantDetails(ctx context.Context, instanceID, tenantID string) (models.Details, error) {
	n := atomic.AddInt32(&f.tenantInFlight, 1)
	defer atomic.AddInt32(&f.tenantInFlight, -1)
	raiseMax(&f.maxTenantInFlight, n)
	time.Sleep(5 * time.Millisecond)

	return models.PresentDetails(map[string]interface{}{"tenant_mode": "MySQL"}), nil
}

func raiseMax(peak *int32, n int32) {
	for {
		cur := atomic.LoadInt32(peak)
		if n <= cur || atomic.CompareAndSwapInt32(peak, cur, n) {
			return
		}
	}
}

type fakeQuerier struct {
	mu         sync.Mutex
	failFor    map[string]bool
	failMetric map[string]bool
	queries    []Query
}

func (q *fakeQuerier) Query(ctx context.Context, query Query) ([]models.Sample, error) {
	q.mu.Lock()
	q.queries = append(q.queries, query)
	q.mu.Unlock()

	if q.failFor[query.Dimensions[DimensionInstance]] && query.Dimensions[DimensionTenant] == "" {
		return nil, errors.New("backend unavailable")
	}
	if q.failMetric[query.Metric] {
		return nil, errors.New("metric query timed out")
	}
	if query.Metric == "qps" {
		// unknown to the backend
		return nil, nil
	}

	base := query.Start
	return []models.Sample{
		{Timestamp: base, Value: 10},
		{Timestamp: base.Add(time.Hour), Value: 20},
		{Timestamp: base.Add(2 * time.Hour), Value: 30},
	}, nil
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Version: catalog.CurrentVersion,
		Instance: []catalog.Metric{
			{Key: "cpu_usage", Prefix: "cpu", Percentage: true, Available: true},
			{Key: "qps", Prefix: "qps", Available: true},
			{Key: "disk_usage", Prefix: "disk_usage_percent", Available: false},
		},
		Tenant: []catalog.Metric{
			{Key: "cpu_usage_percent_tenant", Prefix: "cpu_usage_percent", Percentage: true, Available: true},
		},
	}
}

func testWindow() models.Window {
	end := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	return models.Window{Start: end.Add(-24 * time.Hour), End: end, Period: time.Hour}
}

func instances(n int) []models.Resource {
	out := make([]models.Resource, n)
	for i := range out {
		out[i] = models.NewInstance(fmt.Sprintf("ob-%d", i+1))
	}
	return out
}

func newTestCollector(t *testing.T, cfg *Config, inv Inventory, q MetricsQuerier) *Collector {
	return NewCollector(cfg, inv, q, testCatalog(), prometheus.NewRegistry(), zaptest.NewLogger(t))
}

func TestRunIsolatesFailingTask(t *testing.T) {
	inv := &fakeInventory{instances: instances(5)}
	q := &fakeQuerier{failFor: map[string]bool{"ob-3": true}}
	c := newTestCollector(t, &Config{InstanceWorkers: 2, TenantWorkers: 2}, inv, q)

	result := c.Run(context.Background(), inv.instances, testWindow())

	if len(result.Instances) != 5 {
		t.Fatalf("expected 5 records, got %d", len(result.Instances))
	}
	if result.Stats.InstancesFailed != 1 {
		t.Errorf("expected 1 failure, got %d", result.Stats.InstancesFailed)
	}
	if result.Exhausted() {
		t.Errorf("run with successes reported exhausted")
	}

	var full, baseOnly int
	for _, rec := range result.Instances {
		_, hasMetrics := rec["cpu_avg"]
		if rec.String("instance_id") == "ob-3" {
			if hasMetrics {
				t.Errorf("failed task should carry the base record only: %v", rec)
			}
			if rec["cpu_allocation_pct"] != 25.0 || rec["instance_name"] != "name-ob-3" {
				t.Errorf("base record missing static attributes: %v", rec)
			}
			baseOnly++
			continue
		}
		if !hasMetrics {
			t.Errorf("record %s missing metrics", rec.String("instance_id"))
		}
		full++
	}
	if full != 4 || baseOnly != 1 {
		t.Errorf("full=%d baseOnly=%d", full, baseOnly)
	}

	if got := testutil.ToFloat64(c.metrics.tasks.WithLabelValues("instance", "failed")); got != 1 {
		t.Errorf("failed task counter = %v", got)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	inv := &fakeInventory{instances: instances(5), panicOn: "ob-3"}
	c := newTestCollector(t, &Config{InstanceWorkers: 3}, inv, &fakeQuerier{})

	result := c.Run(context.Background(), inv.instances, testWindow())

	if len(result.Instances) != 5 || result.Stats.InstancesFailed != 1 {
		t.Fatalf("records=%d failed=%d", len(result.Instances), result.Stats.InstancesFailed)
	}
	for _, rec := range result.Instances {
		if rec.String("instance_id") == "ob-3" && len(rec) != 1 {
			t.Errorf("panicked task should carry only its identity: %v", rec)
		}
	}
}

func TestRunSummaryFields(t *testing.T) {
	inv := &fakeInventory{instances: instances(1)}
	c := newTestCollector(t, &Config{}, inv, &fakeQuerier{})

	result := c.Run(context.Background(), inv.instances, testWindow())
	rec := result.Instances[0]

	want := map[string]float64{
		"cpu_avg": 20, "cpu_min": 10, "cpu_max": 30, "cpu_p95": 30,
		// no data for qps still yields stable zero fields
		"qps_avg": 0, "qps_min": 0, "qps_max": 0, "qps_p95": 0,
	}
	for k, v := range want {
		got, ok := rec.Float(k)
		if !ok || got != v {
			t.Errorf("%s = %v (present %v), want %v", k, got, ok, v)
		}
	}
	if _, ok := rec["disk_usage_percent_avg"]; ok {
		t.Errorf("unavailable metric was queried")
	}
}

func TestRunKeepsSummariesAfterMetricFailure(t *testing.T) {
	inv := &fakeInventory{instances: instances(1)}
	c := newTestCollector(t, &Config{}, inv, &fakeQuerier{failMetric: map[string]bool{"qps": true}})

	result := c.Run(context.Background(), inv.instances, testWindow())

	if result.Stats.InstancesFailed != 1 {
		t.Errorf("failed = %d, want 1", result.Stats.InstancesFailed)
	}
	rec := result.Instances[0]
	for k, want := range map[string]float64{"cpu_avg": 20, "cpu_max": 30, "cpu_p95": 30} {
		if got, ok := rec.Float(k); !ok || got != want {
			t.Errorf("%s = %v (present %v), want %v", k, got, ok, want)
		}
	}
	if _, ok := rec["qps_avg"]; ok {
		t.Errorf("failed metric must not produce fields: %v", rec)
	}
	if rec.String("instance_name") != "name-ob-1" {
		t.Errorf("base attributes lost: %v", rec)
	}
	if got := testutil.ToFloat64(c.metrics.queries.WithLabelValues("instance", "failed")); got != 1 {
		t.Errorf("failed query counter = %v", got)
	}
}

func TestRunDrainsInCompletionOrder(t *testing.T) {
	inv := &fakeInventory{
		instances: instances(4),
		detailsDelay: func(id string) time.Duration {
			if id == "ob-1" {
				return 60 * time.Millisecond
			}
			return 0
		},
	}
	c := newTestCollector(t, &Config{InstanceWorkers: 4}, inv, &fakeQuerier{})

	result := c.Run(context.Background(), inv.instances, testWindow())

	if len(result.Instances) != 4 {
		t.Fatalf("expected 4 records, got %d", len(result.Instances))
	}
	if last := result.Instances[3].String("instance_id"); last != "ob-1" {
		t.Errorf("slowest task should complete last, got %s", last)
	}
}

func TestRunPoolBounds(t *testing.T) {
	tenants := make([]models.Resource, 12)
	for i := range tenants {
		tenants[i] = models.NewTenant("ob-1", fmt.Sprintf("t-%d", i))
	}

	inv := &fakeInventory{
		instances:    instances(6),
		tenants:      map[string][]models.Resource{"ob-1": tenants},
		detailsDelay: func(string) time.Duration { return 10 * time.Millisecond },
	}
	c := newTestCollector(t, &Config{InstanceWorkers: 2, TenantWorkers: 3}, inv, &fakeQuerier{})

	result := c.Run(context.Background(), inv.instances, testWindow())

	if got := atomic.LoadInt32(&inv.maxInFlight); got > 2 {
		t.Errorf("instance pool exceeded its bound: %d", got)
	}
	if got := atomic.LoadInt32(&inv.maxTenantInFlight); got > 3 {
		t.Errorf("tenant pool exceeded its bound: %d", got)
	}
	if len(result.Tenants) != 12 || result.Stats.Tenants != 12 {
		t.Fatalf("expected 12 tenant records, got %d", len(result.Tenants))
	}

	ids := make([]string, 0, len(result.Tenants))
	for _, rec := range result.Tenants {
		ids = append(ids, rec.String("tenant_id"))
		if rec["instance_name"] != "name-ob-1" {
			t.Errorf("tenant record missing instance name: %v", rec)
		}
		if _, ok := rec["cpu_usage_percent_p95"]; !ok {
			t.Errorf("tenant record missing metrics: %v", rec)
		}
	}
	sort.Strings(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			t.Errorf("duplicate tenant record %s", ids[i])
		}
	}
}

func TestRunBatchExhaustion(t *testing.T) {
	inv := &fakeInventory{instances: instances(3)}
	q := &fakeQuerier{failFor: map[string]bool{"ob-1": true, "ob-2": true, "ob-3": true}}
	c := newTestCollector(t, &Config{}, inv, q)

	result := c.Run(context.Background(), inv.instances, testWindow())

	if !result.Exhausted() {
		t.Errorf("expected exhausted run")
	}
	if result.Stats.InstancesFailed != 3 || len(result.Instances) != 3 {
		t.Errorf("unexpected stats %+v", result.Stats)
	}
}

func TestCollectListingFailure(t *testing.T) {
	inv := &fakeInventory{listErr: errors.New("api down")}
	c := newTestCollector(t, &Config{}, inv, &fakeQuerier{})

	result := c.Collect(context.Background(), nil, testWindow())

	if len(result.Instances) != 0 || !result.Exhausted() {
		t.Errorf("listing failure should give an empty exhausted result: %+v", result)
	}
}

func TestDiscoverFilter(t *testing.T) {
	inv := &fakeInventory{listErr: errors.New("must not be called")}
	c := newTestCollector(t, &Config{}, inv, &fakeQuerier{})

	got, err := c.Discover(context.Background(), []string{"ob-9", "ob-7"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(got) != 2 || got[0].InstanceID != "ob-9" || got[1].Kind != models.KindInstance {
		t.Errorf("unexpected resources %+v", got)
	}
}

func TestQueryDimensions(t *testing.T) {
	inv := &fakeInventory{
		instances: instances(1),
		tenants:   map[string][]models.Resource{"ob-1": {models.NewTenant("ob-1", "t-1")}},
	}
	q := &fakeQuerier{}
	c := newTestCollector(t, &Config{}, inv, q)
	w := testWindow()

	c.Run(context.Background(), inv.instances, w)

	var tenantQueries int
	for _, query := range q.queries {
		if !query.Start.Equal(w.Start) || !query.End.Equal(w.End) || query.Period != time.Hour {
			t.Errorf("query window not propagated: %+v", query)
		}
		if query.Dimensions[DimensionTenant] == "t-1" {
			tenantQueries++
			if query.Dimensions[DimensionInstance] != "ob-1" {
				t.Errorf("tenant query missing instance dimension: %+v", query)
			}
		}
	}
	if tenantQueries != 1 {
		t.Errorf("expected 1 tenant query, got %d", tenantQueries)
	}
}
