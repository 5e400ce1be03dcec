package memstore

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/models"
)

var base = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	s := NewStore(&Config{Retention: 48 * time.Hour, MaxSamplesPerSeries: 100}, zaptest.NewLogger(t))
	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	return s
}

func point(metric, instance, tenant string, offset time.Duration, v float64) models.Point {
	attrs := map[string]string{collector.DimensionInstance: instance}
	if tenant != "" {
		attrs[collector.DimensionTenant] = tenant
	}
	return models.Point{Metric: metric, Attributes: attrs, Timestamp: base.Add(offset), Value: v}
}

func TestQueryFiltersByDimensions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Append(ctx, []models.Point{
		point("cpu", "ob-1", "", 0, 10),
		point("cpu", "ob-1", "", time.Minute, 30),
		point("cpu", "ob-2", "", 0, 90),
		point("cpu", "ob-1", "t-1", 0, 50),
		point("memory", "ob-1", "", 0, 70),
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		q    collector.Query
		want []float64
	}{
		{
			name: "tenant series",
			q: collector.Query{Metric: "cpu", Dimensions: map[string]string{
				collector.DimensionInstance: "ob-1", collector.DimensionTenant: "t-1",
			}, Start: base, End: base.Add(time.Hour)},
			want: []float64{50},
		},
		{
			name: "instance series averaged per period",
			q: collector.Query{Metric: "cpu", Dimensions: map[string]string{
				collector.DimensionInstance: "ob-2",
			}, Start: base, End: base.Add(time.Hour), Period: 5 * time.Minute},
			want: []float64{90},
		},
		{
			name: "end is exclusive",
			q: collector.Query{Metric: "cpu", Dimensions: map[string]string{
				collector.DimensionInstance: "ob-2",
			}, Start: base.Add(time.Second), End: base.Add(time.Hour)},
			want: nil,
		},
		{
			name: "unknown metric",
			q:    collector.Query{Metric: "qps", Start: base, End: base.Add(time.Hour)},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.q)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			values := models.SampleValues(got)
			if len(values) != len(tt.want) {
				t.Fatalf("got %v, want %v", values, tt.want)
			}
			for i := range values {
				if values[i] != tt.want[i] {
					t.Errorf("got %v, want %v", values, tt.want)
				}
			}
		})
	}
}

func TestAppendOutOfOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Append(ctx, []models.Point{
		point("cpu", "ob-1", "", 2*time.Minute, 3),
		point("cpu", "ob-1", "", 0, 1),
		point("cpu", "ob-1", "", time.Minute, 2),
	})

	got := s.Select("cpu", nil, time.Time{}, time.Time{})
	if len(got) != 1 {
		t.Fatalf("expected one series, got %d", len(got))
	}
	for i, sample := range got[0].Samples {
		if sample.Value != float64(i+1) {
			t.Errorf("samples out of order: %v", got[0].Samples)
			break
		}
	}
}

func TestRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Append(ctx, []models.Point{
		point("cpu", "ob-1", "", -48*time.Hour, 1),
		point("cpu", "ob-1", "", 0, 2),
		point("cpu", "ob-2", "", time.Hour, 3),
	})
	if series, samples := s.Stats(); series != 2 || samples != 2 {
		t.Fatalf("Stats() = %d series, %d samples", series, samples)
	}

	s.now = func() time.Time { return base.Add(48*time.Hour + 30*time.Minute) }
	if pruned := s.Prune(); pruned != 1 {
		t.Errorf("Prune() = %d, want 1", pruned)
	}
	if series, samples := s.Stats(); series != 1 || samples != 1 {
		t.Errorf("after prune: %d series, %d samples", series, samples)
	}
}

func TestMaxSamplesPerSeries(t *testing.T) {
	s := NewStore(&Config{Retention: time.Hour, MaxSamplesPerSeries: 3}, zaptest.NewLogger(t))
	s.now = func() time.Time { return base.Add(time.Hour) }

	var points []models.Point
	for i := 0; i < 5; i++ {
		points = append(points, point("cpu", "ob-1", "", time.Duration(i)*time.Minute, float64(i)))
	}
	_ = s.Append(context.Background(), points)

	got := s.Select("cpu", nil, time.Time{}, time.Time{})
	if len(got) != 1 || len(got[0].Samples) != 3 || got[0].Samples[0].Value != 2 {
		t.Errorf("expected the three newest samples, got %+v", got)
	}
}
