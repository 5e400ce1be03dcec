package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/models"
	"github.com/kloudmate/capacity-pipeline/pkg/stats"
)

type Config struct {
	Retention           time.Duration
	MaxSamplesPerSeries int
}

// Store keeps recently ingested samples in memory, one ordered slice per
// series. It serves collection queries for the in-process OTLP source.
type Store struct {
	logger *zap.Logger
	config *Config
	now    func() time.Time

	mu     sync.RWMutex
	series map[uint64]*series
}

type series struct {
	metric  string
	attrs   map[string]string
	samples []models.Sample
}

// Series is a read-only copy of one stored series.
type Series struct {
	Metric     string
	Attributes map[string]string
	Samples    []models.Sample
}

func NewStore(cfg *Config, logger *zap.Logger) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = 8 * 24 * time.Hour
	}
	if cfg.MaxSamplesPerSeries <= 0 {
		cfg.MaxSamplesPerSeries = 20000
	}
	return &Store{
		logger: logger,
		config: cfg,
		now:    time.Now,
		series: make(map[uint64]*series),
	}
}

// Append stores points. Points older than the retention window are dropped.
func (s *Store) Append(ctx context.Context, points []models.Point) error {
	cutoff := s.now().Add(-s.config.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for _, p := range points {
		if p.Timestamp.Before(cutoff) {
			dropped++
			continue
		}

		key := models.SeriesHash(p.Metric, p.Attributes)
		ser, ok := s.series[key]
		if !ok {
			ser = &series{metric: p.Metric, attrs: copyAttrs(p.Attributes)}
			s.series[key] = ser
		}
		ser.insert(models.Sample{Timestamp: p.Timestamp, Value: p.Value})

		if over := len(ser.samples) - s.config.MaxSamplesPerSeries; over > 0 {
			ser.samples = ser.samples[over:]
			dropped += over
		}
	}

	if dropped > 0 {
		s.logger.Debug("Dropped samples outside retention",
			zap.Int("dropped", dropped),
			zap.Int("received", len(points)))
	}
	return nil
}

// insert keeps samples ordered by time; out-of-order points are rare.
func (ser *series) insert(sample models.Sample) {
	n := len(ser.samples)
	if n == 0 || !sample.Timestamp.Before(ser.samples[n-1].Timestamp) {
		ser.samples = append(ser.samples, sample)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return ser.samples[i].Timestamp.After(sample.Timestamp)
	})
	ser.samples = append(ser.samples, models.Sample{})
	copy(ser.samples[i+1:], ser.samples[i:])
	ser.samples[i] = sample
}

// Query returns the samples of every series of the metric carrying the
// query dimensions, within [Start, End), averaged into Period buckets.
func (s *Store) Query(ctx context.Context, q collector.Query) ([]models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var samples []models.Sample
	for _, ser := range s.Select(q.Metric, func(attrs map[string]string) bool {
		return models.MatchesDimensions(attrs, q.Dimensions)
	}, q.Start, q.End) {
		samples = append(samples, ser.Samples...)
	}

	if len(samples) == 0 {
		return nil, nil
	}
	return stats.Downsample(samples, q.Period), nil
}

// Select copies the series of a metric accepted by match, keeping samples in
// [start, end). A zero start or end leaves that side open. Series without
// samples in range are left out.
func (s *Store) Select(metric string, match func(map[string]string) bool, start, end time.Time) []Series {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Series
	for _, ser := range s.series {
		if ser.metric != metric || (match != nil && !match(ser.attrs)) {
			continue
		}

		lo := 0
		if !start.IsZero() {
			lo = sort.Search(len(ser.samples), func(i int) bool {
				return !ser.samples[i].Timestamp.Before(start)
			})
		}
		hi := len(ser.samples)
		if !end.IsZero() {
			hi = sort.Search(len(ser.samples), func(i int) bool {
				return !ser.samples[i].Timestamp.Before(end)
			})
		}
		if lo >= hi {
			continue
		}

		samples := make([]models.Sample, hi-lo)
		copy(samples, ser.samples[lo:hi])
		out = append(out, Series{
			Metric:     ser.metric,
			Attributes: copyAttrs(ser.attrs),
			Samples:    samples,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return models.SeriesHash(out[i].Metric, out[i].Attributes) < models.SeriesHash(out[j].Metric, out[j].Attributes)
	})
	return out
}

// Prune drops samples older than the retention window and empty series.
func (s *Store) Prune() int {
	cutoff := s.now().Add(-s.config.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	for key, ser := range s.series {
		i := sort.Search(len(ser.samples), func(i int) bool {
			return !ser.samples[i].Timestamp.Before(cutoff)
		})
		pruned += i
		ser.samples = ser.samples[i:]
		if len(ser.samples) == 0 {
			delete(s.series, key)
		}
	}

	if pruned > 0 {
		s.logger.Info("Pruned expired samples",
			zap.Int("samples", pruned),
			zap.Int("series", len(s.series)))
	}
	return pruned
}

// Stats returns the number of stored series and samples.
func (s *Store) Stats() (seriesCount, sampleCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ser := range s.series {
		sampleCount += len(ser.samples)
	}
	return len(s.series), sampleCount
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
