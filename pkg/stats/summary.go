package stats

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const (
	PercentCap    = 100.0
	P95Fraction   = 0.95
	samplePreview = 5
)

type Summarizer struct {
	logger *zap.Logger
}

func NewSummarizer(logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{logger: logger}
}

// Summarize reduces samples (in arrival order) to avg/min/max/p95. Bounded
// metrics are percentages and get capped at 100; the raw values stay on the
// summary. NaN and infinite samples are skipped. An empty sample set gives a
// zero summary with Count 0.
func (s *Summarizer) Summarize(metric string, samples []float64, bounded bool) models.Summary {
	samples = s.finite(metric, samples)
	if len(samples) == 0 {
		return models.Summary{}
	}

	var sum float64
	minV, maxV := samples[0], samples[0]
	for _, v := range samples {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	raw := models.Summary{
		RawAvg: sum / float64(len(samples)),
		RawMin: minV,
		RawMax: maxV,
		RawP95: Percentile(samples, P95Fraction),
		Count:  len(samples),
	}
	raw.Avg, raw.Min, raw.Max, raw.P95 = raw.RawAvg, raw.RawMin, raw.RawMax, raw.RawP95

	if bounded && exceedsCap(raw) {
		preview := samples
		if len(preview) > samplePreview {
			preview = preview[:samplePreview]
		}
		s.logger.Warn("Percentage metric exceeded 100%",
			zap.String("metric", metric),
			zap.Float64("raw_avg", raw.RawAvg),
			zap.Float64("raw_min", raw.RawMin),
			zap.Float64("raw_max", raw.RawMax),
			zap.Float64("raw_p95", raw.RawP95),
			zap.Float64s("samples", preview))
	}

	out := raw
	if bounded {
		out = Cap(raw)
	}
	return roundSummary(out)
}

func (s *Summarizer) finite(metric string, samples []float64) []float64 {
	var skipped int
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			skipped++
		}
	}
	if skipped == 0 {
		return samples
	}

	s.logger.Warn("Skipping non-finite samples",
		zap.String("metric", metric),
		zap.Int("skipped", skipped),
		zap.Int("total", len(samples)))

	out := make([]float64, 0, len(samples)-skipped)
	for _, v := range samples {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// Percentile returns the order statistic at floor(fraction*n) of the sorted
// values, clamped to the last element. No interpolation.
func Percentile(values []float64, fraction float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Floor(fraction * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Cap clamps the capped fields at PercentCap. Raw fields are untouched, so
// capping twice gives the same summary.
func Cap(s models.Summary) models.Summary {
	out := s
	out.Avg = math.Min(s.Avg, PercentCap)
	out.Min = math.Min(s.Min, PercentCap)
	out.Max = math.Min(s.Max, PercentCap)
	out.P95 = math.Min(s.P95, PercentCap)
	out.Capped = s.Capped || out != s
	return out
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func exceedsCap(s models.Summary) bool {
	return s.RawAvg > PercentCap || s.RawMax > PercentCap || s.RawP95 > PercentCap
}

func roundSummary(s models.Summary) models.Summary {
	s.Avg = Round2(s.Avg)
	s.Min = Round2(s.Min)
	s.Max = Round2(s.Max)
	s.P95 = Round2(s.P95)
	s.RawAvg = Round2(s.RawAvg)
	s.RawMin = Round2(s.RawMin)
	s.RawMax = Round2(s.RawMax)
	s.RawP95 = Round2(s.RawP95)
	return s
}

// Downsample averages samples into period-aligned buckets, ordered by bucket
// start. A zero period returns the samples sorted by time.
func Downsample(samples []models.Sample, period time.Duration) []models.Sample {
	sorted := make([]models.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	if period <= 0 || len(sorted) == 0 {
		return sorted
	}

	out := make([]models.Sample, 0, len(sorted))
	var (
		bucket time.Time
		sum    float64
		count  int
	)
	for _, s := range sorted {
		b := s.Timestamp.Truncate(period)
		if count > 0 && !b.Equal(bucket) {
			out = append(out, models.Sample{Timestamp: bucket, Value: sum / float64(count)})
			sum, count = 0, 0
		}
		bucket = b
		sum += s.Value
		count++
	}
	if count > 0 {
		out = append(out, models.Sample{Timestamp: bucket, Value: sum / float64(count)})
	}
	return out
}
