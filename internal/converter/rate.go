package converter

import (
	"sync"
	"time"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

// RateConverter turns monotonic cumulative counters into per-second rates.
// It keeps the last observation of every series.
type RateConverter struct {
	mu         sync.Mutex
	stateStore map[uint64]*conversionState
	maxIdle    time.Duration
}

type conversionState struct {
	lastValue     float64
	lastTimestamp time.Time
}

// NewRateConverter forgets series not seen for maxIdle; zero keeps them
// forever.
func NewRateConverter(maxIdle time.Duration) *RateConverter {
	return &RateConverter{
		stateStore: make(map[uint64]*conversionState),
		maxIdle:    maxIdle,
	}
}

// CumulativeRate returns the rate since the previous point of the series.
// The first point of a series and out-of-order points yield no rate. A
// value below the previous one is a counter reset: the counter restarted
// from zero, so the value itself is the increase.
func (rc *RateConverter) CumulativeRate(p models.Point) (models.Point, bool) {
	key := models.SeriesHash(p.Metric, p.Attributes)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	state, exists := rc.stateStore[key]
	if !exists {
		rc.stateStore[key] = &conversionState{lastValue: p.Value, lastTimestamp: p.Timestamp}
		return models.Point{}, false
	}

	elapsed := p.Timestamp.Sub(state.lastTimestamp).Seconds()
	if elapsed <= 0 {
		return models.Point{}, false
	}

	increase := p.Value - state.lastValue
	if p.Value < state.lastValue {
		increase = p.Value
	}

	state.lastValue = p.Value
	state.lastTimestamp = p.Timestamp

	out := p
	out.Value = increase / elapsed
	return out, true
}

// DeltaRate spreads a delta over its own interval. A point without a usable
// interval yields no rate.
func DeltaRate(p models.Point, start time.Time) (models.Point, bool) {
	if start.IsZero() {
		return models.Point{}, false
	}
	elapsed := p.Timestamp.Sub(start).Seconds()
	if elapsed <= 0 {
		return models.Point{}, false
	}

	out := p
	out.Value = p.Value / elapsed
	return out, true
}

// Expire drops the state of series idle for longer than maxIdle.
func (rc *RateConverter) Expire(now time.Time) int {
	if rc.maxIdle <= 0 {
		return 0
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	var expired int
	for key, state := range rc.stateStore {
		if now.Sub(state.lastTimestamp) > rc.maxIdle {
			delete(rc.stateStore, key)
			expired++
		}
	}
	return expired
}
