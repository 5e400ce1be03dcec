package processor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

// Sink is where validated points go.
type Sink interface {
	Append(ctx context.Context, points []models.Point) error
}

// Processor validates ingested points and forwards the valid ones to a sink.
// It satisfies the receiver's sink itself.
type Processor struct {
	logger *zap.Logger
	config *Config
	sink   Sink
	now    func() time.Time

	mu              sync.Mutex
	processingStats ProcessingStats
}

type Config struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

type ProcessingStats struct {
	ProcessedCount  uint64
	DroppedCount    uint64
	ErrorCount      uint64
	LastProcessTime time.Time
}

func NewProcessor(cfg *Config, sink Sink, logger *zap.Logger) *Processor {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.MaxFuture <= 0 {
		cfg.MaxFuture = time.Hour
	}
	return &Processor{
		logger: logger,
		config: cfg,
		sink:   sink,
		now:    time.Now,
	}
}

func (p *Processor) Append(ctx context.Context, points []models.Point) error {
	now := p.now()
	valid := make([]models.Point, 0, len(points))

	var dropped uint64
	for _, pt := range points {
		if err := p.validate(pt, now); err != nil {
			p.logger.Debug("Dropping invalid point",
				zap.String("metric", pt.Metric),
				zap.Error(err))
			dropped++
			continue
		}
		valid = append(valid, pt)
	}

	var err error
	if len(valid) > 0 {
		err = p.sink.Append(ctx, valid)
	}

	p.mu.Lock()
	p.processingStats.DroppedCount += dropped
	p.processingStats.LastProcessTime = now
	if err != nil {
		p.processingStats.ErrorCount++
	} else {
		p.processingStats.ProcessedCount += uint64(len(valid))
	}
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Warn("Dropped invalid points",
			zap.Uint64("dropped", dropped),
			zap.Int("received", len(points)))
	}
	if err != nil {
		return fmt.Errorf("failed to store points: %w", err)
	}
	return nil
}

func (p *Processor) validate(pt models.Point, now time.Time) error {
	if pt.Metric == "" {
		return fmt.Errorf("metric name is empty")
	}

	if pt.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is zero")
	}

	if pt.Timestamp.After(now.Add(p.config.MaxFuture)) {
		return fmt.Errorf("timestamp is too far in the future")
	}

	if pt.Timestamp.Before(now.Add(-p.config.MaxAge)) {
		return fmt.Errorf("timestamp is too old")
	}

	if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) {
		return fmt.Errorf("value is not finite")
	}

	return nil
}

func (p *Processor) Stats() ProcessingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processingStats
}
