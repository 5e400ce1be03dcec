package promapi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/models"
)

type Config struct {
	Address string
	// Aggregation wraps the selector, e.g. avg, so that every matching
	// series collapses into one. Empty keeps the series apart.
	Aggregation  string
	DefaultStep  time.Duration
	QueryTimeout time.Duration
}

// Querier answers collection queries with range queries against a
// Prometheus compatible HTTP API.
type Querier struct {
	api    v1.API
	logger *zap.Logger
	config *Config
}

func NewQuerier(cfg *Config, logger *zap.Logger) (*Querier, error) {
	if cfg.DefaultStep <= 0 {
		cfg.DefaultStep = 5 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}

	return &Querier{
		api:    v1.NewAPI(client),
		logger: logger,
		config: cfg,
	}, nil
}

func (q *Querier) Query(ctx context.Context, query collector.Query) ([]models.Sample, error) {
	expr, err := q.Expr(query)
	if err != nil {
		return nil, err
	}

	step := query.Period
	if step <= 0 {
		step = q.config.DefaultStep
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.QueryTimeout)
	defer cancel()

	value, warnings, err := q.api.QueryRange(ctx, expr, v1.Range{
		Start: query.Start,
		End:   query.End,
		Step:  step,
	})
	if err != nil {
		return nil, fmt.Errorf("range query failed: %w", err)
	}
	if len(warnings) > 0 {
		q.logger.Warn("Range query returned warnings",
			zap.String("query", expr),
			zap.Strings("warnings", warnings))
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s for %s", value.Type(), expr)
	}

	var samples []models.Sample
	for _, stream := range matrix {
		for _, pair := range stream.Values {
			samples = append(samples, models.Sample{
				Timestamp: pair.Timestamp.Time(),
				Value:     float64(pair.Value),
			})
		}
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	return samples, nil
}

// Expr builds the PromQL selector of a query: the metric name plus one
// equality matcher per dimension, in key order.
func (q *Querier) Expr(query collector.Query) (string, error) {
	if !model.IsValidMetricName(model.LabelValue(query.Metric)) {
		return "", fmt.Errorf("invalid metric name %q", query.Metric)
	}

	keys := make([]string, 0, len(query.Dimensions))
	for k := range query.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matchers := make([]string, 0, len(keys))
	for _, k := range keys {
		if !model.LabelName(k).IsValid() {
			return "", fmt.Errorf("invalid dimension name %q", k)
		}
		m, err := labels.NewMatcher(labels.MatchEqual, k, query.Dimensions[k])
		if err != nil {
			return "", fmt.Errorf("failed to build matcher for %s: %w", k, err)
		}
		matchers = append(matchers, m.String())
	}

	expr := query.Metric + "{" + strings.Join(matchers, ",") + "}"
	if q.config.Aggregation != "" {
		expr = q.config.Aggregation + "(" + expr + ")"
	}
	return expr, nil
}
