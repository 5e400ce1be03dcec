package promread

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/prompb"
	"github.com/prometheus/prometheus/storage/remote"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/memstore"
)

// SeriesSource is the sample store the handler reads from.
type SeriesSource interface {
	Select(metric string, match func(map[string]string) bool, start, end time.Time) []memstore.Series
}

// RemoteReadHandler exposes ingested samples over the Prometheus remote
// read protocol, so dashboards can chart what a collection run summarized.
type RemoteReadHandler struct {
	source SeriesSource
	logger *zap.Logger
}

func NewRemoteReadHandler(source SeriesSource, logger *zap.Logger) *RemoteReadHandler {
	return &RemoteReadHandler{
		source: source,
		logger: logger,
	}
}

func (h *RemoteReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := remote.DecodeReadRequest(r)
	if err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.handleReadRequest(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to handle read request", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Content-Encoding", "snappy")
	if err := remote.EncodeReadResponse(resp, w); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *RemoteReadHandler) handleReadRequest(ctx context.Context, req *prompb.ReadRequest) (*prompb.ReadResponse, error) {
	resp := &prompb.ReadResponse{
		Results: make([]*prompb.QueryResult, 0, len(req.Queries)),
	}

	for _, query := range req.Queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := h.executeQuery(query)
		if err != nil {
			return nil, fmt.Errorf("query execution failed: %w", err)
		}
		resp.Results = append(resp.Results, result)
	}

	return resp, nil
}

// executeQuery needs an equality matcher on the metric name; every other
// matcher filters series by attribute.
func (h *RemoteReadHandler) executeQuery(query *prompb.Query) (*prompb.QueryResult, error) {
	matchers, err := remote.FromLabelMatchers(query.Matchers)
	if err != nil {
		return nil, fmt.Errorf("invalid matchers: %w", err)
	}

	var (
		metric string
		rest   []*labels.Matcher
	)
	for _, m := range matchers {
		if m.Name == labels.MetricName && m.Type == labels.MatchEqual {
			metric = m.Value
			continue
		}
		rest = append(rest, m)
	}
	if metric == "" {
		return nil, fmt.Errorf("remote read requires an equality matcher on %s", labels.MetricName)
	}

	var start, end time.Time
	if query.StartTimestampMs > 0 {
		start = time.UnixMilli(query.StartTimestampMs)
	}
	if query.EndTimestampMs > 0 {
		// end is inclusive on the wire
		end = time.UnixMilli(query.EndTimestampMs + 1)
	}

	series := h.source.Select(metric, func(attrs map[string]string) bool {
		for _, m := range rest {
			if !m.Matches(attrs[m.Name]) {
				return false
			}
		}
		return true
	}, start, end)

	timeseries := make([]*prompb.TimeSeries, 0, len(series))
	for _, s := range series {
		ts := &prompb.TimeSeries{
			Labels:  buildLabels(s.Metric, s.Attributes),
			Samples: make([]prompb.Sample, 0, len(s.Samples)),
		}
		for _, sample := range s.Samples {
			ts.Samples = append(ts.Samples, prompb.Sample{
				Value:     sample.Value,
				Timestamp: sample.Timestamp.UnixMilli(),
			})
		}
		timeseries = append(timeseries, ts)
	}

	h.logger.Debug("Served remote read query",
		zap.String("metric", metric),
		zap.Int("series", len(timeseries)))

	return &prompb.QueryResult{
		Timeseries: timeseries,
	}, nil
}

// buildLabels returns the series labels sorted by name, with the metric name
// as __name__.
func buildLabels(metric string, attrs map[string]string) []prompb.Label {
	lbls := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		lbls[k] = v
	}
	lbls[labels.MetricName] = metric

	result := make([]prompb.Label, 0, len(lbls))
	labels.FromMap(lbls).Range(func(l labels.Label) {
		result = append(result, prompb.Label{Name: l.Name, Value: l.Value})
	})
	return result
}
