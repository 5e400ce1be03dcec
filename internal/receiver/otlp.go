package receiver

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kloudmate/capacity-pipeline/internal/converter"
	"github.com/kloudmate/capacity-pipeline/internal/models"
)

// Sink stores converted points. The in-memory store and the ClickHouse
// writer both satisfy it.
type Sink interface {
	Append(ctx context.Context, points []models.Point) error
}

type OTLPReceiver struct {
	pmetricotlp.UnimplementedGRPCServer

	logger  *zap.Logger
	config  *Config
	sink    Sink
	rates   *converter.RateConverter
	server  *grpc.Server
	address string
}

type Config struct {
	Address        string
	MaxMessageSize int
	// Aliases rename incoming attribute keys, e.g. service.instance.id to
	// instanceId, so exporters need not use the query dimension names.
	Aliases map[string]string
	// CounterRates stores monotonic sums as per-second rates instead of
	// raw counter values.
	CounterRates bool
	RateIdle     time.Duration
}

func NewOTLPReceiver(cfg *Config, sink Sink, logger *zap.Logger) *OTLPReceiver {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16 * 1024 * 1024
	}
	if cfg.RateIdle <= 0 {
		cfg.RateIdle = time.Hour
	}
	return &OTLPReceiver{
		logger:  logger,
		config:  cfg,
		sink:    sink,
		rates:   converter.NewRateConverter(cfg.RateIdle),
		address: cfg.Address,
	}
}

func (r *OTLPReceiver) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", r.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	r.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(r.config.MaxMessageSize),
		grpc.MaxSendMsgSize(r.config.MaxMessageSize),
	)

	pmetricotlp.RegisterGRPCServer(r.server, r)

	r.logger.Info("Starting OTLP receiver", zap.String("address", r.address))

	go func() {
		<-ctx.Done()
		r.logger.Info("Shutting down OTLP receiver")
		r.server.GracefulStop()
	}()

	if r.config.CounterRates {
		go r.expireRates(ctx)
	}

	if err := r.server.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

func (r *OTLPReceiver) Export(ctx context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	md := req.Metrics()

	if md.DataPointCount() == 0 {
		return pmetricotlp.NewExportResponse(), nil
	}

	points := r.convert(md)
	if len(points) == 0 {
		return pmetricotlp.NewExportResponse(), nil
	}

	if err := r.sink.Append(ctx, points); err != nil {
		r.logger.Error("Failed to store points", zap.Error(err))
		return pmetricotlp.NewExportResponse(), status.Error(codes.Internal, err.Error())
	}

	r.logger.Debug("Stored OTLP points", zap.Int("points", len(points)))
	return pmetricotlp.NewExportResponse(), nil
}

func (r *OTLPReceiver) convert(md pmetric.Metrics) []models.Point {
	var result []models.Point

	resourceMetrics := md.ResourceMetrics()
	for i := 0; i < resourceMetrics.Len(); i++ {
		rm := resourceMetrics.At(i)
		resourceAttrs := rm.Resource().Attributes()

		scopeMetrics := rm.ScopeMetrics()
		for j := 0; j < scopeMetrics.Len(); j++ {
			metrics := scopeMetrics.At(j).Metrics()

			for k := 0; k < metrics.Len(); k++ {
				metric := metrics.At(k)
				converted, err := r.convertMetric(metric, resourceAttrs)
				if err != nil {
					r.logger.Warn("Failed to convert metric",
						zap.String("metric", metric.Name()),
						zap.Error(err))
					continue
				}
				result = append(result, converted...)
			}
		}
	}

	return result
}

// convertMetric turns each data point into one sample. Histograms and
// summaries contribute their mean.
func (r *OTLPReceiver) convertMetric(metric pmetric.Metric, resourceAttrs pcommon.Map) ([]models.Point, error) {
	var result []models.Point

	add := func(attrs pcommon.Map, ts pcommon.Timestamp, value float64) {
		result = append(result, models.Point{
			Metric:     metric.Name(),
			Attributes: r.mergeAttributes(resourceAttrs, attrs),
			Timestamp:  ts.AsTime(),
			Value:      value,
		})
	}

	switch metric.Type() {
	case pmetric.MetricTypeGauge:
		dataPoints := metric.Gauge().DataPoints()
		for i := 0; i < dataPoints.Len(); i++ {
			dp := dataPoints.At(i)
			add(dp.Attributes(), dp.Timestamp(), numberValue(dp))
		}

	case pmetric.MetricTypeSum:
		sum := metric.Sum()
		dataPoints := sum.DataPoints()
		if !r.config.CounterRates || !sum.IsMonotonic() {
			for i := 0; i < dataPoints.Len(); i++ {
				dp := dataPoints.At(i)
				add(dp.Attributes(), dp.Timestamp(), numberValue(dp))
			}
			break
		}

		for i := 0; i < dataPoints.Len(); i++ {
			dp := dataPoints.At(i)
			p := models.Point{
				Metric:     metric.Name(),
				Attributes: r.mergeAttributes(resourceAttrs, dp.Attributes()),
				Timestamp:  dp.Timestamp().AsTime(),
				Value:      numberValue(dp),
			}

			var ok bool
			if sum.AggregationTemporality() == pmetric.AggregationTemporalityDelta {
				var start time.Time
				if dp.StartTimestamp() != 0 {
					start = dp.StartTimestamp().AsTime()
				}
				p, ok = converter.DeltaRate(p, start)
			} else {
				p, ok = r.rates.CumulativeRate(p)
			}
			if ok {
				result = append(result, p)
			}
		}

	case pmetric.MetricTypeHistogram:
		dataPoints := metric.Histogram().DataPoints()
		for i := 0; i < dataPoints.Len(); i++ {
			dp := dataPoints.At(i)
			if !dp.HasSum() || dp.Count() == 0 {
				continue
			}
			add(dp.Attributes(), dp.Timestamp(), dp.Sum()/float64(dp.Count()))
		}

	case pmetric.MetricTypeSummary:
		dataPoints := metric.Summary().DataPoints()
		for i := 0; i < dataPoints.Len(); i++ {
			dp := dataPoints.At(i)
			if dp.Count() == 0 {
				continue
			}
			add(dp.Attributes(), dp.Timestamp(), dp.Sum()/float64(dp.Count()))
		}

	default:
		return nil, fmt.Errorf("unsupported metric type: %v", metric.Type())
	}

	return result, nil
}

func (r *OTLPReceiver) expireRates(ctx context.Context) {
	ticker := time.NewTicker(r.config.RateIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.rates.Expire(now); n > 0 {
				r.logger.Debug("Expired idle counter series", zap.Int("series", n))
			}
		}
	}
}

func numberValue(dp pmetric.NumberDataPoint) float64 {
	if dp.ValueType() == pmetric.NumberDataPointValueTypeInt {
		return float64(dp.IntValue())
	}
	return dp.DoubleValue()
}

// mergeAttributes flattens resource and data point attributes to strings.
// Data point attributes win on conflict.
func (r *OTLPReceiver) mergeAttributes(resourceAttrs, dataPointAttrs pcommon.Map) map[string]string {
	result := make(map[string]string, resourceAttrs.Len()+dataPointAttrs.Len())

	put := func(k string, v pcommon.Value) bool {
		if alias, ok := r.config.Aliases[k]; ok {
			k = alias
		}
		result[k] = v.AsString()
		return true
	}
	resourceAttrs.Range(put)
	dataPointAttrs.Range(put)

	return result
}
