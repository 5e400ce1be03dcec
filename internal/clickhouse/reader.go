package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/models"
)

// SampleReader answers collection queries from the samples table. Samples
// are averaged per query period inside ClickHouse.
type SampleReader struct {
	conn   driver.Conn
	logger *zap.Logger
	config *Config
}

func NewSampleReader(cfg *Config, logger *zap.Logger) (*SampleReader, error) {
	cfg.setDefaults()

	conn, err := open(cfg)
	if err != nil {
		return nil, err
	}

	return &SampleReader{
		conn:   conn,
		logger: logger,
		config: cfg,
	}, nil
}

func (r *SampleReader) Query(ctx context.Context, q collector.Query) ([]models.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	query, args := buildQuery(r.config.Table, q)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		var s models.Sample
		if err := rows.Scan(&s.Timestamp, &s.Value); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	r.logger.Debug("Queried samples",
		zap.String("metric", q.Metric),
		zap.Any("dimensions", q.Dimensions),
		zap.Int("samples", len(samples)))
	return samples, nil
}

// buildQuery selects the samples of one metric in [Start, End) whose
// attributes carry every query dimension. A positive period buckets the
// samples with toStartOfInterval and averages each bucket.
func buildQuery(table string, q collector.Query) (string, []interface{}) {
	conditions := []string{"metric = ?", "timestamp >= ?", "timestamp < ?"}
	params := []interface{}{q.Metric, q.Start, q.End}

	keys := make([]string, 0, len(q.Dimensions))
	for k := range q.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conditions = append(conditions, "attributes[?] = ?")
		params = append(params, k, q.Dimensions[k])
	}

	where := strings.Join(conditions, " AND ")

	seconds := int64(q.Period / time.Second)
	if seconds <= 0 {
		return fmt.Sprintf(`SELECT timestamp, value FROM %s WHERE %s ORDER BY timestamp`, table, where), params
	}

	return fmt.Sprintf(`SELECT toStartOfInterval(timestamp, INTERVAL %d SECOND) AS bucket, avg(value) AS value
FROM %s
WHERE %s
GROUP BY bucket
ORDER BY bucket`, seconds, table, where), params
}

func (r *SampleReader) Close() error {
	return r.conn.Close()
}
