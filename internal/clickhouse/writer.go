package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const DefaultTable = "metrics_raw"

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	metric LowCardinality(String),
	series_hash UInt64,
	timestamp DateTime64(3),
	value Float64,
	attributes Map(LowCardinality(String), String)
) ENGINE = MergeTree
PARTITION BY toDate(timestamp)
ORDER BY (metric, series_hash, timestamp)
TTL toDateTime(timestamp) + INTERVAL %d DAY`

type Config struct {
	Addresses     []string
	Database      string
	Username      string
	Password      string
	Table         string
	RetentionDays int
	BatchSize     int
	FlushInterval time.Duration
	QueryTimeout  time.Duration
	MaxIdleConns  int
	MaxOpenConns  int
}

func (c *Config) setDefaults() {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 40
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
}

func open(cfg *Config) (driver.Conn, error) {
	options := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     time.Second * 10,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Writer batches ingested points into the samples table. Batches are sent
// when full and on a timer.
type Writer struct {
	conn   driver.Conn
	logger *zap.Logger
	config *Config

	mu        sync.Mutex
	batch     []models.Point
	lastFlush time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWriter(cfg *Config, logger *zap.Logger) (*Writer, error) {
	cfg.setDefaults()

	conn, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if err := conn.Exec(context.Background(), Schema(cfg.Table, cfg.RetentionDays)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create samples table: %w", err)
	}

	w := &Writer{
		conn:      conn,
		logger:    logger,
		config:    cfg,
		batch:     make([]models.Point, 0, cfg.BatchSize),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	go w.periodicFlush()

	return w, nil
}

// Schema returns the DDL of the samples table.
func Schema(table string, retentionDays int) string {
	return fmt.Sprintf(schemaTemplate, table, retentionDays)
}

func (w *Writer) Append(ctx context.Context, points []models.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range points {
		w.batch = append(w.batch, p)

		if len(w.batch) >= w.config.BatchSize {
			if err := w.flushLocked(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *Writer) periodicFlush() {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()
	defer close(w.doneCh)

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.config.FlushInterval && len(w.batch) > 0 {
				if err := w.flushLocked(context.Background()); err != nil {
					w.logger.Error("Periodic flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()

		case <-w.stopCh:
			w.mu.Lock()
			if len(w.batch) > 0 {
				if err := w.flushLocked(context.Background()); err != nil {
					w.logger.Error("Final flush failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (metric, series_hash, timestamp, value, attributes)", w.config.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, p := range w.batch {
		if err := batch.Append(rowValues(p)...); err != nil {
			return fmt.Errorf("failed to append point to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.logger.Info("Flushed sample batch",
		zap.Int("batch_size", len(w.batch)),
		zap.String("table", w.config.Table))

	w.batch = w.batch[:0]
	w.lastFlush = time.Now()
	return nil
}

func rowValues(p models.Point) []interface{} {
	attrs := p.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return []interface{}{
		p.Metric,
		models.SeriesHash(p.Metric, attrs),
		p.Timestamp,
		p.Value,
		attrs,
	}
}

func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *Writer) Close() error {
	close(w.stopCh)
	<-w.doneCh
	return w.conn.Close()
}
