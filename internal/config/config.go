package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourcePrometheus = "prometheus"
	SourceClickHouse = "clickhouse"
	SourceOTLP       = "otlp"
)

type Config struct {
	Inventory struct {
		Path string `yaml:"path"`
	} `yaml:"inventory"`

	Source struct {
		Kind string `yaml:"kind"`

		Prometheus struct {
			Address     string        `yaml:"address"`
			Aggregation string        `yaml:"aggregation"`
			Step        time.Duration `yaml:"step"`
			Timeout     time.Duration `yaml:"timeout"`
		} `yaml:"prometheus"`

		ClickHouse struct {
			Addresses     []string      `yaml:"addresses"`
			Database      string        `yaml:"database"`
			Username      string        `yaml:"username"`
			Password      string        `yaml:"password"`
			Table         string        `yaml:"table"`
			RetentionDays int           `yaml:"retention_days"`
			BatchSize     int           `yaml:"batch_size"`
			FlushInterval time.Duration `yaml:"flush_interval"`
			QueryTimeout  time.Duration `yaml:"query_timeout"`
			MaxIdleConns  int           `yaml:"max_idle_conns"`
			MaxOpenConns  int           `yaml:"max_open_conns"`
		} `yaml:"clickhouse"`
	} `yaml:"source"`

	Receiver struct {
		OTLP struct {
			Address        string            `yaml:"address"`
			MaxMessageSize int               `yaml:"max_message_size"`
			Aliases        map[string]string `yaml:"aliases"`
			CounterRates   bool              `yaml:"counter_rates"`
		} `yaml:"otlp"`
		Retention           time.Duration `yaml:"retention"`
		MaxFuture           time.Duration `yaml:"max_future"`
		MaxSamplesPerSeries int           `yaml:"max_samples_per_series"`
	} `yaml:"receiver"`

	Collector struct {
		InstanceWorkers int           `yaml:"instance_workers"`
		TenantWorkers   int           `yaml:"tenant_workers"`
		ProgressEvery   int           `yaml:"progress_every"`
		Frequency       string        `yaml:"frequency"`
		Period          time.Duration `yaml:"period"`
		Schedule        time.Duration `yaml:"schedule"`
	} `yaml:"collector"`

	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`

	Snapshot struct {
		Dir            string `yaml:"dir"`
		InstancePrefix string `yaml:"instance_prefix"`
		TenantPrefix   string `yaml:"tenant_prefix"`
	} `yaml:"snapshot"`

	Rollup struct {
		UtilizationColumns []string `yaml:"utilization_columns"`
	} `yaml:"rollup"`

	RemoteRead struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"remote_read"`

	// Telemetry.Address serves /metrics, and /api/v1/read when remote
	// read is enabled, in the serve command.
	Telemetry struct {
		Address  string `yaml:"address"`
		Textfile string `yaml:"textfile"`
	} `yaml:"telemetry"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads, defaults and validates a config file. An empty path yields
// the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Inventory.Path == "" {
		cfg.Inventory.Path = "inventory.yaml"
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = SourcePrometheus
	}

	if cfg.Source.Prometheus.Address == "" {
		cfg.Source.Prometheus.Address = "http://localhost:9090"
	}

	if cfg.Source.Prometheus.Timeout == 0 {
		cfg.Source.Prometheus.Timeout = 30 * time.Second
	}

	if cfg.Source.ClickHouse.Database == "" {
		cfg.Source.ClickHouse.Database = "default"
	}

	if cfg.Source.ClickHouse.MaxIdleConns == 0 {
		cfg.Source.ClickHouse.MaxIdleConns = 5
	}

	if cfg.Source.ClickHouse.MaxOpenConns == 0 {
		cfg.Source.ClickHouse.MaxOpenConns = 10
	}

	if cfg.Receiver.OTLP.Address == "" {
		cfg.Receiver.OTLP.Address = ":4317"
	}

	if cfg.Receiver.Retention == 0 {
		cfg.Receiver.Retention = 31 * 24 * time.Hour
	}

	if cfg.Receiver.MaxFuture == 0 {
		cfg.Receiver.MaxFuture = time.Hour
	}

	if cfg.Collector.InstanceWorkers == 0 {
		cfg.Collector.InstanceWorkers = 5
	}

	if cfg.Collector.TenantWorkers == 0 {
		cfg.Collector.TenantWorkers = 10
	}

	if cfg.Collector.ProgressEvery == 0 {
		cfg.Collector.ProgressEvery = 10
	}

	if cfg.Collector.Frequency == "" {
		cfg.Collector.Frequency = "daily"
	}

	if cfg.Collector.Period == 0 {
		cfg.Collector.Period = 5 * time.Minute
	}

	if cfg.Collector.Schedule == 0 {
		cfg.Collector.Schedule = 24 * time.Hour
	}

	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = "reports"
	}

	if cfg.Telemetry.Address == "" {
		cfg.Telemetry.Address = ":9201"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourcePrometheus, SourceOTLP:
	case SourceClickHouse:
		if len(c.Source.ClickHouse.Addresses) == 0 {
			return fmt.Errorf("source.clickhouse.addresses is required for the clickhouse source")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	if c.Collector.InstanceWorkers < 0 || c.Collector.TenantWorkers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if c.Collector.Period < time.Second {
		return fmt.Errorf("collector.period must be at least 1s, got %s", c.Collector.Period)
	}
	if c.Collector.Schedule < time.Minute {
		return fmt.Errorf("collector.schedule must be at least 1m, got %s", c.Collector.Schedule)
	}
	switch c.Collector.Frequency {
	case "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("unknown collector.frequency %q", c.Collector.Frequency)
	}

	if c.RemoteRead.Enabled && c.Source.Kind != SourceOTLP {
		return fmt.Errorf("remote_read needs the otlp source, got %s", c.Source.Kind)
	}
	return nil
}
