package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const CurrentVersion = 1

const (
	UnitPercent = "percent"
	UnitBytes   = "bytes"
)

// Metric maps one backend metric key to the stable record prefix it is
// summarized under.
type Metric struct {
	Key        string `yaml:"key"`
	Prefix     string `yaml:"prefix"`
	Percentage bool   `yaml:"percentage"`
	Unit       string `yaml:"unit"`
	Available  bool   `yaml:"available"`
}

func (m *Metric) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Key        string `yaml:"key"`
		Prefix     string `yaml:"prefix"`
		Percentage bool   `yaml:"percentage"`
		Unit       string `yaml:"unit"`
		Available  *bool  `yaml:"available"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	// entries default to available unless switched off
	*m = Metric{
		Key:        raw.Key,
		Prefix:     raw.Prefix,
		Percentage: raw.Percentage,
		Unit:       raw.Unit,
		Available:  raw.Available == nil || *raw.Available,
	}
	return nil
}

// Bytes reports whether the metric is byte-denominated and gets converted to
// GB after summarizing.
func (m Metric) Bytes() bool {
	return m.Unit == UnitBytes
}

type Catalog struct {
	Version  int      `yaml:"version"`
	Instance []Metric `yaml:"instance"`
	Tenant   []Metric `yaml:"tenant"`
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if c.Version == 0 {
		c.Version = CurrentVersion
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Catalog) Validate() error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("unsupported catalog version %d", c.Version)
	}

	for kind, metrics := range map[string][]Metric{"instance": c.Instance, "tenant": c.Tenant} {
		keys := make(map[string]bool, len(metrics))
		prefixes := make(map[string]bool, len(metrics))
		for i, m := range metrics {
			if m.Key == "" || m.Prefix == "" {
				return fmt.Errorf("%s metric %d: key and prefix are required", kind, i)
			}
			if keys[m.Key] {
				return fmt.Errorf("%s metric %q listed twice", kind, m.Key)
			}
			if prefixes[m.Prefix] {
				return fmt.Errorf("%s prefix %q used twice", kind, m.Prefix)
			}
			keys[m.Key] = true
			prefixes[m.Prefix] = true
		}
	}

	return nil
}

// Enabled returns the available metrics for a resource kind in catalog order.
func (c *Catalog) Enabled(kind models.ResourceKind) []Metric {
	var all []Metric
	switch kind {
	case models.KindInstance:
		all = c.Instance
	case models.KindTenant:
		all = c.Tenant
	}

	out := make([]Metric, 0, len(all))
	for _, m := range all {
		if m.Available {
			out = append(out, m)
		}
	}
	return out
}

func (c *Catalog) Lookup(kind models.ResourceKind, key string) (Metric, bool) {
	all := c.Instance
	if kind == models.KindTenant {
		all = c.Tenant
	}
	for _, m := range all {
		if m.Key == key {
			return m, true
		}
	}
	return Metric{}, false
}
