package rollup

import (
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
	"github.com/kloudmate/capacity-pipeline/pkg/stats"
)

// DefaultUtilizationColumns name the peak-load columns of an instance
// record. A column is a utilization column when its name contains one of
// them.
var DefaultUtilizationColumns = []string{
	"cpu_avg", "cpu_max", "cpu_p95",
	"memory_avg", "memory_max", "memory_p95",
	"disk_utilization_pct",
}

type Config struct {
	UtilizationColumns []string
}

type Aggregator struct {
	logger *zap.Logger
	config *Config
}

func NewAggregator(cfg *Config, logger *zap.Logger) *Aggregator {
	if len(cfg.UtilizationColumns) == 0 {
		cfg.UtilizationColumns = DefaultUtilizationColumns
	}
	return &Aggregator{logger: logger, config: cfg}
}

type observation struct {
	stamp  string
	record models.Record
}

type group struct {
	resource     models.Resource
	observations []observation
	stamps       map[string]bool
	snapshots    int
}

// Aggregate combines the records of snapshots of one kind into one rollup
// per resource. Snapshot order does not matter: records are replayed in
// chronological order of the snapshots' date tokens.
func (a *Aggregator) Aggregate(kind models.ResourceKind, snaps []models.Snapshot) []models.RollupRecord {
	ordered := make([]models.Snapshot, len(snaps))
	copy(ordered, snaps)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Stamp != ordered[j].Stamp {
			return ordered[i].Stamp < ordered[j].Stamp
		}
		bi, bj := filepath.Base(ordered[i].Path), filepath.Base(ordered[j].Path)
		if bi != bj {
			return bi < bj
		}
		return ordered[i].Path < ordered[j].Path
	})

	groups := make(map[models.ResourceID]*group)
	numeric := make(map[string]bool)
	var skipped int

	for _, snap := range ordered {
		seen := make(map[models.ResourceID]bool)
		for _, rec := range snap.Records {
			res, ok := identity(kind, rec)
			if !ok {
				skipped++
				continue
			}

			key := res.ID()
			g, ok := groups[key]
			if !ok {
				g = &group{resource: res, stamps: make(map[string]bool)}
				groups[key] = g
			}
			g.observations = append(g.observations, observation{stamp: snap.Stamp, record: rec})
			g.stamps[snap.Stamp] = true
			if !seen[key] {
				seen[key] = true
				g.snapshots++
			}

			classify(numeric, rec)
		}
	}

	if skipped > 0 {
		a.logger.Warn("Skipped records without resource identity",
			zap.String("kind", kind.String()),
			zap.Int("records", skipped))
	}

	out := make([]models.RollupRecord, 0, len(groups))
	for _, g := range groups {
		var fields models.Record
		if kind == models.KindTenant {
			fields = a.tenantFields(g, numeric)
		} else {
			fields = a.instanceFields(g, numeric)
		}

		start, end := periodBounds(g.stamps)
		out = append(out, models.RollupRecord{
			Kind:         kind,
			Resource:     g.resource,
			Fields:       fields,
			PeriodStart:  start,
			PeriodEnd:    end,
			NumSnapshots: g.snapshots,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource.InstanceID != out[j].Resource.InstanceID {
			return out[i].Resource.InstanceID < out[j].Resource.InstanceID
		}
		return out[i].Resource.TenantID < out[j].Resource.TenantID
	})

	a.logger.Info("Rollup aggregated",
		zap.String("kind", kind.String()),
		zap.Int("snapshots", len(snaps)),
		zap.Int("resources", len(out)))
	return out
}

func (a *Aggregator) isUtilization(col string) bool {
	for _, u := range a.config.UtilizationColumns {
		if strings.Contains(col, u) {
			return true
		}
	}
	return false
}

// instanceFields keeps the worst observed value of utilization columns and
// the latest observed value of everything else.
func (a *Aggregator) instanceFields(g *group, numeric map[string]bool) models.Record {
	fields := models.Record{}
	for _, obs := range g.observations {
		for col, v := range obs.record {
			if isIdentity(col) {
				continue
			}
			if numeric[col] && a.isUtilization(col) {
				f, _ := models.ToFloat(v)
				if cur, ok := fields[col].(float64); ok && cur >= f {
					continue
				}
				fields[col] = f
				continue
			}
			fields[col] = v
		}
	}
	return fields
}

// tenantFields expands numeric columns into _min/_max/_mean and keeps the
// first observed value of categorical columns.
func (a *Aggregator) tenantFields(g *group, numeric map[string]bool) models.Record {
	type acc struct {
		min, max, sum float64
		n             int
	}

	accs := make(map[string]*acc)
	fields := models.Record{}
	for _, obs := range g.observations {
		for col, v := range obs.record {
			if isIdentity(col) {
				continue
			}
			if !numeric[col] {
				if _, ok := fields[col]; !ok {
					fields[col] = v
				}
				continue
			}

			f, _ := models.ToFloat(v)
			c, ok := accs[col]
			if !ok {
				accs[col] = &acc{min: f, max: f, sum: f, n: 1}
				continue
			}
			if f < c.min {
				c.min = f
			}
			if f > c.max {
				c.max = f
			}
			c.sum += f
			c.n++
		}
	}

	for col, c := range accs {
		fields[col+"_min"] = c.min
		fields[col+"_max"] = c.max
		fields[col+"_mean"] = stats.Round2(c.sum / float64(c.n))
	}
	return fields
}

// Rows flattens rollups into exportable records.
func Rows(rollups []models.RollupRecord) []models.Record {
	rows := make([]models.Record, len(rollups))
	for i, r := range rollups {
		rows[i] = r.Flatten()
	}
	return rows
}

func identity(kind models.ResourceKind, rec models.Record) (models.Resource, bool) {
	instanceID := rec.String(models.FieldInstanceID)
	if instanceID == "" {
		return models.Resource{}, false
	}
	if kind != models.KindTenant {
		return models.NewInstance(instanceID), true
	}

	tenantID := rec.String(models.FieldTenantID)
	if tenantID == "" {
		return models.Resource{}, false
	}
	return models.NewTenant(instanceID, tenantID), true
}

func isIdentity(col string) bool {
	return col == models.FieldInstanceID || col == models.FieldTenantID
}

// classify marks a column numeric while every value seen for it is a
// number. One non-numeric value makes the column categorical for good.
func classify(numeric map[string]bool, rec models.Record) {
	for col, v := range rec {
		isNum := isNumber(v)
		prev, seen := numeric[col]
		if !seen {
			numeric[col] = isNum
			continue
		}
		numeric[col] = prev && isNum
	}
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint64:
		return true
	default:
		return false
	}
}

func periodBounds(stamps map[string]bool) (string, string) {
	var start, end string
	for s := range stamps {
		if start == "" || s < start {
			start = s
		}
		if s > end {
			end = s
		}
	}
	return start, end
}
