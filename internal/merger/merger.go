package merger

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/catalog"
	"github.com/kloudmate/capacity-pipeline/internal/models"
	"github.com/kloudmate/capacity-pipeline/pkg/stats"
)

const BytesPerGB = 1024 * 1024 * 1024

var summarySuffixes = []string{"avg", "min", "max", "p95"}

type Merger struct {
	logger *zap.Logger
}

func NewMerger(logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{logger: logger}
}

// Merge copies base and applies each map in order. Later maps win on key
// collisions. base is never modified.
func Merge(base models.Record, maps ...models.Record) models.Record {
	out := base.Clone()
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// SummaryFields emits the four {prefix}_avg/_min/_max/_p95 fields of a
// summary.
func SummaryFields(prefix string, s models.Summary) models.Record {
	return models.Record{
		prefix + "_avg": s.Avg,
		prefix + "_min": s.Min,
		prefix + "_max": s.Max,
		prefix + "_p95": s.P95,
	}
}

// GBPrefix maps a byte-denominated prefix to its converted name:
// log_disk_used_bytes becomes log_disk_used_gb.
func GBPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "_bytes") + "_gb"
}

// ConvertBytesToGB moves the {prefix}_* summary fields to their GB-named
// counterparts. The byte fields are consumed, so a second call is a no-op.
func ConvertBytesToGB(rec models.Record, prefix string) bool {
	gb := GBPrefix(prefix)
	converted := false
	for _, suffix := range summarySuffixes {
		key := prefix + "_" + suffix
		v, ok := rec.Float(key)
		if !ok {
			continue
		}
		rec[gb+"_"+suffix] = stats.Round2(v / BytesPerGB)
		delete(rec, key)
		converted = true
	}
	return converted
}

// Ratio returns num/den as a percentage rounded to 2 decimals, or 0 when the
// denominator is not strictly positive.
func Ratio(num, den float64) float64 {
	if den <= 0 || math.IsNaN(den) || math.IsNaN(num) {
		return 0
	}
	return stats.Round2(num / den * 100)
}

// Finalize applies the catalog post-processing on a merged record: byte
// metrics become GB fields and tenant disk figures are refined from them.
func (m *Merger) Finalize(kind models.ResourceKind, rec models.Record, metrics []catalog.Metric) models.Record {
	for _, metric := range metrics {
		if metric.Bytes() {
			ConvertBytesToGB(rec, metric.Prefix)
		}
	}

	if kind != models.KindTenant {
		return rec
	}

	if v, ok := rec.Float("log_disk_used_gb_avg"); ok {
		rec[FieldTenantLogDiskUsage] = v
	}
	if v, ok := rec.Float("data_disk_total_gb_avg"); ok {
		rec[FieldTenantAllocatedDisk] = v
	}
	return rec
}
