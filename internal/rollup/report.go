package rollup

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

var periodDays = map[string]int{
	"weekly":  7,
	"monthly": 30,
}

// PeriodDays maps a named rollup period to its lookback window.
func PeriodDays(period string) (int, error) {
	days, ok := periodDays[period]
	if !ok {
		return 0, fmt.Errorf("unknown rollup period %q (want weekly or monthly)", period)
	}
	return days, nil
}

type SnapshotLoader interface {
	Load(kind models.ResourceKind, lookbackDays int) ([]models.Snapshot, error)
}

// Report loads the snapshots of a kind within the lookback window and
// aggregates them. No snapshots is not an error: the report is empty.
func (a *Aggregator) Report(loader SnapshotLoader, kind models.ResourceKind, lookbackDays int) ([]models.RollupRecord, error) {
	if lookbackDays <= 0 {
		return nil, fmt.Errorf("lookback must be positive, got %d days", lookbackDays)
	}

	snaps, err := loader.Load(kind, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s snapshots: %w", kind, err)
	}
	if len(snaps) == 0 {
		a.logger.Warn("No snapshots in lookback window",
			zap.String("kind", kind.String()),
			zap.Int("lookback_days", lookbackDays))
		return nil, nil
	}

	return a.Aggregate(kind, snaps), nil
}
