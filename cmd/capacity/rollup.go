package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
	"github.com/kloudmate/capacity-pipeline/internal/rollup"
)

var (
	rollupPeriod   string
	rollupLookback int
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Aggregate the daily snapshots of a period into weekly or monthly reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		label := rollupPeriod
		days := rollupLookback
		if days > 0 {
			label = fmt.Sprintf("%dd", days)
		} else {
			days, err = rollup.PeriodDays(rollupPeriod)
			if err != nil {
				return err
			}
		}

		agg := rollup.NewAggregator(&rollup.Config{
			UtilizationColumns: a.cfg.Rollup.UtilizationColumns,
		}, a.logger)

		at := time.Now()
		var written int
		for _, kind := range []models.ResourceKind{models.KindInstance, models.KindTenant} {
			rollups, err := agg.Report(a.store, kind, days)
			if err != nil {
				return err
			}
			if len(rollups) == 0 {
				continue
			}
			if _, err := a.store.WriteRollup(kind, label, rollup.Rows(rollups), at); err != nil {
				return fmt.Errorf("failed to export %s rollup: %w", kind, err)
			}
			written++
		}

		if written == 0 {
			a.logger.Warn("No rollup written: no daily snapshots in window",
				zap.Int("lookback_days", days))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollupCmd)

	rollupCmd.Flags().StringVarP(&rollupPeriod, "period", "p", "weekly",
		"Rollup period: weekly (7 days) or monthly (30 days)")
	rollupCmd.Flags().IntVar(&rollupLookback, "lookback-days", 0,
		"Aggregate the snapshots of this many days instead of a named period")
}
