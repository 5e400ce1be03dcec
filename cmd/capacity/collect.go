package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

var (
	frequency    string
	lookbackDays int
	instanceIDs  []string
	listOnly     bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect one dated snapshot of every instance and tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		querier, err := a.querier(nil)
		if err != nil {
			return err
		}
		c, err := a.collector(querier)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if listOnly {
			instances, err := c.Discover(ctx, instanceIDs)
			if err != nil {
				return err
			}
			printInstances(instances)
			return nil
		}

		freq := frequency
		if freq == "" {
			freq = a.cfg.Collector.Frequency
		}
		return a.collect(ctx, c, collectOptions{
			frequency:    freq,
			lookbackDays: lookbackDays,
			instances:    instanceIDs,
		})
	},
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVarP(&frequency, "frequency", "f", "",
		"Report frequency: daily (24h), weekly (7 days) or monthly (30 days); defaults to collector.frequency")
	collectCmd.Flags().IntVar(&lookbackDays, "lookback-days", 0,
		"Days of metrics to summarize, overriding the frequency window")
	collectCmd.Flags().StringSliceVar(&instanceIDs, "instances", nil,
		"Collect only these instance ids")
	collectCmd.Flags().BoolVar(&listOnly, "list-only", false,
		"List the instances that would be collected and exit")
}

func printInstances(instances []models.Resource) {
	fmt.Fprintf(os.Stdout, "%d instances\n", len(instances))
	for _, r := range instances {
		keys := make([]string, 0, len(r.Attributes))
		for k := range r.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		attrs := make([]string, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, k+"="+models.FormatValue(r.Attributes[k]))
		}
		fmt.Fprintf(os.Stdout, "  %s\t%s\n", r.InstanceID, strings.Join(attrs, " "))
	}
}
