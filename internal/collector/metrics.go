package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type runMetrics struct {
	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	queries       *prometheus.CounterVec
	samples       prometheus.Counter
	capped        *prometheus.CounterVec
	lastRunTasks  *prometheus.GaugeVec
	lastRunFailed *prometheus.GaugeVec
}

func newRunMetrics(reg prometheus.Registerer) *runMetrics {
	factory := promauto.With(reg)

	return &runMetrics{
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capacity_collector_tasks_total",
				Help: "Collection tasks by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capacity_collector_task_duration_seconds",
				Help:    "Duration of one resource collection task",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"kind"},
		),
		queries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capacity_collector_queries_total",
				Help: "Metric queries by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		samples: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capacity_collector_samples_total",
				Help: "Samples summarized",
			},
		),
		capped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capacity_collector_capped_summaries_total",
				Help: "Percentage summaries capped at 100",
			},
			[]string{"kind"},
		),
		lastRunTasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capacity_collector_last_run_tasks",
				Help: "Tasks in the last collection run",
			},
			[]string{"kind"},
		),
		lastRunFailed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capacity_collector_last_run_failed_tasks",
				Help: "Failed tasks in the last collection run",
			},
			[]string{"kind"},
		),
	}
}
