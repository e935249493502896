// Package metrics exports update cycle counters in the Prometheus format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/interopscore/pkg/updater"
)

const namespace = "interopscore"

// Cycle results used as the result label.
const (
	ResultUpdated = "updated"
	ResultNoop    = "noop"
	ResultFailed  = "failed"
)

var _ updater.Recorder = (*Metrics)(nil)

// Metrics holds the collectors of one process on a private registry.
type Metrics struct {
	log      logrus.FieldLogger
	registry *prometheus.Registry

	runsNew          *prometheus.CounterVec
	revisionsSkipped *prometheus.CounterVec
	alignedRows      *prometheus.CounterVec
	cycles           *prometheus.CounterVec
	cycleDuration    *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New(log logrus.FieldLogger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		log:      log.WithField("component", "metrics"),
		registry: reg,
		runsNew: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_new_total",
			Help:      "Runs not previously known, by channel.",
		}, []string{"year", "channel"}),
		revisionsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revisions_skipped_total",
			Help:      "Revisions deferred because their results were not available.",
		}, []string{"year", "channel"}),
		alignedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aligned_rows_total",
			Help:      "Aligned rows scored into the current snapshot.",
		}, []string{"year", "channel"}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished update cycles by result.",
		}, []string{"channel", "result"}),
		cycleDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of the last update cycle.",
		}, []string{"year", "channel"}),
	}
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(report *updater.CycleReport, err error) {
	year := fmt.Sprintf("%d", report.Year)

	m.runsNew.WithLabelValues(year, report.Channel).Add(float64(report.NewRuns))
	m.revisionsSkipped.WithLabelValues(year, report.Channel).Add(float64(len(report.Skipped)))
	m.alignedRows.WithLabelValues(year, report.Channel).Add(float64(report.AlignedRows))
	m.cycleDuration.WithLabelValues(year, report.Channel).Set(report.Duration.Seconds())
	m.cycles.WithLabelValues(report.Channel, cycleResult(report, err)).Inc()
}

func cycleResult(report *updater.CycleReport, err error) string {
	switch {
	case err != nil || report.State == updater.StateFailed:
		return ResultFailed
	case report.State == updater.StateIdle:
		return ResultNoop
	default:
		return ResultUpdated
	}
}

// WriteTextfile writes the collectors to path for the node-exporter
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}

	m.log.WithField("path", path).Debug("Wrote metrics textfile")

	return nil
}
