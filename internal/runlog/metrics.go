package runlog

import (
	"strconv"

	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exported to Prometheus, labeled by loss.
type Metrics struct {
	stepsTotal   *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	loss         *prometheus.GaugeVec
	styleMetric  *prometheus.GaugeVec
	rawMetric    *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diststyle_steps_total",
				Help: "Total number of optimization steps",
			},
			[]string{"loss"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diststyle_runs_total",
				Help: "Total number of finished runs",
			},
			[]string{"loss"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "diststyle_step_duration_seconds",
				Help:    "Duration of one optimization step in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"loss"},
		),
		loss: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diststyle_loss",
				Help: "Loss of the last optimization step",
			},
			[]string{"loss"},
		),
		styleMetric: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diststyle_style_discrepancy",
				Help: "Discrepancy between the target and generated moments of a style layer, at the last step",
			},
			[]string{"loss", "layer", "moment"}, // moment: mean, var, skew
		),
		rawMetric: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diststyle_raw_style_discrepancy",
				Help: "Discrepancy of the moments of the raw features (no batch norm or PCA) at the end of a run",
			},
			[]string{"loss", "layer", "moment"},
		),
	}
}

func setLayerMetrics(gauges *prometheus.GaugeVec, lossName string, layers []styletransfer.LayerMetrics) {
	for layerIdx, layer := range layers {
		layerLabel := strconv.Itoa(layerIdx)
		gauges.WithLabelValues(lossName, layerLabel, "mean").Set(layer.Mean)
		gauges.WithLabelValues(lossName, layerLabel, "var").Set(layer.Var)
		gauges.WithLabelValues(lossName, layerLabel, "skew").Set(layer.Skew)
	}
}

// observeStep updates the metrics with the record of one step.
func (m *Metrics) observeStep(lossName string, rec styletransfer.Record) {
	m.stepsTotal.WithLabelValues(lossName).Inc()
	m.stepDuration.WithLabelValues(lossName).Observe(rec.Elapsed.Seconds())
	m.loss.WithLabelValues(lossName).Set(rec.Loss)
	setLayerMetrics(m.styleMetric, lossName, rec.Style)
}

// observeRun updates the metrics at the end of a run.
func (m *Metrics) observeRun(summary styletransfer.RunSummary) {
	m.runsTotal.WithLabelValues(summary.LossName).Inc()
	setLayerMetrics(m.rawMetric, summary.LossName, summary.Raw)
}
