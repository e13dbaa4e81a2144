package runlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, filePath string) [][]string {
	t.Helper()
	f, err := os.Open(filePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func record(step int, loss float64) styletransfer.Record {
	return styletransfer.Record{
		Step: step,
		Loss: loss,
		Style: []styletransfer.LayerMetrics{
			{Mean: 1, Var: 2, Skew: 3},
			{Mean: 0.5, Var: 0.25, Skew: 0.125},
		},
		Elapsed: 1500 * time.Microsecond,
	}
}

func TestSink(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "m1", "m1_logs.csv")
	sink, err := NewSink(filePath, "m1", nil)
	require.NoError(t, err)
	require.NoError(t, sink.Record(record(0, 10)))
	require.NoError(t, sink.Record(record(1, 2.5)))
	require.NoError(t, sink.Close())

	rows := readCSV(t, filePath)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"step", "loss", "elapsed_ms",
		"mean_0", "var_0", "skew_0", "mean_1", "var_1", "skew_1"}, rows[0])
	assert.Equal(t, []string{"1", "2.5", "1.5", "1", "2", "3", "0.5", "0.25", "0.125"}, rows[2])
}

func TestHooks(t *testing.T) {
	outputDir := t.TempDir()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	hooks := NewHooks(outputDir, metrics)

	sink, err := hooks.StartRun("cowass")
	require.NoError(t, err)
	for step := range 4 {
		require.NoError(t, sink.Record(record(step, float64(10-step))))
	}
	runSummary := styletransfer.RunSummary{
		LossName:      "cowass",
		Steps:         4,
		Final:         record(4, 6),
		Raw:           []styletransfer.LayerMetrics{{Mean: 7, Var: 8, Skew: 9}},
		Target:        []styletransfer.LayerMetrics{{Mean: 100, Var: 20, Skew: -1}},
		Elapsed:       3 * time.Second,
		GeneratedPath: filepath.Join(outputDir, "cowass", "cowass_gen.jpg"),
		StylePath:     filepath.Join(outputDir, "cowass", "style.jpg"),
	}
	require.NoError(t, hooks.EndRun(runSummary))

	assert.Len(t, readCSV(t, LogsPath(outputDir, "cowass")), 5)
	rawRows := readCSV(t, RawMetricsPath(outputDir, "cowass"))
	assert.Equal(t, [][]string{{"layer", "mean", "var", "skew"}, {"0", "7", "8", "9"}}, rawRows)

	summary, err := ReadSummary(SummaryPath(outputDir, "cowass"))
	require.NoError(t, err)
	assert.Equal(t, "cowass", summary.Loss)
	assert.Equal(t, 4, summary.Steps)
	assert.Equal(t, 6.0, summary.FinalLoss)
	assert.Equal(t, int64(3000), summary.ElapsedMS)
	assert.Equal(t, "cowass_gen.jpg", summary.Generated)
	assert.Empty(t, summary.Content)
	assert.Equal(t, []LayerMoments{{Mean: 100, Var: 20, Skew: -1}}, summary.Target)
	assert.Len(t, summary.Final, 2)

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("cowass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsTotal.WithLabelValues("cowass")))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.loss.WithLabelValues("cowass")))
	assert.Equal(t, 0.125, testutil.ToFloat64(metrics.styleMetric.WithLabelValues("cowass", "1", "skew")))
	assert.Equal(t, 8.0, testutil.ToFloat64(metrics.rawMetric.WithLabelValues("cowass", "0", "var")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.stepDuration))
}

func TestHooksAbortRun(t *testing.T) {
	outputDir := t.TempDir()
	metrics := NewMetrics(prometheus.NewRegistry())
	hooks := NewHooks(outputDir, metrics)

	sink, err := hooks.StartRun("m1")
	require.NoError(t, err)
	require.NoError(t, sink.Record(record(0, 3)))
	require.NoError(t, sink.Record(record(1, 2)))
	hooks.AbortRun("m1", errors.New("step 2 failed"))

	// Rows recorded before the failure are flushed, and no summary is written.
	rows := readCSV(t, LogsPath(outputDir, "m1"))
	require.Len(t, rows, 3)
	assert.Equal(t, "1", rows[2][0])
	_, err = os.Stat(SummaryPath(outputDir, "m1"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, hooks.sinks)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("m1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.runsTotal.WithLabelValues("m1")))

	// Aborting a run without an open sink is a no-op.
	hooks.AbortRun("m1", errors.New("again"))
}
