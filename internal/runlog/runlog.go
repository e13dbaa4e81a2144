// Package runlog records the runs of the styletransfer.Driver: one CSV row per step, a YAML summary and the
// raw metrics of each run, and Prometheus metrics.
//
// Files are written under "<outputDir>/<loss>/":
//
//   - <loss>_logs.csv: step, loss, elapsed time and the mean/var/skew discrepancy of each style layer.
//   - <loss>_raw_metrics.csv: the discrepancies of the final image computed on the raw features.
//   - <loss>_summary.yaml: the RunSummary.
package runlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Moments names, in the order of the columns of the CSV files.
var momentNames = []string{"mean", "var", "skew"}

// LogsPath, RawMetricsPath and SummaryPath return the paths of the files written for the run of lossName.
func LogsPath(outputDir, lossName string) string {
	return filepath.Join(styletransfer.LossDir(outputDir, lossName), lossName+"_logs.csv")
}

func RawMetricsPath(outputDir, lossName string) string {
	return filepath.Join(styletransfer.LossDir(outputDir, lossName), lossName+"_raw_metrics.csv")
}

func SummaryPath(outputDir, lossName string) string {
	return filepath.Join(styletransfer.LossDir(outputDir, lossName), lossName+"_summary.yaml")
}

// Sink writes one CSV row per step. It implements styletransfer.RecordSink.
type Sink struct {
	lossName string
	file     *os.File
	w        *csv.Writer
	metrics  *Metrics
	header   bool
}

// NewSink creates a Sink writing to filePath. metrics can be nil.
func NewSink(filePath, lossName string, metrics *Metrics) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", filePath)
	}
	return &Sink{lossName: lossName, file: f, w: csv.NewWriter(f), metrics: metrics}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func layerColumns(numLayers int) []string {
	var columns []string
	for layerIdx := range numLayers {
		for _, moment := range momentNames {
			columns = append(columns, fmt.Sprintf("%s_%d", moment, layerIdx))
		}
	}
	return columns
}

func layerValues(layers []styletransfer.LayerMetrics) []string {
	values := make([]string, 0, 3*len(layers))
	for _, layer := range layers {
		values = append(values, formatFloat(layer.Mean), formatFloat(layer.Var), formatFloat(layer.Skew))
	}
	return values
}

// Record implements styletransfer.RecordSink.
func (s *Sink) Record(rec styletransfer.Record) error {
	if !s.header {
		header := append([]string{"step", "loss", "elapsed_ms"}, layerColumns(len(rec.Style))...)
		if err := s.w.Write(header); err != nil {
			return errors.Wrap(err, "failed to write CSV header")
		}
		s.header = true
	}
	row := []string{
		strconv.Itoa(rec.Step),
		formatFloat(rec.Loss),
		formatFloat(float64(rec.Elapsed) / float64(time.Millisecond)),
	}
	if err := s.w.Write(append(row, layerValues(rec.Style)...)); err != nil {
		return errors.Wrapf(err, "failed to write CSV row for step %d", rec.Step)
	}
	if s.metrics != nil {
		s.metrics.observeStep(s.lossName, rec)
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.file.Close()
		return errors.Wrapf(err, "failed to flush %s", s.file.Name())
	}
	return errors.Wrapf(s.file.Close(), "failed to close %s", s.file.Name())
}

// Summary is the YAML representation of a styletransfer.RunSummary.
type Summary struct {
	Loss      string         `yaml:"loss"`
	Steps     int            `yaml:"steps"`
	FinalLoss float64        `yaml:"final_loss"`
	ElapsedMS int64          `yaml:"elapsed_ms"`
	Generated string         `yaml:"generated"`
	Style     string         `yaml:"style"`
	Content   string         `yaml:"content,omitempty"`
	Target    []LayerMoments `yaml:"target_moments"`
	Final     []LayerMoments `yaml:"final_discrepancy"`
	Raw       []LayerMoments `yaml:"raw_discrepancy"`
}

// LayerMoments of one style layer.
type LayerMoments struct {
	Mean float64 `yaml:"mean"`
	Var  float64 `yaml:"var"`
	Skew float64 `yaml:"skew"`
}

func toLayerMoments(layers []styletransfer.LayerMetrics) []LayerMoments {
	out := make([]LayerMoments, len(layers))
	for ii, layer := range layers {
		out[ii] = LayerMoments{Mean: layer.Mean, Var: layer.Var, Skew: layer.Skew}
	}
	return out
}

// NewSummary converts a styletransfer.RunSummary.
func NewSummary(summary styletransfer.RunSummary) Summary {
	s := Summary{
		Loss:      summary.LossName,
		Steps:     summary.Steps,
		FinalLoss: summary.Final.Loss,
		ElapsedMS: summary.Elapsed.Milliseconds(),
		Generated: filepath.Base(summary.GeneratedPath),
		Style:     filepath.Base(summary.StylePath),
		Target:    toLayerMoments(summary.Target),
		Final:     toLayerMoments(summary.Final.Style),
		Raw:       toLayerMoments(summary.Raw),
	}
	if summary.ContentPath != "" {
		s.Content = filepath.Base(summary.ContentPath)
	}
	return s
}

// WriteSummary writes the summary as YAML to filePath.
func WriteSummary(filePath string, summary Summary) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run summary")
	}
	return errors.Wrapf(os.WriteFile(filePath, data, 0644), "failed to write %s", filePath)
}

// ReadSummary reads a summary written by WriteSummary.
func ReadSummary(filePath string) (summary Summary, err error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return summary, errors.Wrapf(err, "failed to read %s", filePath)
	}
	err = errors.Wrapf(yaml.Unmarshal(data, &summary), "failed to parse %s", filePath)
	return
}

// WriteRawMetrics writes the raw metrics of a run as a CSV with one row per style layer.
func WriteRawMetrics(filePath string, layers []styletransfer.LayerMetrics) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filePath)
	}
	w := csv.NewWriter(f)
	rows := [][]string{append([]string{"layer"}, momentNames...)}
	for layerIdx, layer := range layers {
		rows = append(rows, []string{
			strconv.Itoa(layerIdx), formatFloat(layer.Mean), formatFloat(layer.Var), formatFloat(layer.Skew),
		})
	}
	if err = w.WriteAll(rows); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %s", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", filePath)
}

// Hooks implements styletransfer.RunHooks, writing the files of each run under the output directory.
type Hooks struct {
	outputDir string
	metrics   *Metrics
	sinks     map[string]*Sink
}

var _ styletransfer.RunHooks = (*Hooks)(nil)

// NewHooks creates Hooks writing to outputDir. metrics can be nil.
func NewHooks(outputDir string, metrics *Metrics) *Hooks {
	return &Hooks{outputDir: outputDir, metrics: metrics, sinks: make(map[string]*Sink)}
}

// StartRun implements styletransfer.RunHooks.
func (h *Hooks) StartRun(lossName string) (styletransfer.RecordSink, error) {
	if sink := h.sinks[lossName]; sink != nil {
		_ = sink.Close()
	}
	sink, err := NewSink(LogsPath(h.outputDir, lossName), lossName, h.metrics)
	if err != nil {
		return nil, err
	}
	h.sinks[lossName] = sink
	return sink, nil
}

// AbortRun implements styletransfer.RunHooks: it flushes and closes the CSV of the failed run, keeping the
// rows recorded so far. No summary is written.
func (h *Hooks) AbortRun(lossName string, cause error) {
	klog.Warningf("run %q failed: %v", lossName, cause)
	sink := h.sinks[lossName]
	if sink == nil {
		return
	}
	delete(h.sinks, lossName)
	if err := sink.Close(); err != nil {
		klog.Warningf("run %q: %v", lossName, err)
	}
}

// EndRun implements styletransfer.RunHooks.
func (h *Hooks) EndRun(summary styletransfer.RunSummary) error {
	lossName := summary.LossName
	if sink := h.sinks[lossName]; sink != nil {
		delete(h.sinks, lossName)
		if err := sink.Close(); err != nil {
			return err
		}
	}
	if err := WriteRawMetrics(RawMetricsPath(h.outputDir, lossName), summary.Raw); err != nil {
		return err
	}
	summaryPath := SummaryPath(h.outputDir, lossName)
	if err := WriteSummary(summaryPath, NewSummary(summary)); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.observeRun(summary)
	}
	klog.Infof("run %q finished in %s: final loss %g, summary in %s",
		lossName, summary.Elapsed.Round(time.Millisecond), summary.Final.Loss, summaryPath)
	return nil
}
