package styletransfer

import (
	"path/filepath"
	"time"

	"github.com/janpfeifer/diststyle/losses"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunSummary of one run of the Driver, with the evaluation of the final generated image.
type RunSummary struct {
	LossName string
	Steps    int

	// Final is the evaluation of the final image with the configured extractor.
	Final Record

	// Raw metrics of the final image, computed on the features without batch normalization or PCA.
	Raw []LayerMetrics

	// Target holds the average moments of the style target features, per style layer.
	Target []LayerMetrics

	Elapsed time.Duration

	// Images saved, with their paths. ContentPath holds a copy of the style image if no content image was given.
	GeneratedPath, StylePath, ContentPath string
}

// RunHooks are notified at the start and the end of each run of the Driver.
type RunHooks interface {
	// StartRun returns the sink for the records of the run. It can be nil.
	StartRun(lossName string) (RecordSink, error)

	// EndRun is called after the run finished and the images have been saved.
	EndRun(summary RunSummary) error

	// AbortRun is called instead of EndRun when the run fails after StartRun succeeded.
	AbortRun(lossName string, cause error)
}

// Driver runs one independent optimization per loss, reusing the model's calibrated extractor and target
// features. Runs are sequential, and the generated image is reinitialized before each of them, seeded by
// Options.Seed and the loss name: a run gives the same result whether it is run alone or as part of a sweep.
type Driver struct {
	model *Model
	hooks RunHooks
}

// NewDriver creates a Driver for the model. hooks can be nil.
func NewDriver(model *Model, hooks RunHooks) *Driver {
	return &Driver{model: model, hooks: hooks}
}

// LossDir returns the directory where the outputs of the run for lossName are written.
func LossDir(outputDir, lossName string) string {
	return filepath.Join(outputDir, lossName)
}

// Run one optimization for each of the lossNames, in order, and returns their summaries.
// It stops at the first error.
func (d *Driver) Run(lossNames []string) (summaries []RunSummary, err error) {
	m := d.model
	for _, lossName := range lossNames {
		if err = losses.Validate(lossName); err != nil {
			return nil, &ConfigError{Option: "losses", Err: err}
		}
	}
	targetMoments, err := m.TargetMoments()
	if err != nil {
		return nil, err
	}
	for layerIdx, moms := range targetMoments {
		klog.Infof("style layer #%d: mean=%g, var=%g, skew=%g", layerIdx, moms.Mean, moms.Var, moms.Skew)
	}

	for _, lossName := range lossNames {
		var summary RunSummary
		summary, err = d.runOne(lossName)
		if err != nil {
			return summaries, errors.WithMessagef(err, "run with loss %q failed", lossName)
		}
		summary.Target = targetMoments
		summaries = append(summaries, summary)
		if d.hooks != nil {
			if err = d.hooks.EndRun(summary); err != nil {
				return
			}
		}
	}
	return
}

func (d *Driver) runOne(lossName string) (summary RunSummary, err error) {
	m := d.model
	opts := m.Options()
	if err = m.Compile(lossName); err != nil {
		return
	}
	m.Reinit()
	var sink RecordSink
	if d.hooks != nil {
		if sink, err = d.hooks.StartRun(lossName); err != nil {
			return
		}
		defer func() {
			if err != nil {
				d.hooks.AbortRun(lossName, err)
			}
		}()
	}

	klog.Infof("starting run with loss %q for %d steps", lossName, opts.NumSteps)
	start := time.Now()
	if err = m.Train(opts.NumSteps, sink); err != nil {
		return
	}
	summary = RunSummary{LossName: lossName, Steps: opts.NumSteps, Elapsed: time.Since(start)}
	if summary.Final, err = m.Evaluate(); err != nil {
		return
	}
	if summary.Raw, err = m.RawMetrics(); err != nil {
		return
	}

	dir := LossDir(opts.OutputDir, lossName)
	generated := m.GeneratedImage()
	summary.GeneratedPath = filepath.Join(dir, lossName+"_gen.jpg")
	summary.StylePath = filepath.Join(dir, "style.jpg")
	summary.ContentPath = filepath.Join(dir, "content.jpg")
	if err = SaveImage(generated, summary.GeneratedPath); err != nil {
		return
	}
	if err = SaveImage(m.StyleImage(), summary.StylePath); err != nil {
		return
	}
	// Without a content image, the style image is saved as content.
	if err = SaveImage(m.ContentImage(), summary.ContentPath); err != nil {
		return
	}
	if gonbui.IsNotebook {
		if m.HasContent() {
			DisplayImages(m.StyleImage(), m.ContentImage(), generated)
		} else {
			DisplayImages(m.StyleImage(), generated)
		}
	}
	return
}
