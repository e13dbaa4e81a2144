// Package styletransfer implements style transfer by matching the distribution of deep features.
//
// The generated image is the only trainable variable: it is fed through a frozen features.Extractor and
// optimized (with Adam) so that the statistics of its features match the ones of the style image, according
// to one of the named losses of package losses (means, variances, skewness, covariances, Gram matrices or
// Wasserstein distances), optionally while matching the raw features of a content image.
//
// It supports:
//
//   - Model: the generated image plus the step function, with Model.Reinit to restart the optimization while
//     reusing the calibrated extractor and the precomputed target features.
//   - Driver: sweeps over a list of losses, one independent run per loss.
//   - UI: DisplayImages on a Jupyter notebook using github.com/janpfeifer/gonb/gonbui
//   - I/O: LoadImage, LoadStyleContent and SaveImage.
package styletransfer

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/diststyle/features"
	"github.com/janpfeifer/diststyle/losses"
	"github.com/janpfeifer/diststyle/moments"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the generated image.
type State int

const (
	// Uninitialized is the zero value: the model was not created with New.
	Uninitialized State = iota

	// Initialized means a fresh image was drawn (by New or Model.Reinit) and no step was run on it yet.
	Initialized

	// Training means at least one Model.Step was run on the current image.
	Training

	// Stopped means Model.Train finished: no more steps are accepted until Model.Reinit.
	Stopped
)

// String implements fmt.Stringer, returning the lower case name of the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Training:
		return "training"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	// ImageScope is the context scope of the generated image variable.
	ImageScope = "generated"

	// ImageVariable is the name of the generated image variable.
	ImageVariable = "image"

	targetsScope    = "targets"
	rawTargetsScope = "raw_targets"
)

// LayerMetrics are discrepancies between the target and generated features of one style layer: the mean
// over channels of the squared differences of the per-channel mean, variance and skewness.
type LayerMetrics struct {
	Mean, Var, Skew float64
}

// Record of one optimization step.
type Record struct {
	// Step index within the run, starting at 0.
	Step int

	// Loss optimized, before the update.
	Loss float64

	// Style metrics, one per style layer, before the update.
	Style []LayerMetrics

	// Elapsed time executing the step.
	Elapsed time.Duration
}

// RecordSink receives the record of every step of a run.
type RecordSink interface {
	Record(rec Record) error
}

// Model holds the generated image and the step function that optimizes it.
//
// Create it with New, select the loss with Model.Compile and run Model.Train (or Model.Step). To start over
// from a fresh image (e.g.: with another loss) call Model.Reinit.
//
// It is not safe for concurrent use: each step depends on the image updated by the previous one.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	opts    Options

	extractor, rawExtractor *features.Extractor
	style, content          *tensors.Tensor
	hasContent              bool
	imageShape              shapes.Shape

	state State
	step  int

	lossName               string
	styleLoss, contentLoss losses.Loss
	optimizer              optimizers.Interface
	stepExec, evalExec     *context.Exec
}

// New creates a style transfer model: it takes as input the style image and the optional content image
// (nil if not given) as tensors shaped [height, width, channels] (or with a leading batch dimension of 1)
// with color values from 0 to 1, and a context ctx used to hold the generated image, the frozen extractor
// weights, the target features and the optimizer state.
//
// It validates opts, calibrates the feature extractor and precomputes the target features, and returns
// the model with an initialized image. Invalid options return a *ConfigError, and images with different
// shapes an error matching features.ErrShapeMismatch, both before any computation.
func New(backend backends.Backend, ctx *context.Context, opts Options, style, content *tensors.Tensor) (*Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if style == nil {
		return nil, errors.New("style image is required")
	}
	m := &Model{
		backend:    backend,
		ctx:        ctx,
		opts:       opts,
		hasContent: content != nil,
	}
	if content == nil {
		content = style
	}
	if !style.Shape().Equal(content.Shape()) {
		return nil, errors.Wrapf(features.ErrShapeMismatch, "style image shaped %s, content image shaped %s",
			style.Shape(), content.Shape())
	}
	if style.Shape().Rank() != 3 && (style.Shape().Rank() != 4 || style.Shape().Dim(0) != 1) {
		return nil, errors.Wrapf(features.ErrShapeMismatch,
			"images must be shaped [height, width, channels] or [1, height, width, channels], got %s", style.Shape())
	}
	opts.SetContextParams(ctx)

	err := exceptions.TryCatch[error](func() {
		normalizeExec := NewExec(backend, func(img *Node) *Node {
			// Images come with values from 0.0 to 1.0, the generated image lives in [0, 255].
			if img.Rank() == 3 {
				img = ExpandAxes(img, 0)
			}
			return MulScalar(ConvertDType(img, dtypes.Float32), 255)
		})
		m.style = normalizeExec.Call(style)[0]
		m.content = normalizeExec.Call(content)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to normalize images")
	}
	m.imageShape = m.style.Shape()

	m.extractor, err = features.New(opts.extractorOptions())
	if err != nil {
		return nil, err
	}
	if err = m.extractor.Calibrate(backend, ctx, m.style, m.content); err != nil {
		return nil, err
	}
	m.rawExtractor = m.extractor
	if opts.BatchNorm || opts.PCADim > 0 {
		rawOpts := m.extractor.Options()
		rawOpts.BatchNorm, rawOpts.PCADim, rawOpts.Whiten = false, 0, false
		if m.rawExtractor, err = features.New(rawOpts); err != nil {
			return nil, err
		}
		if err = m.rawExtractor.Calibrate(backend, ctx, m.style, m.content); err != nil {
			return nil, err
		}
	}

	if err = exceptions.TryCatch[error](m.precalculateTargets); err != nil {
		return nil, errors.WithMessage(err, "failed to calculate target features")
	}
	m.initImage()
	return m, nil
}

// Options returns the options used to create the model.
func (m *Model) Options() Options { return m.opts }

// Context returns the context holding the model variables.
func (m *Model) Context() *context.Context { return m.ctx }

// Extractor returns the calibrated feature extractor.
func (m *Model) Extractor() *features.Extractor { return m.extractor }

// State of the generated image.
func (m *Model) State() State { return m.state }

// LossName returns the name of the loss selected with Compile, or "" if none was selected yet.
func (m *Model) LossName() string { return m.lossName }

// StyleImage and ContentImage return the input images shaped [1, height, width, channels], with values
// from 0 to 255. Without a content image, ContentImage returns the style image.
func (m *Model) StyleImage() *tensors.Tensor   { return m.style }
func (m *Model) ContentImage() *tensors.Tensor { return m.content }

// HasContent returns whether a content image was given.
func (m *Model) HasContent() bool { return m.hasContent }

// precalculateTargets computes the features of the style and content images and stores them
// as variables in the context, both with the configured extractor and the raw one.
func (m *Model) precalculateTargets() {
	// Executes the GoMLX code to update the variables. It doesn't return anything directly (only through
	// the updated variables).
	_ = context.ExecOnceN(m.backend, m.ctx, func(ctx *context.Context, style, content *Node) []*Node {
		g := style.Graph()
		ctx.SetTraining(g, false)
		// The backbone is built once, and both target sets are derived from it.
		raw := m.extractor.RawFeatures(ctx, style, content)
		storeFeatures(ctx.In(targetsScope), m.extractor.Postprocess(ctx, raw))
		storeFeatures(ctx.In(rawTargetsScope), m.rawExtractor.Postprocess(ctx, raw))
		return nil
	}, m.style, m.content)
}

// storeFeatures creates or sets the non-trainable variables "<branch>/layer_<i>" in scopedCtx.
func storeFeatures(scopedCtx *context.Context, fs features.FeatureSet) {
	for _, branch := range []string{features.BranchStyle, features.BranchContent} {
		branchCtx := scopedCtx.In(branch)
		for layerIdx, layer := range fs.Branch(branch) {
			varName := fmt.Sprintf("layer_%d", layerIdx)
			// Create variable, or set it, if it already exists.
			v := branchCtx.GetVariable(varName)
			if v == nil {
				v = branchCtx.VariableWithValueGraph(varName, layer)
			} else {
				v.SetValueGraph(layer)
			}
			v.SetTrainable(false)
		}
	}
}

// loadFeatures loads the values stored by storeFeatures.
func loadFeatures(scopedCtx *context.Context, g *Graph) features.FeatureSet {
	load := func(branchCtx *context.Context) []*Node {
		var layers []*Node
		for layerIdx := 0; ; layerIdx++ {
			v := branchCtx.GetVariable(fmt.Sprintf("layer_%d", layerIdx))
			if v == nil {
				// No more layers
				break
			}
			layers = append(layers, v.ValueGraph(g))
		}
		return layers
	}
	return features.FeatureSet{
		Style:   load(scopedCtx.In(features.BranchStyle)),
		Content: load(scopedCtx.In(features.BranchContent)),
	}
}

// imageVariable returns the variable holding the generated image.
func (m *Model) imageVariable() *context.Variable {
	scopedCtx := m.ctx.In(ImageScope)
	v := scopedCtx.GetVariable(ImageVariable)
	if v == nil {
		v = scopedCtx.VariableWithValue(ImageVariable, tensors.FromShape(m.imageShape))
	}
	v.SetTrainable(true)
	return v
}

// runSeed returns the seed of the run with the selected loss: derived from Options.Seed and the loss name
// only, so a run doesn't depend on the runs before it.
func (m *Model) runSeed() uint64 {
	return m.opts.Seed ^ xxhash.Sum64String(m.lossName)
}

// initImage draws a new generated image with the configured initializer, and reseeds the context random
// number generator (used by the losses that subsample).
func (m *Model) initImage() {
	seed := m.runSeed()
	size := m.imageShape.Size()
	data := make([]float32, size)
	if m.opts.Initializer == InitRandom {
		rng := rand.New(rand.NewPCG(seed, m.opts.Seed))
		for ii := range data {
			data[ii] = 255 * rng.Float32()
		}
	}
	m.ctx.RngStateFromSeed(int64(seed))
	m.imageVariable().SetValue(tensors.FromFlatDataAndDimensions(data, m.imageShape.Dimensions...))
	m.state = Initialized
	m.step = 0
	klog.V(1).Infof("generated image initialized with %q", m.opts.Initializer)
}

// resetOptimizer removes the optimizer state (moments and global step), so the next run starts fresh.
func (m *Model) resetOptimizer() {
	if m.optimizer != nil {
		m.optimizer.Clear(m.ctx)
	}
	optimizers.GetGlobalStepVar(m.ctx).SetValue(tensors.FromValue(int64(0)))
	m.stepExec, m.evalExec = nil, nil
}

// Reinit draws a new generated image (with the configured initializer) and resets the optimizer and the
// state of stateful losses, without touching the extractor or the target features.
// The model goes back to the Initialized state.
//
// The image is seeded by Options.Seed and the name of the loss selected with Compile, so call Compile first:
// the same (seed, loss) pair always starts from the same image.
func (m *Model) Reinit() {
	m.initImage()
	m.resetOptimizer()
	if coWass, ok := m.styleLoss.(*losses.CoWassLoss); ok {
		coWass.Reset(m.ctx)
	}
}

// Compile selects the style loss for the following steps. The content branch uses Options.ContentLoss if a
// content image was given, and no loss otherwise. An unknown loss name returns a *ConfigError.
//
// Stateful losses are created anew (their state reset), and the optimizer state is cleared.
func (m *Model) Compile(lossName string) error {
	styleLoss, err := losses.New(lossName, losses.Options{CoWassWarmupSteps: m.opts.CoWassWarmup})
	if err != nil {
		return &ConfigError{Option: "losses", Err: err}
	}
	contentLossName := losses.None
	if m.hasContent {
		contentLossName = m.opts.ContentLoss
	}
	contentLoss, err := losses.New(contentLossName, losses.Options{})
	if err != nil {
		return &ConfigError{Option: "content_loss", Err: err}
	}
	if coWass, ok := styleLoss.(*losses.CoWassLoss); ok {
		coWass.Reset(m.ctx)
	}
	m.lossName = lossName
	m.styleLoss, m.contentLoss = styleLoss, contentLoss
	m.resetOptimizer()
	m.optimizer = optimizers.Adam().
		Betas(context.GetParamOr(m.ctx, ParamAdamBeta1, 0.9), context.GetParamOr(m.ctx, ParamAdamBeta2, 0.999)).
		FromContext(m.ctx).
		Done()
	return nil
}

// lossGraph returns the scalar loss of image x (shaped [1, height, width, channels]) and the style
// metrics, shaped [numStyleLayers, 3].
func (m *Model) lossGraph(ctx *context.Context, x *Node) (loss, metrics *Node) {
	g := x.Graph()
	generated := m.extractor.Features(ctx, x, x)
	targets := loadFeatures(ctx.In(targetsScope), g)
	if len(generated.Style) != len(targets.Style) || len(generated.Content) != len(targets.Content) {
		exceptions.Panicf("expected the same number of layers for generated (%d style, %d content) and "+
			"targets (%d style, %d content)", len(generated.Style), len(generated.Content),
			len(targets.Style), len(targets.Content))
	}

	styleLoss := losses.Sum(ctx, m.styleLoss, targets.Style, generated.Style)
	contentLoss := losses.Sum(ctx, m.contentLoss, targets.Content, generated.Content)
	loss = Add(
		MulScalar(ConvertDType(styleLoss, dtypes.Float32), context.GetParamOr(ctx, ParamStyleWeight, 1.0)),
		MulScalar(ConvertDType(contentLoss, dtypes.Float32), context.GetParamOr(ctx, ParamContentWeight, 1.0)))
	metrics = metricsGraph(targets.Style, generated.Style)
	return
}

// metricsGraph returns the discrepancy of mean, variance and skewness per layer, shaped [numLayers, 3].
func metricsGraph(targets, generated []*Node) *Node {
	rows := make([]*Node, len(targets))
	for layerIdx, target := range targets {
		gen := generated[layerIdx]
		row := []*Node{
			ReduceAllMean(moments.MeanLoss(target, gen, 2)),
			ReduceAllMean(moments.VarLoss(target, gen, 2)),
			ReduceAllMean(moments.SkewLoss(target, gen, 2)),
		}
		for ii, value := range row {
			row[ii] = Reshape(ConvertDType(StopGradient(value), dtypes.Float32), 1, 1)
		}
		rows[layerIdx] = Concatenate(row, 1)
	}
	return Concatenate(rows, 0)
}

// stepGraph builds the computation graph that executes one step of style transfer.
func (m *Model) stepGraph(ctx *context.Context, g *Graph) []*Node {
	ctx.SetTraining(g, true)
	xVar := m.imageVariable()
	x := xVar.ValueGraph(g)
	loss, metrics := m.lossGraph(ctx, x)

	// Optimize loss on xVar.
	m.optimizer.UpdateGraph(ctx, g, loss)

	// Clip values of the generated image x to be back at 0 to 255 range.
	// If we don't do this, the images gets full of "specks" of dust, on pixels that "overflow" the value.
	x = xVar.ValueGraph(g) // Value has been updated by the optimizer, we need to fetch it again.
	x = ClipScalar(x, 0, 255)
	xVar.SetValueGraph(x)
	return []*Node{loss, metrics}
}

// evalGraph returns the loss and metrics of the current image, without updating it.
func (m *Model) evalGraph(ctx *context.Context, g *Graph) []*Node {
	ctx.SetTraining(g, false)
	loss, metrics := m.lossGraph(ctx, m.imageVariable().ValueGraph(g))
	return []*Node{loss, metrics}
}

func toRecord(step int, results []*tensors.Tensor) Record {
	rec := Record{Step: step, Loss: float64(results[0].Value().(float32))}
	for _, row := range results[1].Value().([][]float32) {
		rec.Style = append(rec.Style, LayerMetrics{Mean: float64(row[0]), Var: float64(row[1]), Skew: float64(row[2])})
	}
	return rec
}

// Step executes one optimization step and returns the loss and metrics computed before the update.
//
// It requires a compiled loss (see Compile), and the model not to be Stopped (see Reinit).
func (m *Model) Step() (rec Record, err error) {
	if m.styleLoss == nil {
		return rec, errors.New("no loss selected, call Model.Compile first")
	}
	if m.state != Initialized && m.state != Training {
		return rec, errors.Errorf("can't step model in state %s, call Model.Reinit first", m.state)
	}
	start := time.Now()
	err = exceptions.TryCatch[error](func() {
		if m.stepExec == nil {
			// Create computation graph for one training step.
			// It updates x and returns the loss and metrics.
			m.stepExec = context.NewExec(m.backend, m.ctx, m.stepGraph)
		}
		rec = toRecord(m.step, m.stepExec.Call())
	})
	if err != nil {
		return rec, errors.WithMessagef(err, "failed style transfer step %d with loss %q", m.step, m.lossName)
	}
	rec.Elapsed = time.Since(start)
	m.state = Training
	m.step++
	return rec, nil
}

// Evaluate returns the loss and metrics of the current generated image, without changing it.
// Notice stateful losses still advance their state.
func (m *Model) Evaluate() (rec Record, err error) {
	if m.styleLoss == nil {
		return rec, errors.New("no loss selected, call Model.Compile first")
	}
	err = exceptions.TryCatch[error](func() {
		if m.evalExec == nil {
			m.evalExec = context.NewExec(m.backend, m.ctx, m.evalGraph)
		}
		rec = toRecord(m.step, m.evalExec.Call())
	})
	return rec, err
}

// Loss of the current generated image.
func (m *Model) Loss() (float64, error) {
	rec, err := m.Evaluate()
	return rec.Loss, err
}

// Train executes numSteps optimization steps, sending each record to sink (if not nil), and moves the
// model to the Stopped state.
func (m *Model) Train(numSteps int, sink RecordSink) error {
	var avgDuration float64
	var lastPrint time.Time
	var rec Record
	for step := 0; step < numSteps; step++ {
		var err error
		rec, err = m.Step()
		if err != nil {
			return err
		}
		if sink != nil {
			if err = sink.Record(rec); err != nil {
				return errors.WithMessagef(err, "failed to record step %d", rec.Step)
			}
		}
		duration := rec.Elapsed.Seconds()
		if step < 10 {
			avgDuration = duration
		} else {
			avgDuration = 0.9*avgDuration + 0.1*duration
		}
		if time.Since(lastPrint) > time.Second {
			klog.V(1).Infof("style transfer %q: step=%05d of %05d (%8.1f ms/step) -- loss=%g",
				m.lossName, step+1, numSteps, avgDuration*1000.0, rec.Loss)
			lastPrint = time.Now()
		}
	}
	klog.Infof("style transfer %q: %d steps (%5.1f ms/step) -- loss=%g",
		m.lossName, numSteps, avgDuration*1000.0, rec.Loss)
	m.state = Stopped
	return nil
}

// GeneratedImage returns a copy of the generated image, shaped [1, height, width, channels] with
// values from 0 to 255.
func (m *Model) GeneratedImage() *tensors.Tensor {
	x := m.imageVariable().Value()
	img := tensors.FromShape(x.Shape())
	img.CopyFrom(x)
	return img
}

// TargetMoments returns, for each style layer of the target features, the average over channels of the
// per-channel mean, variance and skewness.
func (m *Model) TargetMoments() (moms []LayerMetrics, err error) {
	err = exceptions.TryCatch[error](func() {
		results := context.ExecOnceN(m.backend, m.ctx, func(ctx *context.Context, g *Graph) []*Node {
			targets := loadFeatures(ctx.In(targetsScope), g)
			outputs := make([]*Node, 0, 3*len(targets.Style))
			for _, target := range targets.Style {
				for _, stat := range []func(*Node) *Node{moments.Mean, moments.Variance, moments.Skewness} {
					outputs = append(outputs, ConvertDType(ReduceAllMean(stat(target)), dtypes.Float32))
				}
			}
			return outputs
		})
		for ii := 0; ii < len(results); ii += 3 {
			moms = append(moms, LayerMetrics{
				Mean: float64(results[ii].Value().(float32)),
				Var:  float64(results[ii+1].Value().(float32)),
				Skew: float64(results[ii+2].Value().(float32)),
			})
		}
	})
	return
}

// RawMetrics returns the style metrics of the generated image computed on the raw features, that is, without
// batch normalization or PCA projection.
func (m *Model) RawMetrics() (metrics []LayerMetrics, err error) {
	err = exceptions.TryCatch[error](func() {
		result := context.ExecOnce(m.backend, m.ctx, func(ctx *context.Context, g *Graph) *Node {
			x := m.imageVariable().ValueGraph(g)
			generated := m.rawExtractor.Features(ctx, x, x)
			targets := loadFeatures(ctx.In(rawTargetsScope), g)
			return metricsGraph(targets.Style, generated.Style)
		})
		metrics = toRecord(0, []*tensors.Tensor{tensors.FromValue(float32(0)), result}).Style
	})
	return
}
