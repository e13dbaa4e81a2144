// Package features extracts the perceptual features used for style transfer: the activations of a frozen
// pretrained network (or of a cheap pooling pyramid), grouped in a "style" branch and a "content" branch.
//
// The Extractor is created with New, calibrated once with Extractor.Calibrate on the (style, content) pair,
// and from then on it is frozen: Extractor.Features always computes the same function of its inputs.
// Calibration fits the optional batch normalization statistics and the optional PCA projection of each
// layer, both stored as non-trainable variables in the context.
package features

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Branch names of a FeatureSet.
const (
	BranchStyle   = "style"
	BranchContent = "content"
)

// BatchNormEpsilon is added to the variance of the batch normalization.
const BatchNormEpsilon = 1e-3

// Scope is the context scope where the extractor stores its calibration variables.
const Scope = "features"

// ErrShapeMismatch is returned (wrapped) when the style and content images have different shapes.
var ErrShapeMismatch = errors.New("shape mismatch")

// FeatureSet holds the features of each branch, one node per layer ordered from shallow to deep,
// each shaped [batchSize, height, width, channels].
type FeatureSet struct {
	Style, Content []*Node
}

// Branch returns the layers of the named branch.
func (fs FeatureSet) Branch(name string) []*Node {
	switch name {
	case BranchStyle:
		return fs.Style
	case BranchContent:
		return fs.Content
	}
	exceptions.Panicf("unknown feature branch %q", name)
	return nil
}

// Options configure the Extractor.
type Options struct {
	Architecture Architecture

	// BatchNorm normalizes each layer with the per-channel mean and variance of the calibration features.
	BatchNorm bool

	// PCADim, if > 0, projects each layer to at most this number of principal components, fit on the
	// calibration features.
	PCADim int

	// Whiten scales the principal components to unit variance.
	Whiten bool

	// Precision of the features returned by Extractor.Features.
	Precision Precision
}

// Extractor of features. It is safe to use the same calibrated Extractor in many graphs.
type Extractor struct {
	opts       Options
	backbone   *backbone
	calibrated bool

	// pcas fitted for each branch and layer, kept for reporting.
	pcas map[string][]*PCA
}

// New creates a new extractor, preparing (e.g.: downloading) the weights of the architecture if needed.
func New(opts Options) (*Extractor, error) {
	if opts.Architecture < 0 || opts.Architecture >= numArchitectures {
		return nil, errors.Wrapf(ErrUnknownArchitecture, "architecture %d", opts.Architecture)
	}
	if opts.PCADim < 0 {
		return nil, errors.Errorf("PCA dimension must be >= 0, got %d", opts.PCADim)
	}
	if err := opts.Precision.validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		opts:     opts,
		backbone: opts.Architecture.backbone(),
		pcas:     make(map[string][]*PCA),
	}
	if err := e.backbone.prepare(); err != nil {
		return nil, err
	}
	return e, nil
}

// Options returns the options the extractor was created with.
func (e *Extractor) Options() Options { return e.opts }

// Calibrated returns whether Calibrate has already been called.
func (e *Extractor) Calibrated() bool { return e.calibrated }

// PCAs returns the PCA fitted for each layer of the branch, or nil if PCA is not enabled.
func (e *Extractor) PCAs(branch string) []*PCA { return e.pcas[branch] }

// RawFeatures returns the features straight from the backbone: style branch computed on style and content
// branch computed on content. They can be the same node, in which case the backbone is built only once.
//
// Images are shaped [batchSize, height, width, channels] with values from 0 to 255.
func (e *Extractor) RawFeatures(ctx *context.Context, style, content *Node) FeatureSet {
	bb := e.backbone
	styleLayers := bb.layers(ctx, bb.preprocess(style))
	contentLayers := styleLayers
	if content != style {
		contentLayers = bb.layers(ctx, bb.preprocess(content))
	}
	fs := FeatureSet{
		Style:   make([]*Node, len(bb.styleLayers)),
		Content: make([]*Node, len(bb.contentLayers)),
	}
	for ii, layerIdx := range bb.styleLayers {
		fs.Style[ii] = styleLayers[layerIdx]
	}
	for ii, layerIdx := range bb.contentLayers {
		fs.Content[ii] = contentLayers[layerIdx]
	}
	return fs
}

// Features returns the features of the calibrated extractor: the raw features followed by Postprocess.
//
// It panics if the extractor hasn't been calibrated.
func (e *Extractor) Features(ctx *context.Context, style, content *Node) FeatureSet {
	return e.Postprocess(ctx, e.RawFeatures(ctx, style, content))
}

// Postprocess applies to raw features (as returned by RawFeatures) the batch normalization and PCA
// projection, if configured, and converts them to the configured precision. fs is not modified.
//
// It allows deriving both the raw and the processed features from one build of the backbone.
// It panics if the extractor hasn't been calibrated.
func (e *Extractor) Postprocess(ctx *context.Context, fs FeatureSet) FeatureSet {
	if !e.calibrated {
		exceptions.Panicf("features.Extractor must be calibrated before use")
	}
	fs = FeatureSet{Style: slices.Clone(fs.Style), Content: slices.Clone(fs.Content)}
	fs = e.normalize(ctx, fs)
	fs = e.project(ctx, fs)
	dtype := e.opts.Precision.DType()
	for _, layers := range [][]*Node{fs.Style, fs.Content} {
		for ii, layer := range layers {
			if layer.DType() != dtype {
				layers[ii] = ConvertDType(layer, dtype)
			}
		}
	}
	return fs
}

// layerScope returns the context scope for the calibration variables of one layer.
func layerScope(ctx *context.Context, kind, branch string, layerIdx int) *context.Context {
	return ctx.In(Scope).In(kind).In(branch).Inf("layer_%d", layerIdx)
}

// mustVariable returns the variable in the scope, panicking if it doesn't exist.
func mustVariable(scopedCtx *context.Context, name string) *context.Variable {
	v := scopedCtx.GetVariable(name)
	if v == nil {
		exceptions.Panicf("calibration variable %q missing in scope %q", name, scopedCtx.Scope())
	}
	return v
}

// normalize applies batch normalization with the calibrated statistics, if enabled.
func (e *Extractor) normalize(ctx *context.Context, fs FeatureSet) FeatureSet {
	if !e.opts.BatchNorm {
		return fs
	}
	out := FeatureSet{Style: make([]*Node, len(fs.Style)), Content: make([]*Node, len(fs.Content))}
	for _, branch := range []string{BranchStyle, BranchContent} {
		for layerIdx, x := range fs.Branch(branch) {
			g := x.Graph()
			scopedCtx := layerScope(ctx, "batchnorm", branch, layerIdx)
			numChannels := x.Shape().Dim(-1)
			mean := Reshape(mustVariable(scopedCtx, "mean").ValueGraph(g), 1, 1, 1, numChannels)
			variance := Reshape(mustVariable(scopedCtx, "variance").ValueGraph(g), 1, 1, 1, numChannels)
			out.Branch(branch)[layerIdx] = Mul(Sub(x, mean), Rsqrt(AddScalar(variance, BatchNormEpsilon)))
		}
	}
	return out
}

// project applies the PCA projection, if enabled.
func (e *Extractor) project(ctx *context.Context, fs FeatureSet) FeatureSet {
	if e.opts.PCADim <= 0 {
		return fs
	}
	out := FeatureSet{Style: make([]*Node, len(fs.Style)), Content: make([]*Node, len(fs.Content))}
	for _, branch := range []string{BranchStyle, BranchContent} {
		for layerIdx, x := range fs.Branch(branch) {
			g := x.Graph()
			scopedCtx := layerScope(ctx, "pca", branch, layerIdx)
			dims := x.Shape().Dimensions
			mean := mustVariable(scopedCtx, "mean").ValueGraph(g)
			projection := mustVariable(scopedCtx, "projection").ValueGraph(g)
			numChannels, pcaDim := projection.Shape().Dim(0), projection.Shape().Dim(1)
			flat := Reshape(x, -1, numChannels)
			flat = Sub(flat, Reshape(mean, 1, numChannels))
			projected := MatMul(flat, projection)
			out.Branch(branch)[layerIdx] = Reshape(projected, dims[0], dims[1], dims[2], pcaDim)
		}
	}
	return out
}

// Calibrate runs the calibration pass on the style and content images, shaped [batchSize, height, width,
// channels] with values from 0 to 255. It fits the batch normalization statistics and then the PCA
// projections (on the normalized features), if they are enabled, and freezes the extractor.
//
// It can only be called once.
func (e *Extractor) Calibrate(backend backends.Backend, ctx *context.Context, style, content *tensors.Tensor) (err error) {
	if e.calibrated {
		return errors.New("features.Extractor already calibrated")
	}
	if !style.Shape().Equal(content.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "style image shaped %s, content image shaped %s",
			style.Shape(), content.Shape())
	}
	err = exceptions.TryCatch[error](func() {
		if e.opts.BatchNorm {
			e.calibrateBatchNorm(backend, ctx, style, content)
		}
		if e.opts.PCADim > 0 {
			e.calibratePCA(backend, ctx, style, content)
		}
	})
	if err != nil {
		return errors.WithMessage(err, "failed to calibrate feature extractor")
	}
	e.calibrated = true
	klog.V(1).Infof("feature extractor %s calibrated (batch_norm=%v, pca=%d, whiten=%v)",
		e.opts.Architecture, e.opts.BatchNorm, e.opts.PCADim, e.opts.Whiten)
	return nil
}

// calibrateBatchNorm stores the per-channel mean and variance of each raw feature layer, reduced over the
// batch and spatial axes.
func (e *Extractor) calibrateBatchNorm(backend backends.Backend, ctx *context.Context, style, content *tensors.Tensor) {
	_ = context.ExecOnceN(backend, ctx, func(ctx *context.Context, style, content *Node) []*Node {
		fs := e.RawFeatures(ctx, style, content)
		for _, branch := range []string{BranchStyle, BranchContent} {
			for layerIdx, x := range fs.Branch(branch) {
				mean := ReduceAndKeep(x, ReduceMean, 0, 1, 2)
				variance := ReduceMean(Square(Sub(x, mean)), 0, 1, 2)
				scopedCtx := layerScope(ctx, "batchnorm", branch, layerIdx)
				setNonTrainable(scopedCtx, "mean", Reshape(mean, -1))
				setNonTrainable(scopedCtx, "variance", variance)
			}
		}
		return nil
	}, style, content)
}

// setNonTrainable creates or updates the variable with the value of node.
func setNonTrainable(scopedCtx *context.Context, name string, node *Node) {
	v := scopedCtx.GetVariable(name)
	if v == nil {
		v = scopedCtx.VariableWithValueGraph(name, node)
	} else {
		v.SetValueGraph(node)
	}
	v.SetTrainable(false)
}

// calibratePCA fits one PCA per layer on the (normalized) calibration features.
func (e *Extractor) calibratePCA(backend backends.Backend, ctx *context.Context, style, content *tensors.Tensor) {
	flatLayers := context.ExecOnceN(backend, ctx, func(ctx *context.Context, style, content *Node) []*Node {
		fs := e.normalize(ctx, e.RawFeatures(ctx, style, content))
		var flat []*Node
		for _, layers := range [][]*Node{fs.Style, fs.Content} {
			for _, x := range layers {
				flat = append(flat, ConvertDType(Reshape(x, -1, x.Shape().Dim(-1)), dtypes.Float32))
			}
		}
		return flat
	}, style, content)

	layerIdx := 0
	for _, branch := range []string{BranchStyle, BranchContent} {
		numLayers := len(e.backbone.styleLayers)
		if branch == BranchContent {
			numLayers = len(e.backbone.contentLayers)
		}
		e.pcas[branch] = make([]*PCA, numLayers)
		for branchLayerIdx := range numLayers {
			flatT := flatLayers[layerIdx]
			layerIdx++
			numSamples, featDim := flatT.Shape().Dim(0), flatT.Shape().Dim(1)
			rows := flatT.Value().([][]float32)
			data := make([]float32, 0, numSamples*featDim)
			for _, row := range rows {
				data = append(data, row...)
			}
			pca, err := FitPCA(data, numSamples, featDim, e.opts.PCADim, e.opts.Whiten)
			if err != nil {
				panic(errors.WithMessagef(err, "%s layer #%d", branch, branchLayerIdx))
			}
			e.pcas[branch][branchLayerIdx] = pca
			klog.V(1).Infof("PCA %s layer #%d: %d -> %d dimensions, %.1f%% of the variance kept",
				branch, branchLayerIdx, featDim, pca.Dim, 100*pca.ExplainedVarianceRatio())

			scopedCtx := layerScope(ctx, "pca", branch, branchLayerIdx)
			setNonTrainableValue(scopedCtx, "mean", tensors.FromFlatDataAndDimensions(pca.MeanData(), featDim))
			setNonTrainableValue(scopedCtx, "projection",
				tensors.FromFlatDataAndDimensions(pca.ProjectionData(), featDim, pca.Dim))
		}
	}
}

// setNonTrainableValue creates or updates the variable with the given value.
func setNonTrainableValue(scopedCtx *context.Context, name string, value *tensors.Tensor) {
	v := scopedCtx.GetVariable(name)
	if v == nil {
		v = scopedCtx.VariableWithValue(name, value)
	} else {
		v.SetValue(value)
	}
	v.SetTrainable(false)
}

// String implements fmt.Stringer.
func (e *Extractor) String() string {
	return fmt.Sprintf("features.Extractor(%s, batch_norm=%v, pca=%d, whiten=%v, precision=%s)",
		e.opts.Architecture, e.opts.BatchNorm, e.opts.PCADim, e.opts.Whiten, e.opts.Precision)
}
