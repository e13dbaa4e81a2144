// Package losses implements the family of named losses used to match the distribution of the features of
// the generated image against the features of the target (style or content) image.
//
// Each loss takes the target and generated features, shaped [batchSize, height, width, channels], and
// returns one loss value per example, shaped [batchSize]. Losses are looked up by name with New, so
// a misspelled name is reported when the model is configured, and never when the loss is evaluated.
package losses

import (
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/diststyle/moments"
	"github.com/pkg/errors"
)

// ErrUnknownLoss is returned (wrapped) by New and Validate for names not in the registry.
var ErrUnknownLoss = errors.New("unknown loss")

// Names of the registered losses.
const (
	M1      = "m1"
	M1M2    = "m1m2"
	M1Covar = "m1covar"
	Gram    = "gram"
	M3      = "m3"
	Wass    = "wass"
	CoWass  = "cowass"
	MSE     = "mse"
	None    = "none"
)

// Loss compares target and generated features.
type Loss interface {
	// Name under which the loss is registered.
	Name() string

	// Graph returns the loss per example, shaped [batchSize]. The context is only used by stateful losses.
	Graph(ctx *context.Context, target, generated *Node) *Node
}

// Options used when creating losses.
type Options struct {
	// CoWassWarmupSteps is the number of invocations over which the CoWass loss blends in the
	// Wasserstein term. It must not be negative.
	CoWassWarmupSteps int
}

// Func is a stateless loss function, shaped [batchSize].
type Func func(target, generated *Node) *Node

// stateless adapts a Func to the Loss interface.
type stateless struct {
	name string
	fn   Func
}

func (l *stateless) Name() string { return l.name }

func (l *stateless) Graph(_ *context.Context, target, generated *Node) *Node {
	return l.fn(target, generated)
}

// registry of the stateless losses. Wass and CoWass are handled separately, since they use the context.
var registry = map[string]Func{
	M1: func(target, generated *Node) *Node {
		return moments.MeanLoss(target, generated, 2)
	},
	M1M2: func(target, generated *Node) *Node {
		return Add(moments.MeanLoss(target, generated, 2), moments.VarLoss(target, generated, 2))
	},
	M1Covar: func(target, generated *Node) *Node {
		return Add(moments.MeanLoss(target, generated, 2), moments.CovarLoss(target, generated))
	},
	Gram: moments.RawM2Loss,
	M3: func(target, generated *Node) *Node {
		loss := Add(moments.MeanLoss(target, generated, 2), moments.VarLoss(target, generated, 2))
		return Add(loss, moments.SkewLoss(target, generated, 2))
	},
	MSE: func(target, generated *Node) *Node {
		return ReduceMean(Square(Sub(target, generated)), 1, 2, 3)
	},
	None: Zero,
}

// wassLoss is the Wasserstein distance, with the subsampling of large feature maps shifted at random on every
// invocation.
type wassLoss struct{}

func (wassLoss) Name() string { return Wass }

func (wassLoss) Graph(ctx *context.Context, target, generated *Node) *Node {
	return moments.WassersteinShifted(target, generated, SubsampleShift(ctx, target.Graph()))
}

// SubsampleShift draws from the context random number generator the shift of the Wasserstein subsampling
// (see moments.WassersteinShifted): a float32 scalar in [0, 1), new on every execution of the graph.
func SubsampleShift(ctx *context.Context, g *Graph) *Node {
	return StopGradient(ctx.RandomUniform(g, shapes.Make(dtypes.Float32)))
}

// Zero returns a zero loss shaped [batchSize]. It is used for branches without a configured loss.
func Zero(target, _ *Node) *Node {
	batchSize := target.Shape().Dim(0)
	return Zeros(target.Graph(), shapes.Make(target.DType(), batchSize))
}

// Names returns the sorted names of all registered losses.
func Names() []string {
	names := make([]string, 0, len(registry)+2)
	for name := range registry {
		names = append(names, name)
	}
	names = append(names, Wass, CoWass)
	sort.Strings(names)
	return names
}

// Validate returns an error if name is not a registered loss. The empty name is taken as None.
func Validate(name string) error {
	if name == "" || name == Wass || name == CoWass {
		return nil
	}
	if _, found := registry[name]; !found {
		return errors.Wrapf(ErrUnknownLoss, "loss %q (valid losses: %v)", name, Names())
	}
	return nil
}

// New creates the loss registered under name. The empty name is taken as None.
//
// Stateful losses (CoWass) are created fresh on each call, so each training run should call New once and
// reuse the returned loss for all its steps.
func New(name string, opts Options) (Loss, error) {
	if name == "" {
		name = None
	}
	if err := Validate(name); err != nil {
		return nil, err
	}
	switch name {
	case Wass:
		return wassLoss{}, nil
	case CoWass:
		return NewCoWass(opts.CoWassWarmupSteps)
	}
	return &stateless{name: name, fn: registry[name]}, nil
}

// IsStateful returns whether the named loss keeps state across invocations.
func IsStateful(name string) bool {
	return name == CoWass
}

// Sum evaluates loss on each pair of layers and returns the sum over layers of the mean over the batch: a
// scalar.
func Sum(ctx *context.Context, loss Loss, targets, generated []*Node) *Node {
	if len(targets) != len(generated) {
		exceptions.Panicf("loss %q: %d target layers but %d generated layers", loss.Name(), len(targets), len(generated))
	}
	var total *Node
	for layerIdx, target := range targets {
		layerLoss := ReduceAllMean(loss.Graph(ctx, target, generated[layerIdx]))
		if total == nil {
			total = layerLoss
		} else {
			total = Add(total, layerLoss)
		}
	}
	if total == nil {
		exceptions.Panicf("loss %q: no layers to compare", loss.Name())
	}
	return total
}
