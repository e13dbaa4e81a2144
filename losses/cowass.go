package losses

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/diststyle/moments"
	"github.com/pkg/errors"
)

const (
	// CoWassScope is the context scope holding the CoWass step counter.
	CoWassScope = "cowass"

	// CoWassStepVariable is the name of the CoWass step counter variable.
	CoWassStepVariable = "step"
)

// CoWassLoss blends the Wasserstein distance into the covariance loss:
//
//	loss = alpha(step) * Wasserstein + CovarLoss
//
// with alpha growing linearly from 0 to 1 over WarmupSteps invocations, and 1 afterwards (or always, if
// WarmupSteps is 0).
//
// It is stateful: the step counter is a non-trainable variable in the context, advanced by one on every
// invocation of the loss. Since graphs are built once and executed many times, "invocation" means one
// execution of the graph for every time Graph was called while building it: a loss applied to 5 layers
// advances the counter by 5 per training step. Alpha is taken before the counter advances.
type CoWassLoss struct {
	warmupSteps int
}

// NewCoWass creates a CoWass loss. A negative warmupSteps is a configuration error.
func NewCoWass(warmupSteps int) (*CoWassLoss, error) {
	if warmupSteps < 0 {
		return nil, errors.Errorf("cowass warmup steps must be >= 0, got %d", warmupSteps)
	}
	return &CoWassLoss{warmupSteps: warmupSteps}, nil
}

// Name implements Loss.
func (l *CoWassLoss) Name() string { return CoWass }

// WarmupSteps returns the configured warmup horizon.
func (l *CoWassLoss) WarmupSteps() int { return l.warmupSteps }

// stepVariable returns the counter variable, creating it with 0 if it doesn't exist yet.
func (l *CoWassLoss) stepVariable(ctx *context.Context) *context.Variable {
	scopedCtx := ctx.In(CoWassScope)
	v := scopedCtx.GetVariable(CoWassStepVariable)
	if v == nil {
		v = scopedCtx.VariableWithValue(CoWassStepVariable, float32(0))
	}
	v.SetTrainable(false)
	return v
}

// Graph implements Loss: it returns the loss shaped [batchSize] and advances the step counter.
func (l *CoWassLoss) Graph(ctx *context.Context, target, generated *Node) *Node {
	g := target.Graph()
	v := l.stepVariable(ctx)
	step := v.ValueGraph(g)

	alpha := OnesLike(step)
	if l.warmupSteps > 0 {
		alpha = Min(DivScalar(step, float64(l.warmupSteps)), alpha)
	}
	alpha = ConvertDType(alpha, target.DType())
	loss := Add(
		Mul(alpha, moments.WassersteinShifted(target, generated, SubsampleShift(ctx, g))),
		moments.CovarLoss(target, generated))

	v.SetValueGraph(AddScalar(step, 1))
	return loss
}

// Reset sets the step counter back to 0.
func (l *CoWassLoss) Reset(ctx *context.Context) {
	l.stepVariable(ctx).SetValue(tensors.FromValue(float32(0)))
}

// Steps returns the number of invocations since the last Reset.
func (l *CoWassLoss) Steps(ctx *context.Context) int {
	return int(l.stepVariable(ctx).Value().Value().(float32))
}

// Alpha returns the blending coefficient the next invocation will use.
func (l *CoWassLoss) Alpha(ctx *context.Context) float64 {
	return l.alphaAt(l.Steps(ctx))
}

func (l *CoWassLoss) alphaAt(step int) float64 {
	if l.warmupSteps <= 0 {
		return 1
	}
	return math.Min(float64(step)/float64(l.warmupSteps), 1)
}
