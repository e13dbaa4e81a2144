package losses

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/diststyle/moments"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backend = backends.New()

func randomFeatures(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = rng.Float32() * 4
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func TestNamesAndValidate(t *testing.T) {
	assert.Equal(t, []string{"cowass", "gram", "m1", "m1covar", "m1m2", "m3", "mse", "none", "wass"}, Names())
	for _, name := range Names() {
		assert.NoError(t, Validate(name), name)
	}
	assert.NoError(t, Validate(""))

	err := Validate("m2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownLoss))

	_, err = New("wasserstein", Options{})
	assert.True(t, errors.Is(err, ErrUnknownLoss))
	_, err = New(CoWass, Options{CoWassWarmupSteps: -1})
	assert.Error(t, err)
}

func TestNewEmptyIsNone(t *testing.T) {
	loss, err := New("", Options{})
	require.NoError(t, err)
	assert.Equal(t, None, loss.Name())
	assert.False(t, IsStateful(loss.Name()))
}

func TestRegisteredLossesAreZeroOnSelf(t *testing.T) {
	x := randomFeatures(1, 2, 4, 4, 3)
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			loss, err := New(name, Options{CoWassWarmupSteps: 3})
			require.NoError(t, err)
			ctx := context.New()
			result := context.NewExec(backend, ctx, func(ctx *context.Context, target, generated *Node) *Node {
				return loss.Graph(ctx, target, generated)
			}).Call(x, x)[0]
			values := result.Value().([]float32)
			require.Len(t, values, 2)
			for _, v := range values {
				assert.InDelta(t, 0.0, v, 1e-5)
			}
		})
	}
}

func TestNoneIsZeroForDifferentFeatures(t *testing.T) {
	loss, err := New(None, Options{})
	require.NoError(t, err)
	a := randomFeatures(1, 3, 2, 2, 2)
	b := randomFeatures(2, 3, 2, 2, 2)
	result := ExecOnce(backend, func(target, generated *Node) *Node {
		return loss.Graph(nil, target, generated)
	}, a, b)
	assert.Equal(t, []float32{0, 0, 0}, result.Value())
}

func TestM1M2AddsMeanAndVariance(t *testing.T) {
	a := randomFeatures(1, 1, 3, 3, 2)
	b := randomFeatures(2, 1, 3, 3, 2)
	loss, err := New(M1M2, Options{})
	require.NoError(t, err)
	results := NewExec(backend, func(target, generated *Node) []*Node {
		return []*Node{
			loss.Graph(nil, target, generated),
			Add(moments.MeanLoss(target, generated, 2), moments.VarLoss(target, generated, 2)),
		}
	}).Call(a, b)
	assert.InDeltaSlice(t, results[1].Value(), results[0].Value(), 1e-6)
}

func TestSum(t *testing.T) {
	a := randomFeatures(1, 2, 2, 2, 2)
	b := randomFeatures(2, 2, 2, 2, 2)
	loss, err := New(M1, Options{})
	require.NoError(t, err)
	results := NewExec(backend, func(target, generated *Node) []*Node {
		single := ReduceAllMean(loss.Graph(nil, target, generated))
		double := Sum(nil, loss, []*Node{target, target}, []*Node{generated, generated})
		return []*Node{single, double}
	}).Call(a, b)
	single := results[0].Value().(float32)
	assert.InDelta(t, 2*single, results[1].Value().(float32), 1e-5)
}

func TestCoWassAlphaSchedule(t *testing.T) {
	loss, err := NewCoWass(10)
	require.NoError(t, err)
	ctx := context.New()
	assert.Equal(t, 0.0, loss.Alpha(ctx))

	x := randomFeatures(1, 1, 3, 3, 2)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, target, generated *Node) *Node {
		return loss.Graph(ctx, target, generated)
	})
	for range 5 {
		exec.Call(x, x)
	}
	assert.Equal(t, 5, loss.Steps(ctx))
	assert.InDelta(t, 0.5, loss.Alpha(ctx), 1e-9)
	for range 5 {
		exec.Call(x, x)
	}
	assert.InDelta(t, 1.0, loss.Alpha(ctx), 1e-9)
	for range 3 {
		exec.Call(x, x)
	}
	assert.Equal(t, 13, loss.Steps(ctx))
	assert.InDelta(t, 1.0, loss.Alpha(ctx), 1e-9)

	loss.Reset(ctx)
	assert.Equal(t, 0, loss.Steps(ctx))
	assert.Equal(t, 0.0, loss.Alpha(ctx))
}

func TestCoWassNoWarmup(t *testing.T) {
	loss, err := NewCoWass(0)
	require.NoError(t, err)
	ctx := context.New()
	assert.Equal(t, 1.0, loss.Alpha(ctx))

	// With alpha=1 from the very first invocation the loss includes the full Wasserstein term.
	a := randomFeatures(1, 1, 3, 3, 2)
	b := randomFeatures(2, 1, 3, 3, 2)
	results := context.NewExec(backend, ctx, func(ctx *context.Context, target, generated *Node) []*Node {
		return []*Node{
			loss.Graph(ctx, target, generated),
			Add(moments.Wasserstein(target, generated), moments.CovarLoss(target, generated)),
		}
	}).Call(a, b)
	assert.InDeltaSlice(t, results[1].Value(), results[0].Value(), 1e-5)
	assert.Equal(t, 1, loss.Steps(ctx))
}

func TestCoWassCountsEveryInvocation(t *testing.T) {
	loss, err := NewCoWass(4)
	require.NoError(t, err)
	ctx := context.New()
	a := randomFeatures(1, 1, 3, 3, 2)
	b := randomFeatures(2, 1, 3, 3, 2)

	// Two invocations in one graph: the first sees alpha=0 (only the covariance term), the second 0.25.
	results := context.NewExec(backend, ctx, func(ctx *context.Context, target, generated *Node) []*Node {
		return []*Node{
			loss.Graph(ctx, target, generated),
			loss.Graph(ctx, target, generated),
			moments.CovarLoss(target, generated),
			moments.Wasserstein(target, generated),
		}
	}).Call(a, b)
	first := results[0].Value().([]float32)[0]
	second := results[1].Value().([]float32)[0]
	covar := results[2].Value().([]float32)[0]
	wass := results[3].Value().([]float32)[0]
	assert.InDelta(t, covar, first, 1e-5)
	assert.InDelta(t, 0.25*wass+covar, second, 1e-5)
	assert.Equal(t, 2, loss.Steps(ctx))
}

func TestWassRotatesSubsampledPositions(t *testing.T) {
	// 65x65 positions are subsampled every other position: with zeros as target and the parity of the
	// position as generated, the even lattice gives 0 and the odd one gives 1.
	data := make([]float32, 65*65)
	for ii := range data {
		data[ii] = float32(ii % 2)
	}
	generated := tensors.FromFlatDataAndDimensions(data, 1, 65, 65, 1)
	target := tensors.FromFlatDataAndDimensions(make([]float32, 65*65), 1, 65, 65, 1)

	loss, err := New(Wass, Options{})
	require.NoError(t, err)
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, target, generated *Node) *Node {
		return loss.Graph(ctx, target, generated)
	})
	seen := make(map[float32]int)
	for range 30 {
		value := exec.Call(target, generated)[0].Value().([]float32)[0]
		if value < 0.5 {
			assert.InDelta(t, 0.0, value, 1e-6)
			seen[0]++
		} else {
			assert.InDelta(t, 1.0, value, 1e-6)
			seen[1]++
		}
	}
	assert.Greater(t, seen[0], 0)
	assert.Greater(t, seen[1], 0)
}
