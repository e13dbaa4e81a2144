package moments

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backend = backends.New()

// randomFeatures returns a tensor shaped [batch, height, width, channels] with values in [-scale, scale).
func randomFeatures(rng *rand.Rand, scale float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = (2*rng.Float32() - 1) * scale
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// execLoss runs lossFn on the two tensors and returns the per-example values.
func execLoss(t *testing.T, lossFn func(target, generated *Node) *Node, target, generated *tensors.Tensor) []float32 {
	t.Helper()
	result := ExecOnce(backend, lossFn, target, generated)
	values, ok := result.Value().([]float32)
	require.Truef(t, ok, "unexpected loss shape %s", result.Shape())
	return values
}

func TestSelfComparisonIsZero(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	x := randomFeatures(rng, 10, 2, 5, 4, 3)
	testCases := map[string]func(target, generated *Node) *Node{
		"mean_order_1": func(target, generated *Node) *Node { return MeanLoss(target, generated, 1) },
		"mean_order_2": func(target, generated *Node) *Node { return MeanLoss(target, generated, 2) },
		"mean_order_3": func(target, generated *Node) *Node { return MeanLoss(target, generated, 3) },
		"var":          func(target, generated *Node) *Node { return VarLoss(target, generated, 2) },
		"skew":         func(target, generated *Node) *Node { return SkewLoss(target, generated, 2) },
		"covar":        CovarLoss,
		"raw_m2":       RawM2Loss,
		"wasserstein":  Wasserstein,
	}
	for name, lossFn := range testCases {
		t.Run(name, func(t *testing.T) {
			values := execLoss(t, lossFn, x, x)
			require.Len(t, values, 2)
			for _, v := range values {
				assert.InDelta(t, 0.0, v, 1e-6)
			}
		})
	}
}

func TestMeanAndVariance(t *testing.T) {
	// One example, 2x2 positions, 2 channels: channel 0 = {1, 2, 3, 4}, channel 1 = {5, 5, 5, 5}.
	x := tensors.FromFlatDataAndDimensions([]float32{1, 5, 2, 5, 3, 5, 4, 5}, 1, 2, 2, 2)
	mean := ExecOnce(backend, Mean, x).Value().([][]float32)
	assert.InDeltaSlice(t, []float32{2.5, 5}, mean[0], 1e-6)
	variance := ExecOnce(backend, Variance, x).Value().([][]float32)
	assert.InDeltaSlice(t, []float32{1.25, 0}, variance[0], 1e-6)
}

func TestSkewnessOfConstantChannelIsFinite(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{3, 3, 3, 3}, 1, 2, 2, 1)
	skew := ExecOnce(backend, Skewness, x).Value().([][]float32)
	assert.False(t, math.IsNaN(float64(skew[0][0])))
	assert.InDelta(t, 0.0, skew[0][0], 1e-6)
}

func TestSkewnessSign(t *testing.T) {
	// A long tail to the right gives a positive skew.
	x := tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 10}, 1, 2, 2, 1)
	skew := ExecOnce(backend, Skewness, x).Value().([][]float32)
	assert.Greater(t, skew[0][0], float32(0.5))
}

func TestMeanLossValue(t *testing.T) {
	target := tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0}, 1, 2, 2, 1)
	generated := tensors.FromFlatDataAndDimensions([]float32{3, 3, 3, 3}, 1, 2, 2, 1)
	values := execLoss(t, func(target, generated *Node) *Node { return MeanLoss(target, generated, 2) }, target, generated)
	assert.InDelta(t, 9.0, values[0], 1e-5)
	values = execLoss(t, func(target, generated *Node) *Node { return MeanLoss(target, generated, 1) }, target, generated)
	assert.InDelta(t, 3.0, values[0], 1e-5)
}

func TestGramOfKnownFeatures(t *testing.T) {
	// Two positions: (1, 0) and (0, 2).
	x := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 2}, 1, 1, 2, 2)
	gram := ExecOnce(backend, Gram, x).Value().([][][]float32)
	assert.InDeltaSlice(t, []float32{0.5, 0}, gram[0][0], 1e-6)
	assert.InDeltaSlice(t, []float32{0, 2}, gram[0][1], 1e-6)
}

func TestCovarLossIgnoresShift(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	x := randomFeatures(rng, 1, 1, 4, 4, 3)
	shifted := ExecOnce(backend, func(x *Node) *Node { return AddScalar(x, 5) }, x)
	values := execLoss(t, CovarLoss, x, shifted)
	assert.InDelta(t, 0.0, values[0], 1e-5)
	// The Gram matrix is uncentered, so it notices the shift.
	values = execLoss(t, RawM2Loss, x, shifted)
	assert.Greater(t, values[0], float32(1))
}

func TestWassersteinKnownValue(t *testing.T) {
	// Same multiset shifted by 1, in a different spatial order: the sorted samples differ by exactly 1.
	target := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3}, 1, 2, 2, 1)
	generated := tensors.FromFlatDataAndDimensions([]float32{4, 3, 2, 1}, 1, 2, 2, 1)
	values := execLoss(t, Wasserstein, target, generated)
	assert.InDelta(t, 1.0, values[0], 1e-5)
}

func TestWassersteinSymmetricAndZeroOnPermutation(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	a := randomFeatures(rng, 5, 2, 4, 4, 3)
	b := randomFeatures(rng, 5, 2, 4, 4, 3)
	ab := execLoss(t, Wasserstein, a, b)
	ba := execLoss(t, Wasserstein, b, a)
	assert.InDeltaSlice(t, ab, ba, 1e-5)
	for _, v := range ab {
		assert.Greater(t, v, float32(0))
	}

	// Transposing the spatial axes keeps the per-channel empirical distributions.
	flipped := ExecOnce(backend, func(x *Node) *Node { return Transpose(x, 1, 2) }, a)
	values := execLoss(t, Wasserstein, a, flipped)
	for _, v := range values {
		assert.InDelta(t, 0.0, v, 1e-6)
	}
}

func TestWassersteinWithTies(t *testing.T) {
	target := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1, 2}, 1, 2, 2, 1)
	generated := tensors.FromFlatDataAndDimensions([]float32{2, 1, 1, 1}, 1, 2, 2, 1)
	values := execLoss(t, Wasserstein, target, generated)
	assert.InDelta(t, 0.0, values[0], 1e-6)
}

// parityFeatures returns features shaped [1, size, size, 1] where the flattened position p holds p%2.
func parityFeatures(size int) *tensors.Tensor {
	data := make([]float32, size*size)
	for ii := range data {
		data[ii] = float32(ii % 2)
	}
	return tensors.FromFlatDataAndDimensions(data, 1, size, size, 1)
}

func TestWassersteinShiftedSubsampling(t *testing.T) {
	// 65x65 positions exceed the 4096 samples allowed for one channel: they are subsampled with stride 2.
	target := tensors.FromFlatDataAndDimensions(make([]float32, 65*65), 1, 65, 65, 1)
	generated := parityFeatures(65)
	require.Equal(t, 2, subsampleStride([]int{1, 65, 65, 1}))

	shifted := func(shift float32) float32 {
		result := ExecOnce(backend, func(target, generated *Node) *Node {
			return WassersteinShifted(target, generated, Scalar(target.Graph(), target.DType(), shift))
		}, target, generated)
		return result.Value().([]float32)[0]
	}
	// Even positions only: the differing odd positions are never seen.
	assert.InDelta(t, 0.0, execLoss(t, Wasserstein, target, generated)[0], 1e-6)
	assert.InDelta(t, 0.0, shifted(0.25), 1e-6)
	// Odd positions only.
	assert.InDelta(t, 1.0, shifted(0.75), 1e-6)
}

func TestWassersteinTargetIsConstant(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 0))
	a := randomFeatures(rng, 5, 1, 3, 3, 2)
	b := randomFeatures(rng, 5, 1, 3, 3, 2)
	grads := NewExec(backend, func(target, generated *Node) []*Node {
		return Gradient(ReduceAllSum(Wasserstein(target, generated)), target, generated)
	}).Call(a, b)
	var targetNorm, generatedNorm float64
	for _, v := range grads[0].Value().([][][][]float32)[0] {
		for _, row := range v {
			for _, g := range row {
				targetNorm += math.Abs(float64(g))
			}
		}
	}
	for _, v := range grads[1].Value().([][][][]float32)[0] {
		for _, row := range v {
			for _, g := range row {
				generatedNorm += math.Abs(float64(g))
			}
		}
	}
	assert.Equal(t, 0.0, targetNorm)
	assert.Greater(t, generatedNorm, 0.0)
}
