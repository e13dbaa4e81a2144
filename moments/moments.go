// Package moments implements the statistics of feature maps used to compare the distribution of
// the features of a generated image against the ones of a target image.
//
// All functions take feature maps shaped [batchSize, height, width, channels] and reduce over the
// spatial axes (height and width), independently per example and per channel. They build GoMLX
// computation graphs, so they can be differentiated with respect to their inputs.
package moments

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// SkewEpsilon is added to the variance before taking the inverse square root when standardizing
	// the features for the skewness. It keeps near-constant channels from producing NaNs.
	SkewEpsilon = 1e-3

	// MaxWassersteinPairs limits the size of the pairwise comparison tensor used to sort the features
	// in Wasserstein. Feature maps with more spatial positions are subsampled with a stride.
	MaxWassersteinPairs = 1 << 24
)

// spatialAxes are the axes reduced by all statistics.
var spatialAxes = []int{1, 2}

func assertFeatures(x *Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("features must be shaped [batch, height, width, channels], got %s", x.Shape())
	}
}

func assertSameShape(target, generated *Node) {
	assertFeatures(target)
	assertFeatures(generated)
	if !target.Shape().Equal(generated.Shape()) {
		exceptions.Panicf("target features shaped %s and generated features shaped %s differ",
			target.Shape(), generated.Shape())
	}
}

// Mean returns the per-channel mean of the features, shaped [batchSize, channels].
func Mean(x *Node) *Node {
	assertFeatures(x)
	return ReduceMean(x, spatialAxes...)
}

// Variance returns the per-channel (population) variance of the features, shaped [batchSize, channels].
func Variance(x *Node) *Node {
	assertFeatures(x)
	centered := Sub(x, ReduceAndKeep(x, ReduceMean, spatialAxes...))
	return ReduceMean(Square(centered), spatialAxes...)
}

// Skewness returns the per-channel third standardized moment, shaped [batchSize, channels].
func Skewness(x *Node) *Node {
	assertFeatures(x)
	mean := ReduceAndKeep(x, ReduceMean, spatialAxes...)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, spatialAxes...)
	z := Mul(centered, Rsqrt(AddScalar(variance, SkewEpsilon)))
	return ReduceMean(Mul(Square(z), z), spatialAxes...)
}

// flatten reshapes the features to [batchSize, height*width, channels].
func flatten(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Reshape(x, dims[0], dims[1]*dims[2], dims[3])
}

// Covariance returns the centered cross-channel covariance matrix, shaped [batchSize, channels, channels].
func Covariance(x *Node) *Node {
	assertFeatures(x)
	centered := Sub(x, ReduceAndKeep(x, ReduceMean, spatialAxes...))
	return Gram(centered)
}

// Gram returns the uncentered second moment of the per-pixel channel vectors (featuresᵀ·features),
// normalized by the number of spatial positions. It is shaped [batchSize, channels, channels].
func Gram(x *Node) *Node {
	assertFeatures(x)
	numPositions := x.Shape().Dim(1) * x.Shape().Dim(2)
	flat := flatten(x)
	gram := Einsum("bnc,bnd->bcd", flat, flat)
	return DivScalar(gram, float64(numPositions))
}

// powAbs returns |x|^order, using cheaper (and better-conditioned) forms for the usual orders.
func powAbs(x *Node, order float64) *Node {
	switch order {
	case 1:
		return Abs(x)
	case 2:
		return Square(x)
	}
	return Pow(Abs(x), Scalar(x.Graph(), x.DType(), order))
}

// statLoss returns the mean over channels of |stat(target) - stat(generated)|^order, shaped [batchSize].
func statLoss(stat func(*Node) *Node, target, generated *Node, order float64) *Node {
	assertSameShape(target, generated)
	return ReduceMean(powAbs(Sub(stat(target), stat(generated)), order), -1)
}

// MeanLoss compares the per-channel means: it returns the mean over channels of
// |mean(target) - mean(generated)|^order, shaped [batchSize].
func MeanLoss(target, generated *Node, order float64) *Node {
	return statLoss(Mean, target, generated, order)
}

// VarLoss is like MeanLoss, but comparing the per-channel variances.
func VarLoss(target, generated *Node, order float64) *Node {
	return statLoss(Variance, target, generated, order)
}

// SkewLoss is like MeanLoss, but comparing the per-channel skewness.
func SkewLoss(target, generated *Node, order float64) *Node {
	return statLoss(Skewness, target, generated, order)
}

// matrixLoss returns the mean squared entry of the difference of the two [batch, C, C] matrices.
func matrixLoss(target, generated *Node) *Node {
	return ReduceMean(Square(Sub(target, generated)), 1, 2)
}

// CovarLoss compares the cross-channel covariance matrices, shaped [batchSize].
// It is the squared Frobenius norm of the difference divided by channels².
func CovarLoss(target, generated *Node) *Node {
	assertSameShape(target, generated)
	return matrixLoss(Covariance(target), Covariance(generated))
}

// RawM2Loss compares the Gram matrices (uncentered second moments), shaped [batchSize].
func RawM2Loss(target, generated *Node) *Node {
	assertSameShape(target, generated)
	return matrixLoss(Gram(target), Gram(generated))
}

// Wasserstein returns the squared 1-D Wasserstein-2 distance between the empirical distributions of each
// channel over the spatial positions, averaged over the channels. It is shaped [batchSize].
//
// For one dimension the optimal transport matches the sorted samples, so the distance per channel is
// mean_k (sort(target)_k - sort(generated)_k)². Large feature maps are subsampled with a stride (the same
// positions for both sides) to bound the cost of the sort, see MaxWassersteinPairs and WassersteinShifted.
//
// The target is taken as constant: no gradient flows back to it.
func Wasserstein(target, generated *Node) *Node {
	return WassersteinShifted(target, generated, nil)
}

// WassersteinShifted is like Wasserstein, but when the feature maps are subsampled the lattice of positions
// starts at floor(shift * stride) instead of 0. shift is a float scalar in [0, 1), or nil for 0.
//
// Drawing a new shift on every step covers every position over the steps. Each step still only sees
// 1/stride of the positions, so a single evaluation is a noisy estimate of the full distance.
func WassersteinShifted(target, generated, shift *Node) *Node {
	assertSameShape(target, generated)
	var offset *Node
	stride := subsampleStride(target.Shape().Dimensions)
	if shift != nil && stride > 1 {
		offset = MulScalar(ConvertDType(StopGradient(shift), dtypes.Float32), float64(stride))
		offset = MinScalar(ConvertDType(Floor(offset), dtypes.Int32), int32(stride-1))
	}
	sortedTarget := sortedChannels(StopGradient(target), stride, offset)
	sortedGenerated := sortedChannels(generated, stride, offset)
	perChannel := ReduceMean(Square(Sub(sortedTarget, sortedGenerated)), -1) // [batch, channels]
	return ReduceMean(perChannel, -1)
}

// subsampleStride returns the stride over the spatial positions of a map with dims that keeps the pairwise comparisons
// of the sort under MaxWassersteinPairs. It is 1 if no subsampling is needed.
func subsampleStride(dims []int) int {
	batchSize, numChannels, numPositions := dims[0], dims[3], dims[1]*dims[2]
	maxSamples := int(math.Sqrt(float64(MaxWassersteinPairs) / float64(batchSize*numChannels)))
	if maxSamples < 1 {
		maxSamples = 1
	}
	if numPositions <= maxSamples {
		return 1
	}
	return (numPositions + maxSamples - 1) / maxSamples
}

// sortedChannels returns the features shaped [batchSize, channels, numSamples], sorted along the
// last axis. With stride > 1 it takes numPositions/stride positions, every stride positions starting at
// offset (an int32 scalar in [0, stride), or nil for 0).
func sortedChannels(x *Node, stride int, offset *Node) *Node {
	flat := Transpose(flatten(x), 1, 2) // [batch, channels, positions]
	if stride > 1 {
		batchSize, numChannels, numPositions := flat.Shape().Dim(0), flat.Shape().Dim(1), flat.Shape().Dim(2)
		span := stride*(numPositions/stride-1) + 1
		if offset == nil {
			flat = Slice(flat, AxisRange(), AxisRange(), AxisRange(0, span))
		} else {
			zero := ScalarZero(x.Graph(), dtypes.Int32)
			flat = DynamicSlice(flat, []*Node{zero, zero, offset}, []int{batchSize, numChannels, span})
		}
		flat = Slice(flat, AxisRange(), AxisRange(), AxisRange().Stride(stride))
	}
	return sortLastAxis(flat)
}

// sortLastAxis sorts a rank-3 tensor along its last axis.
//
// The rank of each element is counted with pairwise comparisons (ties broken by position) and the
// sorted tensor is built by a one-hot permutation. The rank computation does not carry gradients,
// the permuted values do.
func sortLastAxis(x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	n := dims[2]
	pairDims := []int{dims[0], dims[1], n, n}
	indicesShape := shapes.Make(dtypes.Int32, pairDims...)

	// Ranks are counted in float32 and compared as int32: low precision dtypes can't count past a few hundred.
	fixed := ConvertDType(StopGradient(x), dtypes.Float32)
	xi := BroadcastToDims(ExpandAxes(fixed, 3), pairDims...) // [b, c, i, j] = x_i
	xj := BroadcastToDims(ExpandAxes(fixed, 2), pairDims...) // [b, c, i, j] = x_j
	positions := Iota(g, indicesShape, 2)
	otherPositions := Iota(g, indicesShape, 3)

	smaller := ConvertDType(LessThan(xj, xi), dtypes.Float32)
	tiedBefore := Mul(
		ConvertDType(Equal(xj, xi), dtypes.Float32),
		ConvertDType(LessThan(otherPositions, positions), dtypes.Float32))
	rank := ConvertDType(ReduceSum(Add(smaller, tiedBefore), -1), dtypes.Int32) // [b, c, i]

	// permutation[b, c, i, k] = 1 if element i goes to position k.
	permutation := Equal(BroadcastToDims(ExpandAxes(rank, 3), pairDims...), Iota(g, indicesShape, 3))
	values := BroadcastToDims(ExpandAxes(x, 3), pairDims...)
	return ReduceSum(Mul(ConvertDType(permutation, x.DType()), values), 2) // [b, c, k]
}
