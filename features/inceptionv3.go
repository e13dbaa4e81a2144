package features

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/models/inceptionv3"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
)

// This file holds InceptionV3 specific functions.

var (
	// InceptionV3Dir is where to cache the InceptionV3 model weights.
	// They will be downloaded there the first time it runs.
	InceptionV3Dir = "~/.cache/inceptionv3"

	// inceptionV3Convs are the convolutions tapped by the InceptionV3 architecture: the first 5 for
	// the style branch, the last one for the content branch.
	inceptionV3Convs = []int{1, 4, 10, 25, 50, 70}

	// inceptionV3StemConvs are the convolutions tapped by the InceptionV3Stem architecture: the first 4 for
	// the style branch, the last one for the content branch.
	inceptionV3StemConvs = []int{0, 1, 2, 3, 4}
)

// inceptionV3Scope is the context scope of the InceptionV3 weights, shared by all graphs and branches.
const inceptionV3Scope = "inceptionv3"

// inceptionV3BatchNormEpsilon is the epsilon the pretrained batch normalization layers were trained with.
const inceptionV3BatchNormEpsilon = 0.001

func inceptionV3Prepare() error {
	return errors.Wrapf(inceptionv3.DownloadAndUnpackWeights(InceptionV3Dir),
		"failed to download InceptionV3 weights to %q", InceptionV3Dir)
}

// inceptionV3Preprocess resizes the images to the size used by InceptionV3 by using interpolation,
// and converts the values from [0, 255] to [-1, 1], the range InceptionV3 was trained with.
func inceptionV3Preprocess(img *Node) *Node {
	img.AssertRank(4)
	batchSize, numChannels := img.Shape().Dim(0), img.Shape().Dim(-1)
	size := inceptionv3.ClassificationImageSize
	img = Interpolate(img, batchSize, size, size, numChannels).Done()
	return AddScalar(DivScalar(img, 127.5), -1)
}

func inceptionV3Layers(ctx *context.Context, img *Node) []*Node {
	return inceptionV3Taps(ctx, img, inceptionV3Convs)
}

func inceptionV3StemLayers(ctx *context.Context, img *Node) []*Node {
	return inceptionV3Taps(ctx, img, inceptionV3StemConvs)
}

// inceptionV3Taps builds a frozen pre-trained InceptionV3 model on img, up to the deepest of the selected
// convolutions, and returns the output of the selected convolutions (after batch normalization and
// activation), in the order given.
//
// Convolutions are numbered in the order gomlx's models/inceptionv3 builds them, which is also the order of
// the weights in the pretrained file. The weights are stored under the "inceptionv3" scope of ctx, and they
// are shared by all calls, so it can be called for more than one image in the same graph.
func inceptionV3Taps(ctx *context.Context, img *Node, convs []int) []*Node {
	net := &inceptionV3Net{
		ctx:     ctx.In(inceptionV3Scope),
		baseDir: data.ReplaceTildeInDir(InceptionV3Dir),
	}
	lastConv := slices.Max(convs)
	x := img
	for _, block := range inceptionV3Blocks {
		if len(net.convs) > lastConv {
			break
		}
		x = block(net, x)
	}
	if lastConv >= len(net.convs) {
		exceptions.Panicf("InceptionV3 has only %d convolutions before the top blocks, can't tap convolution #%d",
			len(net.convs), lastConv)
	}
	net.freeze()

	taps := make([]*Node, len(convs))
	for ii, convIdx := range convs {
		taps[ii] = net.convs[convIdx]
	}
	return taps
}

// inceptionV3Net builds InceptionV3 one block at a time, keeping the output of every convolution.
type inceptionV3Net struct {
	ctx     *context.Context
	baseDir string
	convs   []*Node
}

// conv adds the next convolution, followed by batch normalization and a ReLU, with the pretrained weights.
func (net *inceptionV3Net) conv(x *Node, filters, height, width int, stride int, padSame bool) *Node {
	convIdx := len(net.convs)
	convCtx := net.ctx.Inf("conv_%03d", convIdx)

	// Weights in the pretrained file are numbered from 1.
	h5Idx := convIdx + 1
	kernelCtx := convCtx.In("conv")
	net.loadWeights(kernelCtx, "weights", fmt.Sprintf("conv2d_%d/conv2d_%d/kernel:0", h5Idx, h5Idx))
	convCfg := layers.Convolution(kernelCtx.Checked(false), x).CurrentScope().
		ChannelsAxis(images.ChannelsLast).
		Filters(filters).UseBias(false).KernelSizePerDim(height, width)
	if stride > 1 {
		convCfg = convCfg.StridePerDim(stride, stride)
	}
	if padSame {
		convCfg = convCfg.PadSame()
	} else {
		convCfg = convCfg.NoPadding()
	}
	x = convCfg.Done()

	bnCtx := convCtx.In("batch_norm")
	h5Group := fmt.Sprintf("batch_normalization_%d/batch_normalization_%d/", h5Idx, h5Idx)
	net.loadWeights(bnCtx, "mean", h5Group+"moving_mean:0")
	net.loadWeights(bnCtx, "variance", h5Group+"moving_variance:0")
	net.loadWeights(bnCtx, "offset", h5Group+"beta:0")
	x = batchnorm.New(bnCtx.Checked(false), x, -1).CurrentScope().
		Scale(false).Epsilon(inceptionV3BatchNormEpsilon).
		Trainable(false).FrozenAverages(true).
		Done()
	x = activations.Relu(x)
	net.convs = append(net.convs, x)
	return x
}

// loadWeights creates the variable varName in scopedCtx with the pretrained tensor h5Name, if it doesn't
// exist yet.
func (net *inceptionV3Net) loadWeights(scopedCtx *context.Context, varName, h5Name string) {
	if scopedCtx.GetVariable(varName) != nil {
		return
	}
	tensorPath := inceptionv3.PathToTensor(net.baseDir, h5Name)
	value, err := tensors.Load(tensorPath)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to read InceptionV3 weights from %q", tensorPath))
	}
	scopedCtx.VariableWithValue(varName, value).SetTrainable(false)
}

// freeze marks all InceptionV3 variables as non-trainable: the layers create some of them as trainable.
func (net *inceptionV3Net) freeze() {
	scope := net.ctx.Scope()
	net.ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), scope) {
			v.SetTrainable(false)
		}
	})
}

func (net *inceptionV3Net) maxPool(x *Node) *Node {
	return MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(3).Strides(2).NoPadding().Done()
}

func (net *inceptionV3Net) meanPool(x *Node) *Node {
	return MeanPool(x).ChannelsAxis(images.ChannelsLast).Window(3).Strides(1).PadSame().Done()
}

func concatChannels(branches ...*Node) *Node {
	return Concatenate(branches, -1)
}

// inceptionV3Blocks in the order they are built. Each adds a fixed number of convolutions.
var inceptionV3Blocks = []func(net *inceptionV3Net, x *Node) *Node{
	// Stem: convolutions 0 to 4.
	func(net *inceptionV3Net, x *Node) *Node {
		x = net.conv(x, 32, 3, 3, 2, false)
		x = net.conv(x, 32, 3, 3, 1, false)
		x = net.conv(x, 64, 3, 3, 1, true)
		x = net.maxPool(x)
		x = net.conv(x, 80, 1, 1, 1, false)
		x = net.conv(x, 192, 3, 3, 1, false)
		return net.maxPool(x)
	},

	// Mixed 0 to 2 (35x35): 7 convolutions each.
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed35(x, 32) },
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed35(x, 64) },
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed35(x, 64) },

	// Mixed 3, reduction to 17x17: 4 convolutions.
	func(net *inceptionV3Net, x *Node) *Node {
		branch3x3 := net.conv(x, 384, 3, 3, 2, false)
		branch3x3Dbl := net.conv(x, 64, 1, 1, 1, true)
		branch3x3Dbl = net.conv(branch3x3Dbl, 96, 3, 3, 1, true)
		branch3x3Dbl = net.conv(branch3x3Dbl, 96, 3, 3, 2, false)
		return concatChannels(branch3x3, branch3x3Dbl, net.maxPool(x))
	},

	// Mixed 4 to 7 (17x17): 10 convolutions each.
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed17(x, 128) },
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed17(x, 160) },
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed17(x, 160) },
	func(net *inceptionV3Net, x *Node) *Node { return net.mixed17(x, 192) },

	// Mixed 8, reduction to 8x8: 6 convolutions.
	func(net *inceptionV3Net, x *Node) *Node {
		branch3x3 := net.conv(x, 192, 1, 1, 1, true)
		branch3x3 = net.conv(branch3x3, 320, 3, 3, 2, false)
		branch7x7x3 := net.conv(x, 192, 1, 1, 1, true)
		branch7x7x3 = net.conv(branch7x7x3, 192, 1, 7, 1, true)
		branch7x7x3 = net.conv(branch7x7x3, 192, 7, 1, 1, true)
		branch7x7x3 = net.conv(branch7x7x3, 192, 3, 3, 2, false)
		return concatChannels(branch3x3, branch7x7x3, net.maxPool(x))
	},
}

// mixed35 is one of the first three mixed blocks.
func (net *inceptionV3Net) mixed35(x *Node, poolFilters int) *Node {
	branch1x1 := net.conv(x, 64, 1, 1, 1, true)
	branch5x5 := net.conv(x, 48, 1, 1, 1, true)
	branch5x5 = net.conv(branch5x5, 64, 5, 5, 1, true)
	branch3x3Dbl := net.conv(x, 64, 1, 1, 1, true)
	branch3x3Dbl = net.conv(branch3x3Dbl, 96, 3, 3, 1, true)
	branch3x3Dbl = net.conv(branch3x3Dbl, 96, 3, 3, 1, true)
	branchPool := net.conv(net.meanPool(x), poolFilters, 1, 1, 1, true)
	return concatChannels(branch1x1, branch5x5, branch3x3Dbl, branchPool)
}

// mixed17 is one of the 17x17 mixed blocks with factorized 7x7 convolutions of c7 filters.
func (net *inceptionV3Net) mixed17(x *Node, c7 int) *Node {
	branch1x1 := net.conv(x, 192, 1, 1, 1, true)
	branch7x7 := net.conv(x, c7, 1, 1, 1, true)
	branch7x7 = net.conv(branch7x7, c7, 1, 7, 1, true)
	branch7x7 = net.conv(branch7x7, 192, 7, 1, 1, true)
	branch7x7Dbl := net.conv(x, c7, 1, 1, 1, true)
	branch7x7Dbl = net.conv(branch7x7Dbl, c7, 7, 1, 1, true)
	branch7x7Dbl = net.conv(branch7x7Dbl, c7, 1, 7, 1, true)
	branch7x7Dbl = net.conv(branch7x7Dbl, c7, 7, 1, 1, true)
	branch7x7Dbl = net.conv(branch7x7Dbl, 192, 1, 7, 1, true)
	branchPool := net.conv(net.meanPool(x), 192, 1, 1, 1, true)
	return concatChannels(branch1x1, branch7x7, branch7x7Dbl, branchPool)
}
