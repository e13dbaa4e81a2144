package features

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// Architecture of the network used to extract the features.
type Architecture int

const (
	// InceptionV3 is the deep pretrained classifier: style layers are spread from the stem to the middle
	// of the network, and the content is taken from a deep layer.
	InceptionV3 Architecture = iota

	// InceptionV3Stem is a lighter variant of InceptionV3 that only uses the stem convolutions:
	// the rest of the network is pruned when the graph is compiled.
	InceptionV3Stem

	// Fast is a pyramid of two 2x2 average poolings of the raw pixels. It has no weights, and it is meant
	// for quick iterations and tests.
	Fast

	numArchitectures
)

// ErrUnknownArchitecture is returned (wrapped) by ParseArchitecture.
var ErrUnknownArchitecture = errors.New("unknown architecture")

var architectureNames = [numArchitectures]string{
	InceptionV3:     "inceptionv3",
	InceptionV3Stem: "inceptionv3_stem",
	Fast:            "fast",
}

// String implements fmt.Stringer.
func (a Architecture) String() string {
	if a < 0 || a >= numArchitectures {
		return fmt.Sprintf("Architecture(%d)", int(a))
	}
	return architectureNames[a]
}

// Architectures returns all architectures.
func Architectures() []Architecture {
	archs := make([]Architecture, numArchitectures)
	for ii := range archs {
		archs[ii] = Architecture(ii)
	}
	return archs
}

// ParseArchitecture converts the name of an architecture (as in Architecture.String) to the Architecture.
func ParseArchitecture(name string) (Architecture, error) {
	for arch, archName := range architectureNames {
		if strings.EqualFold(name, archName) {
			return Architecture(arch), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownArchitecture, "architecture %q (valid architectures: %v)",
		name, architectureNames)
}

// backbone describes how one architecture extracts its features.
type backbone struct {
	// prepare is called once when the extractor is created, e.g.: to download weights.
	prepare func() error

	// preprocess converts images with values from 0 to 255 to the input expected by the network.
	preprocess func(images *Node) *Node

	// layers returns the activations tapped from the network. Weights are shared among calls, so it can be
	// called for more than one image in the same graph.
	layers func(ctx *context.Context, images *Node) []*Node

	// styleLayers and contentLayers index the output of layers.
	styleLayers, contentLayers []int
}

// backbones is the dispatch table of architectures: every Architecture must have an entry.
var backbones = [numArchitectures]backbone{
	InceptionV3: {
		prepare:       inceptionV3Prepare,
		preprocess:    inceptionV3Preprocess,
		layers:        inceptionV3Layers,
		styleLayers:   []int{0, 1, 2, 3, 4},
		contentLayers: []int{5},
	},
	InceptionV3Stem: {
		prepare:       inceptionV3Prepare,
		preprocess:    inceptionV3Preprocess,
		layers:        inceptionV3StemLayers,
		styleLayers:   []int{0, 1, 2, 3},
		contentLayers: []int{4},
	},
	Fast: {
		prepare:       func() error { return nil },
		preprocess:    func(images *Node) *Node { return images },
		layers:        fastLayers,
		styleLayers:   []int{0, 1},
		contentLayers: []int{0, 1},
	},
}

func (a Architecture) backbone() *backbone {
	if a < 0 || a >= numArchitectures || backbones[a].layers == nil {
		exceptions.Panicf("no backbone registered for architecture %s", a)
	}
	return &backbones[a]
}

// NumStyleLayers returns the number of layers in the style branch.
func (a Architecture) NumStyleLayers() int { return len(a.backbone().styleLayers) }

// NumContentLayers returns the number of layers in the content branch.
func (a Architecture) NumContentLayers() int { return len(a.backbone().contentLayers) }

// fastLayers implements the Fast architecture: two levels of 2x2 average pooling.
func fastLayers(_ *context.Context, images *Node) []*Node {
	pool1 := MeanPool(images).Window(2).Done()
	pool2 := MeanPool(pool1).Window(2).Done()
	return []*Node{pool1, pool2}
}
