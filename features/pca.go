package features

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// whitenMinVariance is the smallest variance a whitened component is divided by.
const whitenMinVariance = 1e-12

// PCA is a linear projection of features to their principal components, fit once with FitPCA.
//
// Projecting a feature vector x gives (x - Mean)ᵀ·Projection.
type PCA struct {
	// Requested is the number of components asked for, and Dim the number actually kept:
	// min(Requested, feature dimension, number of samples).
	Requested, Dim int

	// FeatureDim is the dimension of the features being projected.
	FeatureDim int

	// Whitened indicates the components are scaled to unit variance.
	Whitened bool

	// Mean of the features, shaped [FeatureDim].
	Mean []float64

	// Projection matrix, shaped [FeatureDim, Dim]. Its columns are the principal directions, sorted by
	// decreasing variance, divided by the standard deviation along them if Whitened.
	Projection *mat.Dense

	// Variances of the kept components, in decreasing order.
	Variances []float64

	totalVariance float64
}

// Clamped reports whether fewer components than requested were kept.
func (p *PCA) Clamped() bool { return p.Dim < p.Requested }

// ExplainedVarianceRatio returns the fraction of the total variance kept by the projection.
func (p *PCA) ExplainedVarianceRatio() float64 {
	if p.totalVariance <= 0 {
		return 1
	}
	var kept float64
	for _, v := range p.Variances {
		kept += v
	}
	return kept / p.totalVariance
}

// FitPCA fits a PCA projection to data, given as numSamples rows of featDim values each.
//
// The number of components kept is min(requested, featDim, numSamples): asking for more is not an error,
// the dimension is silently clamped (see PCA.Clamped).
//
// The components are the eigenvectors of the covariance of the centered data. The sign of each component is
// chosen so that its largest entry (in absolute value) is positive, to make the fit deterministic.
func FitPCA(data []float32, numSamples, featDim, requested int, whiten bool) (*PCA, error) {
	if numSamples <= 0 || featDim <= 0 {
		return nil, errors.Errorf("PCA needs at least one sample and one feature, got %d samples of dimension %d",
			numSamples, featDim)
	}
	if len(data) != numSamples*featDim {
		return nil, errors.Errorf("PCA data has %d values, expected %d samples x %d features",
			len(data), numSamples, featDim)
	}
	if requested <= 0 {
		return nil, errors.Errorf("PCA requested dimension must be > 0, got %d", requested)
	}
	p := &PCA{
		Requested:  requested,
		Dim:        min(requested, featDim, numSamples),
		FeatureDim: featDim,
		Whitened:   whiten,
		Mean:       make([]float64, featDim),
	}
	if p.Clamped() {
		klog.V(1).Infof("PCA dimension clamped from %d to %d (feature dimension %d, %d samples)",
			requested, p.Dim, featDim, numSamples)
	}

	centered := mat.NewDense(numSamples, featDim, nil)
	for row := range numSamples {
		for col := range featDim {
			p.Mean[col] += float64(data[row*featDim+col])
		}
	}
	for col := range featDim {
		p.Mean[col] /= float64(numSamples)
	}
	for row := range numSamples {
		for col := range featDim {
			centered.Set(row, col, float64(data[row*featDim+col])-p.Mean[col])
		}
	}

	normalization := float64(max(numSamples-1, 1))
	var covariance mat.SymDense
	covariance.SymOuterK(1/normalization, centered.T())

	var eigen mat.EigenSym
	if ok := eigen.Factorize(&covariance, true); !ok {
		return nil, errors.Errorf("PCA eigen-decomposition of the %dx%d covariance failed", featDim, featDim)
	}
	values := eigen.Values(nil)
	var vectors mat.Dense
	eigen.VectorsTo(&vectors)

	// Sort components by decreasing variance.
	order := make([]int, featDim)
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool { return values[order[i]] > values[order[j]] })
	for _, v := range values {
		p.totalVariance += math.Max(v, 0)
	}

	p.Projection = mat.NewDense(featDim, p.Dim, nil)
	p.Variances = make([]float64, p.Dim)
	for component := range p.Dim {
		src := order[component]
		variance := math.Max(values[src], 0)
		p.Variances[component] = variance

		var largest float64
		for row := range featDim {
			if v := vectors.At(row, src); math.Abs(v) > math.Abs(largest) {
				largest = v
			}
		}
		scale := 1.0
		if largest < 0 {
			scale = -1
		}
		if whiten {
			scale /= math.Sqrt(math.Max(variance, whitenMinVariance))
		}
		for row := range featDim {
			p.Projection.Set(row, component, scale*vectors.At(row, src))
		}
	}
	return p, nil
}

// Project returns the projection of one feature vector, shaped [Dim].
func (p *PCA) Project(x []float64) []float64 {
	centered := mat.NewVecDense(p.FeatureDim, nil)
	for ii, v := range x {
		centered.SetVec(ii, v-p.Mean[ii])
	}
	var projected mat.VecDense
	projected.MulVec(p.Projection.T(), centered)
	return mat.Col(nil, 0, &projected)
}

// Reconstruct maps a projected vector back to the feature space. For features in the span of the kept
// components it inverts Project.
func (p *PCA) Reconstruct(projected []float64) []float64 {
	x := make([]float64, p.FeatureDim)
	copy(x, p.Mean)
	for component, value := range projected {
		// Columns of Projection are unit vectors, possibly scaled down by the standard deviation.
		scale := 1.0
		if p.Whitened {
			scale = math.Max(p.Variances[component], whitenMinVariance)
		}
		for row := range p.FeatureDim {
			x[row] += value * scale * p.Projection.At(row, component)
		}
	}
	return x
}

// MeanData returns the mean as float32, shaped [FeatureDim].
func (p *PCA) MeanData() []float32 {
	data := make([]float32, p.FeatureDim)
	for ii, v := range p.Mean {
		data[ii] = float32(v)
	}
	return data
}

// ProjectionData returns the projection matrix as float32 in row-major order, shaped [FeatureDim, Dim].
func (p *PCA) ProjectionData() []float32 {
	data := make([]float32, 0, p.FeatureDim*p.Dim)
	for row := range p.FeatureDim {
		for col := range p.Dim {
			data = append(data, float32(p.Projection.At(row, col)))
		}
	}
	return data
}
