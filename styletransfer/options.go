package styletransfer

import (
	"fmt"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/diststyle/features"
	"github.com/janpfeifer/diststyle/losses"
	"github.com/pkg/errors"
)

const (
	// ParamNumSteps is the hyperparameter that defines the number of steps to execute for transfer.
	// Defaults to 100.
	ParamNumSteps = "num_steps"

	// ParamContentWeight is the weight of the content loss.
	ParamContentWeight = "content_weight"

	// ParamStyleWeight is the weight of the style loss.
	ParamStyleWeight = "style_weight"

	// ParamAdamBeta1 and ParamAdamBeta2 are the exponential decay rates of Adam's first and second moments.
	ParamAdamBeta1 = "adam_beta1"
	ParamAdamBeta2 = "adam_beta2"
)

// Initializers of the generated image.
const (
	InitRandom = "rand"
	InitBlack  = "black"
)

// ErrConfig is matched (with errors.Is) by all configuration errors.
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports an invalid configuration option.
type ConfigError struct {
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration option %q: %v", e.Option, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfig) true for every ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func configErrorf(option, format string, args ...any) error {
	return &ConfigError{Option: option, Err: errors.Errorf(format, args...)}
}

// Options is the plain configuration of a style transfer run.
type Options struct {
	// Architecture of the feature extractor, see features.ParseArchitecture.
	Architecture string `mapstructure:"architecture" yaml:"architecture"`

	// BatchNorm normalizes the features with the statistics of the style and content images.
	BatchNorm bool `mapstructure:"batch_norm" yaml:"batch_norm"`

	// PCADim, if > 0, is the maximum dimension of the features, enforced with PCA.
	PCADim int `mapstructure:"pca" yaml:"pca"`

	// Whiten the components of the PCA.
	Whiten bool `mapstructure:"whiten" yaml:"whiten"`

	// Initializer of the generated image: "rand" (uniform from 0 to 255) or "black".
	Initializer string `mapstructure:"start_image" yaml:"start_image"`

	// Adam optimizer hyperparameters.
	LearningRate float64 `mapstructure:"lr" yaml:"lr"`
	Beta1        float64 `mapstructure:"beta1" yaml:"beta1"`
	Beta2        float64 `mapstructure:"beta2" yaml:"beta2"`
	Epsilon      float64 `mapstructure:"epsilon" yaml:"epsilon"`

	// NumSteps is the number of optimization steps of each run.
	NumSteps int `mapstructure:"train_steps" yaml:"train_steps"`

	// Losses to run, one run per loss, see losses.Names.
	Losses []string `mapstructure:"losses" yaml:"losses"`

	// ContentLoss used for the content branch when a content image is given.
	ContentLoss string `mapstructure:"content_loss" yaml:"content_loss"`

	// StyleWeight and ContentWeight multiply the style and content losses.
	StyleWeight   float64 `mapstructure:"style_weight" yaml:"style_weight"`
	ContentWeight float64 `mapstructure:"content_weight" yaml:"content_weight"`

	// CoWassWarmup is the number of loss invocations over which the "cowass" loss blends in the
	// Wasserstein term.
	CoWassWarmup int `mapstructure:"cowass_warmup" yaml:"cowass_warmup"`

	// Precision policy, see features.ParsePrecision.
	Precision string `mapstructure:"policy" yaml:"policy"`

	// Backend configuration for GoMLX (e.g.: "xla:cpu", "xla:cuda"). Empty uses the default backend.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Seed for the initialization of the generated image.
	Seed uint64 `mapstructure:"seed" yaml:"seed"`

	// StyleImage and ContentImage are the paths to the images. ContentImage is optional.
	StyleImage   string `mapstructure:"style_image" yaml:"style_image"`
	ContentImage string `mapstructure:"content_image" yaml:"content_image"`

	// ImageSize, if > 0, center-crops and resizes the images to ImageSize x ImageSize.
	ImageSize int `mapstructure:"imsize" yaml:"imsize"`

	// OutputDir where images, logs and summaries are written.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Architecture:  features.InceptionV3.String(),
		Initializer:   InitRandom,
		LearningRate:  1e-3,
		Beta1:         0.9,
		Beta2:         0.99,
		Epsilon:       1e-7,
		NumSteps:      100,
		Losses:        []string{losses.M1M2},
		ContentLoss:   losses.MSE,
		StyleWeight:   1,
		ContentWeight: 1,
		Precision:     features.Float32.String(),
		Seed:          1,
		OutputDir:     "out",
	}
}

// Validate the options, returning a *ConfigError for the first invalid option.
func (opts *Options) Validate() error {
	if _, err := features.ParseArchitecture(opts.Architecture); err != nil {
		return &ConfigError{Option: "architecture", Err: err}
	}
	if _, err := features.ParsePrecision(opts.Precision); err != nil {
		return &ConfigError{Option: "policy", Err: err}
	}
	if len(opts.Losses) == 0 {
		return configErrorf("losses", "at least one loss must be given, valid losses: %v", losses.Names())
	}
	for _, name := range opts.Losses {
		if err := losses.Validate(name); err != nil {
			return &ConfigError{Option: "losses", Err: err}
		}
	}
	if err := losses.Validate(opts.ContentLoss); err != nil {
		return &ConfigError{Option: "content_loss", Err: err}
	}
	if opts.Initializer != InitRandom && opts.Initializer != InitBlack {
		return configErrorf("start_image", "initializer %q unknown, valid values are %q and %q",
			opts.Initializer, InitRandom, InitBlack)
	}
	switch {
	case opts.NumSteps <= 0:
		return configErrorf("train_steps", "must be > 0, got %d", opts.NumSteps)
	case opts.LearningRate <= 0:
		return configErrorf("lr", "must be > 0, got %g", opts.LearningRate)
	case opts.Beta1 < 0 || opts.Beta1 >= 1:
		return configErrorf("beta1", "must be in [0, 1), got %g", opts.Beta1)
	case opts.Beta2 < 0 || opts.Beta2 >= 1:
		return configErrorf("beta2", "must be in [0, 1), got %g", opts.Beta2)
	case opts.Epsilon <= 0:
		return configErrorf("epsilon", "must be > 0, got %g", opts.Epsilon)
	case opts.PCADim < 0:
		return configErrorf("pca", "must be >= 0, got %d", opts.PCADim)
	case opts.CoWassWarmup < 0:
		return configErrorf("cowass_warmup", "must be >= 0, got %d", opts.CoWassWarmup)
	case opts.ImageSize < 0:
		return configErrorf("imsize", "must be >= 0, got %d", opts.ImageSize)
	}
	return nil
}

// extractorOptions converts the options of the feature extractor. Options must have been validated.
func (opts *Options) extractorOptions() features.Options {
	arch, _ := features.ParseArchitecture(opts.Architecture)
	precision, _ := features.ParsePrecision(opts.Precision)
	return features.Options{
		Architecture: arch,
		BatchNorm:    opts.BatchNorm,
		PCADim:       opts.PCADim,
		Whiten:       opts.Whiten,
		Precision:    precision,
	}
}

// SetContextParams sets the hyperparameters in the context, so they are used by the optimizer
// and saved along with it.
func (opts *Options) SetContextParams(ctx *context.Context) {
	ctx.SetParam(optimizers.ParamOptimizer, "adam")
	ctx.SetParam(optimizers.ParamLearningRate, opts.LearningRate)
	ctx.SetParam(ParamAdamBeta1, opts.Beta1)
	ctx.SetParam(ParamAdamBeta2, opts.Beta2)
	ctx.SetParam(optimizers.ParamAdamEpsilon, opts.Epsilon)
	ctx.SetParam(ParamNumSteps, opts.NumSteps)
	ctx.SetParam(ParamStyleWeight, opts.StyleWeight)
	ctx.SetParam(ParamContentWeight, opts.ContentWeight)
}
