package cmd

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/janpfeifer/diststyle/internal/config"
	"github.com/janpfeifer/diststyle/losses"
	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// NewRootCommand creates the root command with all its subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diststyle",
		Short: "Style transfer by matching the distribution of deep features",
		Long: `diststyle generates an image whose deep features match the statistics of the features of a style
image (and, optionally, the features of a content image), by optimizing the image pixels with Adam.

The statistics matched are selected by the loss: ` + fmt.Sprint(losses.Names()) + `.

Configuration is read, in increasing order of priority, from the defaults, a diststyle.yaml file (in ., or
$XDG_CONFIG_HOME/diststyle), DISTSTYLE_* environment variables and the flags.

Examples:
  diststyle transfer --style-image=starry.jpg --content-image=city.jpg --loss=m1m2
  diststyle sweep --style-image=starry.jpg --losses=m1,m1m2,gram,wass,cowass --train-steps=500`,
		SilenceUsage: true,
	}

	// klog flags (-v, -logtostderr, ...).
	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().String("config", "", "config file (default is to search for diststyle.yaml in "+
		fmt.Sprint(config.SearchPaths())+")")

	rootCmd.AddCommand(newTransferCommand(), newSweepCommand(), newInitConfigCommand())
	return rootCmd
}

// Execute the root command, exiting with status 1 on error.
// This is called by main.main().
func Execute() {
	defer klog.Flush()
	if err := NewRootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

// addOptionsFlags adds one flag per configuration key.
func addOptionsFlags(cmd *cobra.Command) {
	d := config.DefaultConfig()
	flags := cmd.Flags()
	flags.String("architecture", d.Architecture, "feature extractor architecture: inceptionv3, inceptionv3_stem or fast")
	flags.Bool("batch-norm", d.BatchNorm, "normalize the features with the statistics of the style and content images")
	flags.Int("pca", d.PCADim, "if > 0, maximum dimension of each feature layer, enforced with PCA")
	flags.Bool("whiten", d.Whiten, "whiten the PCA components")
	flags.String("start-image", d.Initializer, "initial generated image: rand or black")
	flags.Float64("lr", d.LearningRate, "Adam learning rate")
	flags.Float64("beta1", d.Beta1, "Adam beta1")
	flags.Float64("beta2", d.Beta2, "Adam beta2")
	flags.Float64("epsilon", d.Epsilon, "Adam epsilon")
	flags.Int("train-steps", d.NumSteps, "number of optimization steps per run")
	flags.StringSlice("losses", d.Losses, fmt.Sprintf("style losses to run, one of %v", losses.Names()))
	flags.String("content-loss", d.ContentLoss, "loss for the content branch, if a content image is given")
	flags.Float64("style-weight", d.StyleWeight, "weight of the style loss")
	flags.Float64("content-weight", d.ContentWeight, "weight of the content loss")
	flags.Int("cowass-warmup", d.CoWassWarmup, "warmup steps of the Wasserstein term of the cowass loss")
	flags.String("policy", d.Precision, "precision policy: float32 or mixed_bfloat16")
	flags.String("backend", d.Backend, "GoMLX backend configuration, e.g. xla:cpu or xla:cuda")
	flags.Uint64("seed", d.Seed, "seed for the generated image initialization")
	flags.String("style-image", d.StyleImage, "path to the style image")
	flags.String("content-image", d.ContentImage, "optional path to the content image")
	flags.Int("imsize", d.ImageSize, "if > 0, center-crop and resize images to imsize x imsize")
	flags.String("output-dir", d.OutputDir, "directory where images, logs and summaries are written")
	flags.String("metrics-addr", d.MetricsAddr, "if set, address to serve Prometheus metrics, e.g. :9090")
}

// loadConfig loads and validates the configuration with the flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if err := loader.BindFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loader.Load(configFile)
	if err != nil {
		return nil, err
	}
	if used := loader.ConfigFileUsed(); used != "" {
		klog.V(1).Infof("configuration read from %s", used)
	}
	if cfg.StyleImage == "" {
		return nil, &styletransfer.ConfigError{Option: "style_image", Err: errors.New("a style image is required")}
	}
	return cfg, nil
}
