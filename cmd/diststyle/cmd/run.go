package cmd

import (
	"net/http"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/diststyle/internal/config"
	"github.com/janpfeifer/diststyle/internal/runlog"
	"github.com/janpfeifer/diststyle/losses"
	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTransferCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Generate one image with the given loss",
		Long: `Generate one image matching the style image (and optional content image) with the loss given by --loss,
or the first of --losses if --loss is not set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lossName, _ := cmd.Flags().GetString("loss")
			if lossName == "" {
				lossName = cfg.Losses[0]
			} else if err = losses.Validate(lossName); err != nil {
				return &styletransfer.ConfigError{Option: "loss", Err: err}
			}
			return run(cfg, []string{lossName})
		},
	}
	addOptionsFlags(cmd)
	cmd.Flags().String("loss", "", "style loss to use, it takes precedence over --losses")
	return cmd
}

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Generate one image per loss in --losses",
		Long: `Generate one image per loss in --losses, sequentially. The feature extractor is calibrated and the
target features computed only once, and the generated image is reinitialized before each run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cfg, cfg.Losses)
		},
	}
	addOptionsFlags(cmd)
	return cmd
}

func newInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [file]",
		Short: "Write the default configuration to a YAML file (default diststyle.yaml)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := config.ConfigFileName + ".yaml"
			if len(args) > 0 {
				filePath = args[0]
			}
			if err := config.WriteDefaultConfigFile(filePath); err != nil {
				return err
			}
			cmd.Printf("Default configuration written to %s\n", filePath)
			return nil
		},
	}
}

// newBackend creates the GoMLX backend. Failing to create it is fatal for the run.
func newBackend(backendConfig string) (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() {
		if backendConfig == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(backendConfig)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendConfig)
	}
	klog.Infof("backend: %s", backend.Name())
	return
}

// serveMetrics serves the Prometheus metrics of reg on addr, in the background.
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		klog.Infof("serving metrics on %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Warningf("metrics server stopped: %v", err)
		}
	}()
	return server
}

// run loads the images, creates the model and runs the driver for lossNames.
func run(cfg *config.Config, lossNames []string) error {
	style, content, err := styletransfer.LoadStyleContent(cfg.StyleImage, cfg.ContentImage, cfg.ImageSize)
	if err != nil {
		return err
	}
	klog.Infof("style image %s: %s", cfg.StyleImage, style.Shape())
	if content != nil {
		klog.Infof("content image %s: %s", cfg.ContentImage, content.Shape())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := runlog.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		server := serveMetrics(cfg.MetricsAddr, reg)
		defer func() { _ = server.Close() }()
	}

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}
	model, err := styletransfer.New(backend, context.New(), cfg.Options, style, content)
	if err != nil {
		return err
	}
	klog.V(1).Infof("feature extractor: %s", model.Extractor())
	summaries, err := styletransfer.NewDriver(model, runlog.NewHooks(cfg.OutputDir, metrics)).Run(lossNames)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		klog.Infof("%-8s final loss=%-12g image=%s", summary.LossName, summary.Final.Loss, summary.GeneratedPath)
	}
	return nil
}
