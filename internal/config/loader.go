// Package config loads the configuration of diststyle from defaults, an optional YAML file, environment
// variables (prefixed with DISTSTYLE_) and command-line flags, in increasing order of priority.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/janpfeifer/diststyle/styletransfer"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "diststyle"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "DISTSTYLE"
)

// Config is the full configuration: the style transfer options plus the settings of the command-line tool.
type Config struct {
	styletransfer.Options `mapstructure:",squash" yaml:",inline"`

	// MetricsAddr, if set, is the address where Prometheus metrics are served (e.g.: ":9090").
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Options: styletransfer.DefaultOptions()}
}

// Validate the configuration.
func (c *Config) Validate() error {
	return c.Options.Validate()
}

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader, with its own viper instance.
func NewLoader() *Loader {
	l := &Loader{v: viper.New()}
	l.setupEnvironmentVariables()
	l.setDefaults()
	return l
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper { return l.v }

// BindFlags binds the flags whose names match a configuration key (with "-" in place of "_"),
// e.g. flag "train-steps" is bound to key "train_steps".
func (l *Loader) BindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(flag *pflag.Flag) {
		key := strings.ReplaceAll(flag.Name, "-", "_")
		if !isKnownKey(key) {
			return
		}
		if bindErr := l.v.BindPFlag(key, flag); bindErr != nil && err == nil {
			err = errors.Wrapf(bindErr, "failed to bind flag --%s", flag.Name)
		}
	})
	return err
}

// Load the configuration, reading configFile if not empty, or searching for diststyle.yaml in the standard
// paths otherwise. A missing configuration file (when not explicitly given) is not an error.
func (l *Loader) Load(configFile string) (*Config, error) {
	cfg, err := l.LoadWithoutValidation(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "configuration validation failed")
	}
	return cfg, nil
}

// LoadWithoutValidation is like Load, but doesn't validate the configuration.
func (l *Loader) LoadWithoutValidation(configFile string) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, errors.Wrapf(err, "config file %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		for _, path := range SearchPaths() {
			l.v.AddConfigPath(path)
		}
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// SearchPaths returns the paths where the configuration file is searched for.
func SearchPaths() []string {
	paths := []string{"."}
	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, "diststyle"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "diststyle"))
	}
	return paths
}

// setupEnvironmentVariables configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// defaultValues returns the default configuration as a map keyed by the configuration keys.
func defaultValues() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"architecture":   d.Architecture,
		"batch_norm":     d.BatchNorm,
		"pca":            d.PCADim,
		"whiten":         d.Whiten,
		"start_image":    d.Initializer,
		"lr":             d.LearningRate,
		"beta1":          d.Beta1,
		"beta2":          d.Beta2,
		"epsilon":        d.Epsilon,
		"train_steps":    d.NumSteps,
		"losses":         d.Losses,
		"content_loss":   d.ContentLoss,
		"style_weight":   d.StyleWeight,
		"content_weight": d.ContentWeight,
		"cowass_warmup":  d.CoWassWarmup,
		"policy":         d.Precision,
		"backend":        d.Backend,
		"seed":           d.Seed,
		"style_image":    d.StyleImage,
		"content_image":  d.ContentImage,
		"imsize":         d.ImageSize,
		"output_dir":     d.OutputDir,
		"metrics_addr":   d.MetricsAddr,
	}
}

func isKnownKey(key string) bool {
	_, found := defaultValues()[key]
	return found
}

// setDefaults sets default values for all configuration options.
// Every key needs a default, so that environment variables are picked up by Unmarshal.
func (l *Loader) setDefaults() {
	for key, value := range defaultValues() {
		l.v.SetDefault(key, value)
	}
}

// WriteDefaultConfigFile writes the default configuration as YAML to filePath.
func WriteDefaultConfigFile(filePath string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return errors.Wrap(err, "failed to marshal default configuration")
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write configuration to %s", filePath)
	}
	return nil
}
