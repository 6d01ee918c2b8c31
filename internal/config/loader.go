package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name of configuration files, without
	// extension.
	ConfigFileName = "gazette"

	// EnvPrefix is the prefix for environment variables, e.g.
	// GAZETTE_RECOGNITION_API_KEY.
	EnvPrefix = "GAZETTE"
)

// Loader reads configuration from files, environment, and bound flags.
type Loader struct {
	v *viper.Viper
}

// NewLoader wraps the global viper instance so cobra flag bindings are seen.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWith wraps a specific viper instance. Used by tests to avoid the
// shared global.
func NewLoaderWith(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load reads the configuration from the search paths and environment, applies
// defaults, and validates the result. A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.addConfigPaths()
	l.setupEnvironment()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return l.finish()
}

// LoadWithFile reads a specific config file instead of searching. The file
// must exist.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	if configFile == "" {
		return l.Load()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configFile)
	}
	l.v.SetConfigFile(configFile)
	l.setupEnvironment()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}
	return l.finish()
}

// ConfigFileUsed returns the path of the file the loader actually read.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) finish() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return &cfg, nil
}

func (l *Loader) addConfigPaths() {
	l.v.AddConfigPath(".")
	if configDir, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		l.v.AddConfigPath(filepath.Join(configDir, "gazette"))
	} else if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "gazette"))
	}
	l.v.AddConfigPath("/etc/gazette")
}

func (l *Loader) setupEnvironment() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)

	l.v.SetDefault("layout.url", d.Layout.URL)
	l.v.SetDefault("layout.token", d.Layout.Token)
	l.v.SetDefault("layout.timeout_sec", d.Layout.TimeoutSec)
	l.v.SetDefault("layout.jpeg_quality", d.Layout.JPEGQuality)

	l.v.SetDefault("recognition.base_url", d.Recognition.BaseURL)
	l.v.SetDefault("recognition.api_key", d.Recognition.APIKey)
	l.v.SetDefault("recognition.model", d.Recognition.Model)
	l.v.SetDefault("recognition.timeout_sec", d.Recognition.TimeoutSec)
	l.v.SetDefault("recognition.max_region_side", d.Recognition.MaxRegionSide)
	l.v.SetDefault("recognition.min_region_side", d.Recognition.MinRegionSide)
	l.v.SetDefault("recognition.jpeg_quality", d.Recognition.JPEGQuality)

	l.v.SetDefault("processing.workers", d.Processing.Workers)
	l.v.SetDefault("processing.rate_interval_ms", d.Processing.RateIntervalMS)
	l.v.SetDefault("processing.retry_attempts", d.Processing.RetryAttempts)
	l.v.SetDefault("processing.retry_base_sec", d.Processing.RetryBaseSec)
	l.v.SetDefault("processing.min_document_bytes", d.Processing.MinDocumentBytes)
	l.v.SetDefault("processing.crop_quality", d.Processing.CropQuality)
	l.v.SetDefault("processing.merge", d.Processing.Merge)

	l.v.SetDefault("recovery.ceiling_px", d.Recovery.CeilingPx)
	l.v.SetDefault("recovery.workers", d.Recovery.Workers)
}
