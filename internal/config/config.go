// Package config loads and validates the application configuration from
// files, environment variables, and flag bindings.
package config

import (
	"fmt"
	"time"
)

// Config is the complete application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Layout      LayoutConfig      `mapstructure:"layout" yaml:"layout" json:"layout"`
	Recognition RecognitionConfig `mapstructure:"recognition" yaml:"recognition" json:"recognition"`
	Processing  ProcessingConfig  `mapstructure:"processing" yaml:"processing" json:"processing"`
	Recovery    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery" json:"recovery"`
}

// LayoutConfig configures the layout analysis service client.
type LayoutConfig struct {
	URL         string `mapstructure:"url" yaml:"url" json:"url"`
	Token       string `mapstructure:"token" yaml:"token" json:"token"`
	TimeoutSec  int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	JPEGQuality int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
}

// RecognitionConfig configures the region recognition service client.
type RecognitionConfig struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	APIKey        string `mapstructure:"api_key" yaml:"api_key" json:"api_key"`
	Model         string `mapstructure:"model" yaml:"model" json:"model"`
	TimeoutSec    int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	MaxRegionSide int    `mapstructure:"max_region_side" yaml:"max_region_side" json:"max_region_side"`
	MinRegionSide int    `mapstructure:"min_region_side" yaml:"min_region_side" json:"min_region_side"`
	JPEGQuality   int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
}

// ProcessingConfig controls concurrency, pacing, retries, and output rules.
type ProcessingConfig struct {
	// Workers is the number of concurrent API call slots.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`

	// RateIntervalMS is the minimum time between call starts within one
	// worker's sequence, in milliseconds.
	RateIntervalMS int `mapstructure:"rate_interval_ms" yaml:"rate_interval_ms" json:"rate_interval_ms"`

	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts"`
	RetryBaseSec  int `mapstructure:"retry_base_sec" yaml:"retry_base_sec" json:"retry_base_sec"`

	// MinDocumentBytes is the plausibility floor: a page document at or
	// below this size does not count as completed.
	MinDocumentBytes int64 `mapstructure:"min_document_bytes" yaml:"min_document_bytes" json:"min_document_bytes"`

	CropQuality int  `mapstructure:"crop_quality" yaml:"crop_quality" json:"crop_quality"`
	Merge       bool `mapstructure:"merge" yaml:"merge" json:"merge"`
}

// RecoveryConfig controls the degraded retry path.
type RecoveryConfig struct {
	// CeilingPx caps the longest image side sent during recovery.
	CeilingPx int `mapstructure:"ceiling_px" yaml:"ceiling_px" json:"ceiling_px"`

	// Workers is the forced page concurrency during recovery.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Layout: LayoutConfig{
			TimeoutSec:  120,
			JPEGQuality: 85,
		},
		Recognition: RecognitionConfig{
			Model:         "qwen-vl-max",
			TimeoutSec:    60,
			MaxRegionSide: 1500,
			MinRegionSide: 200,
			JPEGQuality:   90,
		},
		Processing: ProcessingConfig{
			Workers:          5,
			RateIntervalMS:   1000,
			RetryAttempts:    5,
			RetryBaseSec:     2,
			MinDocumentBytes: 500,
			CropQuality:      90,
			Merge:            true,
		},
		Recovery: RecoveryConfig{
			CeilingPx: 2000,
			Workers:   2,
		},
	}
}

// RateInterval returns the per-worker pacing interval as a duration.
func (p ProcessingConfig) RateInterval() time.Duration {
	return time.Duration(p.RateIntervalMS) * time.Millisecond
}

// RetryBase returns the backoff base as a duration.
func (p ProcessingConfig) RetryBase() time.Duration {
	return time.Duration(p.RetryBaseSec) * time.Second
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", c.LogLevel)
	}
	if err := validateQuality("layout.jpeg_quality", c.Layout.JPEGQuality); err != nil {
		return err
	}
	if err := validateQuality("recognition.jpeg_quality", c.Recognition.JPEGQuality); err != nil {
		return err
	}
	if err := validateQuality("processing.crop_quality", c.Processing.CropQuality); err != nil {
		return err
	}
	if c.Layout.TimeoutSec <= 0 {
		return fmt.Errorf("layout.timeout_sec must be positive, got %d", c.Layout.TimeoutSec)
	}
	if c.Recognition.TimeoutSec <= 0 {
		return fmt.Errorf("recognition.timeout_sec must be positive, got %d", c.Recognition.TimeoutSec)
	}
	if c.Recognition.MaxRegionSide < c.Recognition.MinRegionSide {
		return fmt.Errorf("recognition.max_region_side %d below min_region_side %d",
			c.Recognition.MaxRegionSide, c.Recognition.MinRegionSide)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", c.Processing.Workers)
	}
	if c.Processing.RateIntervalMS < 0 {
		return fmt.Errorf("processing.rate_interval_ms must not be negative, got %d", c.Processing.RateIntervalMS)
	}
	if c.Processing.RetryAttempts < 1 {
		return fmt.Errorf("processing.retry_attempts must be at least 1, got %d", c.Processing.RetryAttempts)
	}
	if c.Processing.MinDocumentBytes < 0 {
		return fmt.Errorf("processing.min_document_bytes must not be negative, got %d", c.Processing.MinDocumentBytes)
	}
	if c.Recovery.CeilingPx < 100 {
		return fmt.Errorf("recovery.ceiling_px must be at least 100, got %d", c.Recovery.CeilingPx)
	}
	if c.Recovery.Workers < 1 {
		return fmt.Errorf("recovery.workers must be at least 1, got %d", c.Recovery.Workers)
	}
	return nil
}

func validateQuality(field string, q int) error {
	if q < 1 || q > 100 {
		return fmt.Errorf("%s must be between 1 and 100, got %d", field, q)
	}
	return nil
}
