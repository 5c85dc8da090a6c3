package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tickflow/internal/market"
	"tickflow/internal/validation"
)

// Config represents the complete pipeline configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Symbols is the set of tracked instruments.
	Symbols []string `yaml:"symbols"`

	// Store configures the time-partitioned store.
	Store StoreConfig `yaml:"store"`

	// Retention defines per-class data lifetime and compression thresholds.
	Retention RetentionConfig `yaml:"retention"`

	// Flow configures the metrics computation engine.
	Flow FlowConfig `yaml:"flow"`

	// Aggregate configures the continuous aggregator.
	Aggregate AggregateConfig `yaml:"aggregate"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the time-partitioned store.
type StoreConfig struct {
	// OutOfOrderTolerance is how far behind the newest accepted record a
	// timestamp may be before the append is rejected.
	OutOfOrderTolerance time.Duration `yaml:"out_of_order_tolerance"`

	// TailBufferSize is the per-series capacity of the in-memory tail
	// buffer serving hot-interval reads.
	TailBufferSize int `yaml:"tail_buffer_size"`

	// SyncMode controls how appends are synced: "async" (buffered) or
	// "fsync" (fsync after each append).
	SyncMode string `yaml:"sync_mode"`
}

// RetentionConfig defines data lifetime per class, in days. Bars are never
// deleted. Compression thresholds convert aged partitions to the compact
// parquet encoding while they remain within retention.
type RetentionConfig struct {
	TickRetentionDays       int `yaml:"tick_retention_days"`
	DepthRetentionDays      int `yaml:"depth_retention_days"`
	MetricRetentionDays     int `yaml:"metric_retention_days"`
	TickCompressAfterDays   int `yaml:"tick_compress_after_days"`
	DepthCompressAfterDays  int `yaml:"depth_compress_after_days"`
	MetricCompressAfterDays int `yaml:"metric_compress_after_days"`
	BarCompressAfterDays    int `yaml:"bar_compress_after_days"`

	// Interval is how often the retention manager wakes up.
	Interval time.Duration `yaml:"interval"`
}

// FlowConfig configures the metrics computation engine.
type FlowConfig struct {
	// IntervalSeconds is the metric interval length.
	IntervalSeconds int `yaml:"interval_seconds"`

	// TrailingWindow is the number of closed intervals used for trailing
	// averages (volume, trade size, side volume).
	TrailingWindow int `yaml:"trailing_window"`

	// StackedImbalanceThreshold is the per-level imbalance ratio above
	// which a level counts toward a stacked imbalance.
	StackedImbalanceThreshold float64 `yaml:"stacked_imbalance_threshold"`

	// VolumeRatioHigh / VolumeRatioLow bound the phase classification:
	// ratios above High mean "volume well above average", below Low mean
	// "well below average".
	VolumeRatioHigh float64 `yaml:"volume_ratio_high"`
	VolumeRatioLow  float64 `yaml:"volume_ratio_low"`

	// AbsorptionMultiple is the multiple of trailing average side volume
	// that aggressor flow must exceed for absorption evaluation.
	AbsorptionMultiple float64 `yaml:"absorption_multiple"`

	// AbsorptionPriceTolerance is the maximum adverse price move, as a
	// fraction of the interval open, under which absorption still holds.
	AbsorptionPriceTolerance float64 `yaml:"absorption_price_tolerance"`

	// LargeTradeMultiple is the multiple of trailing average trade size
	// above which a single trade counts as large.
	LargeTradeMultiple float64 `yaml:"large_trade_multiple"`
}

// AggregateConfig configures the continuous aggregator.
type AggregateConfig struct {
	// BucketSeconds is the bar bucket width.
	BucketSeconds int `yaml:"bucket_seconds"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"` // empty disables file output
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults. Thresholds
// are deployment tunables, not authoritative constants.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/tickflow/data",
		Store: StoreConfig{
			OutOfOrderTolerance: 5 * time.Second,
			TailBufferSize:      65536,
			SyncMode:            "async",
		},
		Retention: RetentionConfig{
			TickRetentionDays:       7,
			DepthRetentionDays:      7,
			MetricRetentionDays:     90,
			TickCompressAfterDays:   2,
			DepthCompressAfterDays:  2,
			MetricCompressAfterDays: 7,
			BarCompressAfterDays:    7,
			Interval:                time.Hour,
		},
		Flow: FlowConfig{
			IntervalSeconds:           10,
			TrailingWindow:            20,
			StackedImbalanceThreshold: 0.65,
			VolumeRatioHigh:           2.0,
			VolumeRatioLow:            0.5,
			AbsorptionMultiple:        2.5,
			AbsorptionPriceTolerance:  0.0005,
			LargeTradeMultiple:        3.0,
		},
		Aggregate: AggregateConfig{
			BucketSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	for _, sym := range c.Symbols {
		if err := validation.ValidateSymbol(sym); err != nil {
			return fmt.Errorf("symbol %q: %w", sym, err)
		}
	}
	if c.Store.OutOfOrderTolerance < 0 {
		return fmt.Errorf("out_of_order_tolerance must be >= 0")
	}
	if c.Store.TailBufferSize <= 0 {
		return fmt.Errorf("tail_buffer_size must be > 0")
	}
	if c.Store.SyncMode != "async" && c.Store.SyncMode != "fsync" {
		return fmt.Errorf("sync_mode must be async or fsync, got %q", c.Store.SyncMode)
	}
	if c.Flow.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be > 0")
	}
	if c.Flow.TrailingWindow <= 0 {
		return fmt.Errorf("trailing_window must be > 0")
	}
	if c.Flow.StackedImbalanceThreshold <= 0 || c.Flow.StackedImbalanceThreshold >= 1 {
		return fmt.Errorf("stacked_imbalance_threshold must be in (0, 1)")
	}
	if c.Flow.VolumeRatioHigh <= c.Flow.VolumeRatioLow {
		return fmt.Errorf("volume_ratio_high must exceed volume_ratio_low")
	}
	if c.Aggregate.BucketSeconds <= 0 {
		return fmt.Errorf("bucket_seconds must be > 0")
	}
	if c.Aggregate.BucketSeconds%c.Flow.IntervalSeconds != 0 {
		return fmt.Errorf("bucket_seconds (%d) must be a multiple of interval_seconds (%d)",
			c.Aggregate.BucketSeconds, c.Flow.IntervalSeconds)
	}
	for _, d := range []struct {
		name string
		days int
	}{
		{"tick_retention_days", c.Retention.TickRetentionDays},
		{"depth_retention_days", c.Retention.DepthRetentionDays},
		{"metric_retention_days", c.Retention.MetricRetentionDays},
		{"tick_compress_after_days", c.Retention.TickCompressAfterDays},
		{"depth_compress_after_days", c.Retention.DepthCompressAfterDays},
		{"metric_compress_after_days", c.Retention.MetricCompressAfterDays},
	} {
		if d.days <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.Retention.TickCompressAfterDays >= c.Retention.TickRetentionDays {
		return fmt.Errorf("tick_compress_after_days must be below tick_retention_days")
	}
	if c.Retention.DepthCompressAfterDays >= c.Retention.DepthRetentionDays {
		return fmt.Errorf("depth_compress_after_days must be below depth_retention_days")
	}
	if c.Retention.MetricCompressAfterDays >= c.Retention.MetricRetentionDays {
		return fmt.Errorf("metric_compress_after_days must be below metric_retention_days")
	}
	return nil
}

// EnsureDirectories creates the per-class storage directories.
func (c *Config) EnsureDirectories() error {
	for _, class := range market.AllClasses() {
		if err := os.MkdirAll(c.ClassDir(class), 0755); err != nil {
			return fmt.Errorf("create %s dir: %w", class, err)
		}
	}
	return nil
}

// ClassDir returns the storage directory for a data class.
func (c *Config) ClassDir(class market.DataClass) string {
	return c.DataDir + "/" + class.String()
}

// Interval returns the metric interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Flow.IntervalSeconds) * time.Second
}

// Bucket returns the bar bucket width as a duration.
func (c *Config) Bucket() time.Duration {
	return time.Duration(c.Aggregate.BucketSeconds) * time.Second
}

// RetentionFor returns the retention duration for a class. ok is false for
// classes that are never deleted (bars).
func (c *Config) RetentionFor(class market.DataClass) (time.Duration, bool) {
	day := 24 * time.Hour
	switch class {
	case market.ClassTick:
		return time.Duration(c.Retention.TickRetentionDays) * day, true
	case market.ClassDepth:
		return time.Duration(c.Retention.DepthRetentionDays) * day, true
	case market.ClassMetric:
		return time.Duration(c.Retention.MetricRetentionDays) * day, true
	default:
		return 0, false
	}
}

// CompressAfterFor returns the compression age threshold for a class.
func (c *Config) CompressAfterFor(class market.DataClass) time.Duration {
	day := 24 * time.Hour
	switch class {
	case market.ClassTick:
		return time.Duration(c.Retention.TickCompressAfterDays) * day
	case market.ClassDepth:
		return time.Duration(c.Retention.DepthCompressAfterDays) * day
	case market.ClassMetric:
		return time.Duration(c.Retention.MetricCompressAfterDays) * day
	case market.ClassBar:
		return time.Duration(c.Retention.BarCompressAfterDays) * day
	default:
		return 0
	}
}
