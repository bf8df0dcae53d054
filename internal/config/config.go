// Package config loads and validates scanner configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/warc-nextjs-scanner/internal/crawler"
)

// EnvPrefix namespaces environment overrides, e.g. NEXTSCAN_RETRY_MAX_RETRIES.
const EnvPrefix = "NEXTSCAN"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Output    OutputConfig    `mapstructure:"output"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Index     IndexConfig     `mapstructure:"index"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlerConfig governs the worker pool and segment sampling.
type CrawlerConfig struct {
	Workers         int           `mapstructure:"workers"`
	SampleSizeBytes int64         `mapstructure:"sample_size_bytes"`
	UserAgent       string        `mapstructure:"user_agent"`
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ProgressEvery   int           `mapstructure:"progress_every"`
	WorkList        string        `mapstructure:"work_list"`
	Limit           int           `mapstructure:"limit"`
}

// RateLimitConfig configures the shared token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	Adaptive          bool    `mapstructure:"adaptive"`
	MinRate           float64 `mapstructure:"min_rate"`
	MaxRate           float64 `mapstructure:"max_rate"`
	IncreaseFactor    float64 `mapstructure:"increase_factor"`
	DecreaseFactor    float64 `mapstructure:"decrease_factor"`
	SuccessThreshold  int     `mapstructure:"success_threshold"`
}

// RetryConfig sets the per-item attempt budget.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Delay      time.Duration `mapstructure:"delay"`
}

// ProxyIdentityConfig is one configured egress route.
type ProxyIdentityConfig struct {
	Name       string `mapstructure:"name"`
	Port       int    `mapstructure:"port"`
	ExternalIP string `mapstructure:"external_ip"`
}

// ProxyConfig lists the proxy pool. All identities share Host.
type ProxyConfig struct {
	Enabled    bool                  `mapstructure:"enabled"`
	Host       string                `mapstructure:"host"`
	Identities []ProxyIdentityConfig `mapstructure:"identities"`
}

// DetectorConfig sets the confidence filter and tier thresholds.
type DetectorConfig struct {
	MinConfidence string `mapstructure:"min_confidence"`
	HighMax       int    `mapstructure:"high_max"`
	HighSum       int    `mapstructure:"high_sum"`
	MediumMax     int    `mapstructure:"medium_max"`
	MediumSum     int    `mapstructure:"medium_sum"`
}

// OutputConfig sets local directories for reports and failure files.
type OutputConfig struct {
	Dir        string `mapstructure:"dir"`
	FailureDir string `mapstructure:"failure_dir"`
}

// StorageConfig routes reports to GCS when a bucket is set.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig enables the Postgres findings sink when DSN is set.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig enables finding notifications when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// IndexConfig points at the capture index used by search.
type IndexConfig struct {
	URL        string        `mapstructure:"url"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool     `mapstructure:"development"`
	Level       string   `mapstructure:"level"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// Load builds a Config from defaults, an optional file and the environment.
// A nil v gets a fresh Viper instance; callers pass their own to layer flag
// bindings on top.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.workers", 5)
	v.SetDefault("crawler.sample_size_bytes", 10*1024*1024)
	v.SetDefault("crawler.user_agent", "NextJS-Detector/1.0 (Research Project)")
	v.SetDefault("crawler.base_url", "https://data.commoncrawl.org/")
	v.SetDefault("crawler.request_timeout", 120*time.Second)
	v.SetDefault("crawler.progress_every", 100)
	v.SetDefault("crawler.work_list", "")
	v.SetDefault("crawler.limit", 0)
	v.SetDefault("ratelimit.requests_per_second", 2.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.adaptive", false)
	v.SetDefault("ratelimit.min_rate", 0.5)
	v.SetDefault("ratelimit.max_rate", 10.0)
	v.SetDefault("ratelimit.increase_factor", 1.2)
	v.SetDefault("ratelimit.decrease_factor", 0.5)
	v.SetDefault("ratelimit.success_threshold", 10)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.delay", 300*time.Second)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.host", "localhost")
	v.SetDefault("detector.min_confidence", string(crawler.ConfidenceMedium))
	v.SetDefault("detector.high_max", 3)
	v.SetDefault("detector.high_sum", 5)
	v.SetDefault("detector.medium_max", 2)
	v.SetDefault("detector.medium_sum", 3)
	v.SetDefault("output.dir", "data/output")
	v.SetDefault("output.failure_dir", "data/failures")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "nextjs_findings")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.port", 0)
	v.SetDefault("index.url", "https://index.commoncrawl.org")
	v.SetDefault("index.collection", "")
	v.SetDefault("index.timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_paths", []string{})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return errors.New("crawler.workers must be > 0")
	}
	if c.Crawler.SampleSizeBytes <= 0 {
		return errors.New("crawler.sample_size_bytes must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return errors.New("crawler.request_timeout must be > 0")
	}
	if c.Crawler.Limit < 0 {
		return errors.New("crawler.limit must be >= 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return errors.New("ratelimit.requests_per_second must be > 0")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("ratelimit.burst must be > 0")
	}
	if c.RateLimit.Adaptive && c.RateLimit.MinRate > c.RateLimit.MaxRate {
		return errors.New("ratelimit.min_rate must be <= ratelimit.max_rate")
	}
	if c.Retry.MaxRetries <= 0 {
		return errors.New("retry.max_retries must be > 0")
	}
	if c.Retry.Delay < 0 {
		return errors.New("retry.delay must be >= 0")
	}
	if c.Proxy.Enabled && len(c.Proxy.Identities) == 0 {
		return errors.New("proxy.identities must be set when proxy is enabled")
	}
	if _, err := c.Detector.Confidence(); err != nil {
		return err
	}
	if c.DB.MaxConns <= 0 || c.DB.MaxConns > math.MaxInt32 {
		return errors.New("db.max_conns must be > 0 and fit in int32")
	}
	if c.Server.Port < 0 {
		return errors.New("server.port must be >= 0")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// Confidence parses MinConfidence.
func (d DetectorConfig) Confidence() (crawler.Confidence, error) {
	switch c := crawler.Confidence(strings.ToLower(d.MinConfidence)); c {
	case crawler.ConfidenceLow, crawler.ConfidenceMedium, crawler.ConfidenceHigh:
		return c, nil
	default:
		return crawler.ConfidenceNone, fmt.Errorf("detector.min_confidence %q must be low, medium or high", d.MinConfidence)
	}
}
