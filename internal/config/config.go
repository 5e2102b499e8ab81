// Package config loads and validates worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Browser engines.
const (
	EngineChromedp = "chromedp"
	EngineNoop     = "noop"
)

// Config captures all worker configuration knobs loaded via Viper.
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// QueueConfig selects the lease queue and its timing.
type QueueConfig struct {
	Backend              string `mapstructure:"backend"`
	RedisAddr            string `mapstructure:"redis_addr"`
	RedisDB              int    `mapstructure:"redis_db"`
	RedisPassword        string `mapstructure:"redis_password"`
	Name                 string `mapstructure:"name"`
	LeaseSeconds         int    `mapstructure:"lease_seconds"`
	BlockSeconds         int    `mapstructure:"block_seconds"`
	IdleSeconds          int    `mapstructure:"idle_seconds"`
	HeartbeatSeconds     int    `mapstructure:"heartbeat_seconds"`
	MaxConsecutiveErrors int    `mapstructure:"max_consecutive_errors"`
	ErrorBackoffMs       int    `mapstructure:"error_backoff_ms"`
	ErrorBackoffMaxMs    int    `mapstructure:"error_backoff_max_ms"`
}

// BrowserConfig configures the automation engine and its instruments.
type BrowserConfig struct {
	Engine               string  `mapstructure:"engine"`
	Count                int     `mapstructure:"count"`
	Headless             bool    `mapstructure:"headless"`
	UserAgent            string  `mapstructure:"user_agent"`
	ExecPath             string  `mapstructure:"exec_path"`
	DwellSeconds         int     `mapstructure:"dwell_seconds"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	HTTPInstrument       bool    `mapstructure:"http_instrument"`
	CookieInstrument     bool    `mapstructure:"cookie_instrument"`
	NavigationInstrument bool    `mapstructure:"navigation_instrument"`
	JSInstrument         bool    `mapstructure:"js_instrument"`
	SaveJavaScript       bool    `mapstructure:"save_javascript"`
	PerHostRPS           float64 `mapstructure:"per_host_rps"`
	PerHostBurst         int     `mapstructure:"per_host_burst"`
}

// StorageConfig selects where visit records are written.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	CrawlDirectory string `mapstructure:"crawl_directory"`
	Bucket         string `mapstructure:"bucket"`
	LocalDir       string `mapstructure:"local_dir"`
}

// RetryConfig controls what happens to failed jobs.
type RetryConfig struct {
	Policy      string `mapstructure:"policy"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// ReportingConfig holds error reporter settings.
type ReportingConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls the visit history database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the traced service.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment. With an empty path the
// standard locations are searched and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("crawlworker")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crawlworker/")
		v.AddConfigPath("$HOME/.crawlworker")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("queue.backend", QueueRedis)
	v.SetDefault("queue.redis_addr", "redis:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.name", "crawl-queue")
	v.SetDefault("queue.lease_seconds", 120)
	v.SetDefault("queue.block_seconds", 5)
	v.SetDefault("queue.idle_seconds", 5)
	v.SetDefault("queue.heartbeat_seconds", 0)
	v.SetDefault("queue.max_consecutive_errors", 5)
	v.SetDefault("queue.error_backoff_ms", 250)
	v.SetDefault("queue.error_backoff_max_ms", 5000)
	v.SetDefault("browser.engine", EngineChromedp)
	v.SetDefault("browser.count", 1)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.dwell_seconds", 10)
	v.SetDefault("browser.timeout_seconds", 60)
	v.SetDefault("browser.http_instrument", true)
	v.SetDefault("browser.cookie_instrument", true)
	v.SetDefault("browser.navigation_instrument", true)
	v.SetDefault("browser.js_instrument", true)
	v.SetDefault("browser.save_javascript", false)
	v.SetDefault("browser.per_host_rps", 0)
	v.SetDefault("browser.per_host_burst", 1)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.crawl_directory", "crawl-data")
	v.SetDefault("storage.bucket", "openwpm-crawls")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("retry.policy", crawler.RetryPolicyDrop)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("reporting.sentry_dsn", "")
	v.SetDefault("reporting.environment", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_history")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "crawl-worker")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Queue.Backend {
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set for the redis backend")
		}
	case QueueMemory:
	default:
		return fmt.Errorf("queue.backend must be one of redis, memory")
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		return fmt.Errorf("queue.name must be set")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Queue.BlockSeconds <= 0 {
		return fmt.Errorf("queue.block_seconds must be > 0")
	}
	if c.Queue.BlockSeconds >= c.Queue.LeaseSeconds {
		return fmt.Errorf("queue.block_seconds must be < queue.lease_seconds")
	}
	if c.Queue.IdleSeconds <= 0 {
		return fmt.Errorf("queue.idle_seconds must be > 0")
	}
	if c.Queue.HeartbeatSeconds < 0 {
		return fmt.Errorf("queue.heartbeat_seconds must be >= 0")
	}
	if c.Queue.HeartbeatSeconds > 0 && c.Queue.HeartbeatSeconds >= c.Queue.LeaseSeconds {
		return fmt.Errorf("queue.heartbeat_seconds must be < queue.lease_seconds")
	}
	if c.Queue.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("queue.max_consecutive_errors must be > 0")
	}
	switch c.Browser.Engine {
	case EngineChromedp, EngineNoop:
	default:
		return fmt.Errorf("browser.engine must be one of chromedp, noop")
	}
	if c.Browser.Count <= 0 {
		return fmt.Errorf("browser.count must be > 0")
	}
	if c.Browser.TimeoutSeconds <= 0 {
		return fmt.Errorf("browser.timeout_seconds must be > 0")
	}
	if c.Browser.DwellSeconds < 0 {
		return fmt.Errorf("browser.dwell_seconds must be >= 0")
	}
	if c.Browser.DwellSeconds >= c.Browser.TimeoutSeconds {
		return fmt.Errorf("browser.dwell_seconds must be < browser.timeout_seconds")
	}
	if c.Browser.PerHostRPS < 0 {
		return fmt.Errorf("browser.per_host_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	if _, err := crawler.NewDispositionPolicy(c.Retry.Policy, c.Retry.MaxAttempts); err != nil {
		return fmt.Errorf("retry.policy must be drop or requeue with retry.max_attempts > 0: %w", err)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry.service_name must be set")
	}
	return nil
}

// LeaseTimeout is the visibility timeout applied to every lease.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

// BlockTimeout is how long one Lease call may wait for work.
func (c Config) BlockTimeout() time.Duration {
	return time.Duration(c.Queue.BlockSeconds) * time.Second
}

// IdleInterval is the sleep after an empty lease on a non-empty queue.
func (c Config) IdleInterval() time.Duration {
	return time.Duration(c.Queue.IdleSeconds) * time.Second
}

// HeartbeatInterval is the lease renewal period; zero disables renewal.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Queue.HeartbeatSeconds) * time.Second
}

// ErrorBackoff returns the base and cap for queue error backoff.
func (c Config) ErrorBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Queue.ErrorBackoffMs) * time.Millisecond,
		time.Duration(c.Queue.ErrorBackoffMaxMs) * time.Millisecond
}

// DwellTime is how long a page stays open after load.
func (c Config) DwellTime() time.Duration {
	return time.Duration(c.Browser.DwellSeconds) * time.Second
}

// HardTimeout bounds one whole visit.
func (c Config) HardTimeout() time.Duration {
	return time.Duration(c.Browser.TimeoutSeconds) * time.Second
}
