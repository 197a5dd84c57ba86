package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Predictflow PredictflowConfig `yaml:"predictflow"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Venues      VenuesConfig      `yaml:"venues"`
	Server      ServerConfig      `yaml:"server"`
	Candles     CandlesConfig     `yaml:"candles"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type PredictflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer    int `yaml:"raw_buffer"`
	EventBuffer  int `yaml:"event_buffer"`
	ResyncBuffer int `yaml:"resync_buffer"`
	ClientBuffer int `yaml:"client_buffer"`
}

type VenuesConfig struct {
	Kalshi     KalshiConfig     `yaml:"kalshi"`
	Polymarket PolymarketConfig `yaml:"polymarket"`
}

type KalshiConfig struct {
	Enabled           bool            `yaml:"enabled"`
	URL               string          `yaml:"url"`
	APIKeyID          string          `yaml:"api_key_id"`
	PrivateKeyFile    string          `yaml:"private_key_file"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

type PolymarketConfig struct {
	Enabled           bool            `yaml:"enabled"`
	URL               string          `yaml:"url"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	HealthyReset time.Duration `yaml:"healthy_reset"`
}

type ServerConfig struct {
	Address      string          `yaml:"address"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type CandlesConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxKept  int           `yaml:"max_kept"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatch      int           `yaml:"max_batch"`
	Prefix        string        `yaml:"prefix"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaultConfig() Config {
	return Config{
		Channels: ChannelsConfig{
			RawBuffer:    4096,
			EventBuffer:  4096,
			ResyncBuffer: 256,
			ClientBuffer: 512,
		},
		Venues: VenuesConfig{
			Kalshi: KalshiConfig{
				HeartbeatInterval: 10 * time.Second,
				Reconnect:         defaultReconnect(),
			},
			Polymarket: PolymarketConfig{
				HeartbeatInterval: 10 * time.Second,
				Reconnect:         defaultReconnect(),
			},
		},
		Server: ServerConfig{
			Address: ":8080",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Candles: CandlesConfig{
			Interval: time.Minute,
			MaxKept:  1440,
		},
		Archive: ArchiveConfig{
			FlushInterval: time.Minute,
			MaxBatch:      5000,
			Prefix:        "events",
		},
	}
}

func defaultReconnect() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		HealthyReset: 60 * time.Second,
	}
}

// applyEnvOverrides lets credentials and endpoints come from the
// environment so the yaml file can stay free of secrets.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KALSHI_API_KEY_ID"); v != "" {
		cfg.Venues.Kalshi.APIKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_PRIVATE_KEY_FILE"); v != "" {
		cfg.Venues.Kalshi.PrivateKeyFile = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Predictflow.Name == "" {
		return fmt.Errorf("predictflow.name is required")
	}
	if cfg.Predictflow.Version == "" {
		return fmt.Errorf("predictflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.ClientBuffer <= 0 {
		return fmt.Errorf("channels.client_buffer must be greater than 0")
	}

	if !cfg.Venues.Kalshi.Enabled && !cfg.Venues.Polymarket.Enabled {
		return fmt.Errorf("at least one venue must be enabled")
	}
	if cfg.Venues.Kalshi.Enabled {
		if cfg.Venues.Kalshi.URL == "" {
			return fmt.Errorf("venues.kalshi.url is required when kalshi is enabled")
		}
		if cfg.Venues.Kalshi.APIKeyID == "" || cfg.Venues.Kalshi.PrivateKeyFile == "" {
			return fmt.Errorf("venues.kalshi.api_key_id and venues.kalshi.private_key_file are required when kalshi is enabled")
		}
		if err := validateReconnect("venues.kalshi", cfg.Venues.Kalshi.Reconnect); err != nil {
			return err
		}
	}
	if cfg.Venues.Polymarket.Enabled {
		if cfg.Venues.Polymarket.URL == "" {
			return fmt.Errorf("venues.polymarket.url is required when polymarket is enabled")
		}
		if err := validateReconnect("venues.polymarket", cfg.Venues.Polymarket.Reconnect); err != nil {
			return err
		}
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Server.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("server.rate_limit.burst_size must be greater than 0")
	}

	if cfg.Candles.Enabled && cfg.Candles.Interval <= 0 {
		return fmt.Errorf("candles.interval must be greater than 0")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when archiving is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when archiving is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

func validateReconnect(prefix string, rc ReconnectConfig) error {
	if rc.BaseDelay <= 0 {
		return fmt.Errorf("%s.reconnect.base_delay must be greater than 0", prefix)
	}
	if rc.MaxDelay < rc.BaseDelay {
		return fmt.Errorf("%s.reconnect.max_delay must be at least base_delay", prefix)
	}
	if rc.MaxAttempts <= 0 {
		return fmt.Errorf("%s.reconnect.max_attempts must be greater than 0", prefix)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
