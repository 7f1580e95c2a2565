package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"optionflow/models"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Schema     SchemaConfig     `yaml:"schema"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Kite KiteConfig `yaml:"kite"`
}

type KiteConfig struct {
	BaseURL         string          `yaml:"base_url"`
	APIKey          string          `yaml:"api_key"`
	AccessToken     string          `yaml:"access_token"`
	AccessTokenFile string          `yaml:"access_token_file"`
	Exchange        string          `yaml:"exchange"`
	Underlying      string          `yaml:"underlying"`
	Expiry          string          `yaml:"expiry"`
	Timeout         time.Duration   `yaml:"timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

const (
	StorageBackendFile = "file"
	StorageBackendS3   = "s3"
)

type StorageConfig struct {
	Backend string            `yaml:"backend"`
	File    FileStorageConfig `yaml:"file"`
	S3      S3Config          `yaml:"s3"`
}

type FileStorageConfig struct {
	Path string `yaml:"path"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SchemaConfig selects the persisted schema version. VWAP false emits the
// legacy table whose VWAP cells carry a placeholder.
type SchemaConfig struct {
	VWAP bool `yaml:"vwap"`
}

type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Textfile   string           `yaml:"textfile"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ScheduleConfig struct {
	Cron    string        `yaml:"cron"`
	Timeout time.Duration `yaml:"timeout"`
}

// CronParser accepts standard five-field specs, an optional leading seconds
// field and descriptors such as @every 1m.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
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

	if err := resolveAccessToken(&config.Source.Kite); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaultConfig() Config {
	return Config{
		Optionflow: OptionflowConfig{Name: "optionflow"},
		Source: SourceConfig{Kite: KiteConfig{
			BaseURL:    "https://api.kite.trade",
			Exchange:   "NFO",
			Underlying: "NIFTY",
			Timeout:    10 * time.Second,
			RateLimit:  RateLimitConfig{RequestsPerSecond: 8, BurstSize: 1},
		}},
		Storage:  StorageConfig{Backend: StorageBackendFile},
		Schema:   SchemaConfig{VWAP: true},
		Archive:  ArchiveConfig{Backend: StorageBackendFile, Compression: "snappy"},
		Metrics:  MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "OptionFlow"}},
		Schedule: ScheduleConfig{Timeout: 5 * time.Minute},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func applyEnvOverrides(config *Config) {
	override := func(dst *string, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}

	override(&config.Source.Kite.APIKey, "KITE_API_KEY")
	override(&config.Source.Kite.AccessToken, "KITE_ACCESS_TOKEN")
	override(&config.Source.Kite.Expiry, "OPTION_EXPIRY")

	// Override S3 settings from environment variables if available
	if config.Storage.Backend == StorageBackendS3 || config.Archive.Backend == StorageBackendS3 {
		override(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		override(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		override(&config.Storage.S3.Region, "AWS_REGION")
		override(&config.Storage.S3.Bucket, "S3_BUCKET")
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.Backend = strings.ToLower(strings.TrimSpace(config.Storage.Backend))
	config.Archive.Backend = strings.ToLower(strings.TrimSpace(config.Archive.Backend))
}

// accessTokenFile is the JSON layout written by the login tool.
type accessTokenFile struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// resolveAccessToken fills AccessToken from AccessTokenFile when no token was
// configured directly. The file may hold the bare token or the login JSON.
func resolveAccessToken(kite *KiteConfig) error {
	if kite.AccessToken != "" || kite.AccessTokenFile == "" {
		return nil
	}

	data, err := os.ReadFile(kite.AccessTokenFile)
	if err != nil {
		return fmt.Errorf("failed to read access token file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var tok accessTokenFile
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return fmt.Errorf("failed to parse access token file: %w", err)
		}
		raw = strings.TrimSpace(tok.AccessToken)
	}
	kite.AccessToken = raw
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}

	kite := cfg.Source.Kite
	if kite.APIKey == "" || kite.AccessToken == "" {
		return fmt.Errorf("source.kite.api_key and an access token are required")
	}
	if kite.Exchange == "" || kite.Underlying == "" {
		return fmt.Errorf("source.kite.exchange and source.kite.underlying are required")
	}
	if _, err := time.Parse(models.ExpiryLayout, kite.Expiry); err != nil {
		return fmt.Errorf("source.kite.expiry '%s' must be formatted as YYYY-MM-DD", kite.Expiry)
	}
	if kite.RateLimit.RequestsPerSecond < 0 || kite.RateLimit.BurstSize < 0 {
		return fmt.Errorf("source.kite.rate_limit values must not be negative")
	}

	switch cfg.Storage.Backend {
	case StorageBackendFile:
		if strings.TrimSpace(cfg.Storage.File.Path) == "" {
			return fmt.Errorf("storage.file.path is required when the file backend is used")
		}
	case StorageBackendS3:
		if err := validateS3(cfg.Storage.S3, true); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend '%s' is not supported", cfg.Storage.Backend)
	}

	if spec := strings.TrimSpace(cfg.Schedule.Cron); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			return fmt.Errorf("schedule.cron '%s' is invalid: %w", cfg.Schedule.Cron, err)
		}
	}

	if cfg.Archive.Enabled {
		switch cfg.Archive.Backend {
		case StorageBackendFile:
			if strings.TrimSpace(cfg.Archive.Dir) == "" {
				return fmt.Errorf("archive.dir is required when the file archive is enabled")
			}
		case StorageBackendS3:
			if err := validateS3(cfg.Storage.S3, false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("archive.backend '%s' is not supported", cfg.Archive.Backend)
		}
		switch strings.ToLower(cfg.Archive.Compression) {
		case "", "none", "snappy", "gzip":
		default:
			return fmt.Errorf("archive.compression '%s' is not supported", cfg.Archive.Compression)
		}
	}

	return nil
}

func validateS3(s3 S3Config, needKey bool) error {
	if s3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when S3 is used")
	}
	if s3.Region == "" {
		return fmt.Errorf("storage.s3.region is required when S3 is used")
	}
	if needKey && strings.TrimSpace(s3.Key) == "" {
		return fmt.Errorf("storage.s3.key is required when the s3 backend is used")
	}
	if !isValidS3Bucket(s3.Bucket) {
		return fmt.Errorf("storage.s3.bucket '%s' is invalid", s3.Bucket)
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

// ExpiryDate returns the configured expiry as a date.
func (c *Config) ExpiryDate() time.Time {
	t, _ := time.Parse(models.ExpiryLayout, c.Source.Kite.Expiry)
	return t
}
