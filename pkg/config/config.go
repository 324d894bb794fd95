// Package config loads the dashboard configuration from config.yaml with
// DASHBOARD_* environment overrides. Every tunable lives here; the ONA API
// token deliberately has no usable default and is rejected by Validate when
// empty.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	ONA       ONAConfig
	Refresh   RefreshConfig
	Quality   QualityConfig
	Mapping   MappingConfig
	Storage   StorageConfig
	Render    RenderConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type ONAConfig struct {
	BaseURL     string
	FormID      string
	APIToken    string
	TimeoutSec  int
	MaxAttempts int
}

type RefreshConfig struct {
	IntervalMinutes int
	// Cutoff is the earliest submission instant shown, RFC3339 or
	// YYYY-MM-DD. Empty keeps every record.
	Cutoff string
}

type QualityConfig struct {
	MinDurationMinutes float64
	MaxDurationMinutes float64
	RequiredFields     []string
	SupportThreshold   float64
	RoundDurations     bool
	DistrictTargets    map[string]int
}

type MappingConfig struct {
	Geopoint    string
	Duration    string
	SubmittedAt string
	District    string
	Enumerator  string
	// Columns renames passthrough fields: source column -> canonical name.
	Columns map[string]string
}

type StorageConfig struct {
	Path string
}

type RenderConfig struct {
	Title          string
	AssetsHost     string
	RefreshSeconds int
}

type RateLimitConfig struct {
	UpdatePerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/quality-dashboard")

	viper.SetEnvPrefix("DASHBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate rejects configurations the pipeline cannot run with. Called once
// at startup so a bad deploy fails immediately instead of on the first cycle.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ONA.BaseURL) == "" {
		missing = append(missing, "ona.baseURL")
	}
	if strings.TrimSpace(c.ONA.FormID) == "" {
		missing = append(missing, "ona.formID")
	}
	if strings.TrimSpace(c.ONA.APIToken) == "" {
		missing = append(missing, "ona.apiToken")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if _, err := c.Refresh.ParseCutoff(); err != nil {
		return err
	}
	if c.Quality.MinDurationMinutes > c.Quality.MaxDurationMinutes {
		return fmt.Errorf("quality.minDurationMinutes %.0f exceeds maxDurationMinutes %.0f",
			c.Quality.MinDurationMinutes, c.Quality.MaxDurationMinutes)
	}

	return nil
}

// FetchURL joins the base URL and form ID into the submissions endpoint.
func (c ONAConfig) FetchURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/v1/data/" + c.FormID
}

func (c ONAConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c RefreshConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ParseCutoff parses the configured cutoff instant. Zone-naive dates are
// taken as UTC midnight; an empty value yields the zero time, which keeps
// every record.
func (c RefreshConfig) ParseCutoff() (time.Time, error) {
	raw := strings.TrimSpace(c.Cutoff)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid refresh.cutoff %q: want RFC3339 or YYYY-MM-DD", raw)
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	// /update waits for its refresh cycle, which can outlive a default
	// write timeout when the upstream API is retried.
	viper.SetDefault("server.writeTimeout", 150)
	viper.SetDefault("server.bodyLimit", 4194304)

	// Empty defaults keep the keys visible to env overrides; Validate
	// rejects them when still unset.
	viper.SetDefault("ona.baseURL", "")
	viper.SetDefault("ona.formID", "")
	viper.SetDefault("ona.apiToken", "")
	viper.SetDefault("ona.timeoutSec", 30)
	viper.SetDefault("ona.maxAttempts", 3)

	viper.SetDefault("refresh.intervalMinutes", 60)
	viper.SetDefault("refresh.cutoff", "")

	viper.SetDefault("quality.minDurationMinutes", 10)
	viper.SetDefault("quality.maxDurationMinutes", 120)
	viper.SetDefault("quality.requiredFields", []string{})
	viper.SetDefault("quality.supportThreshold", 0.5)
	viper.SetDefault("quality.roundDurations", false)

	viper.SetDefault("mapping.geopoint", "location")
	viper.SetDefault("mapping.duration", "duration")
	viper.SetDefault("mapping.submittedAt", "_submission_time")
	viper.SetDefault("mapping.district", "district")
	viper.SetDefault("mapping.enumerator", "enumerator")

	viper.SetDefault("storage.path", "./data/dashboard.db")

	viper.SetDefault("render.title", "Survey Quality Dashboard")
	viper.SetDefault("render.assetsHost", "https://go-echarts.github.io/go-echarts-assets/assets/")
	viper.SetDefault("render.refreshSeconds", 300)

	viper.SetDefault("ratelimit.updatePerMinute", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
