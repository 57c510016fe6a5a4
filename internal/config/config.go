package config

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/plansync/internal/normalize"
	"github.com/sells-group/plansync/internal/rank"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Scratch    ScratchConfig    `yaml:"scratch" mapstructure:"scratch"`
	Parse      ParseConfig      `yaml:"parse" mapstructure:"parse"`
	Rank       RankConfig       `yaml:"rank" mapstructure:"rank"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Analytical AnalyticalConfig `yaml:"analytical" mapstructure:"analytical"`
	RunLog     RunLogConfig     `yaml:"runlog" mapstructure:"runlog"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// SourceConfig locates the remote archive and tunes its download.
type SourceConfig struct {
	URL               string   `yaml:"url" mapstructure:"url"`
	Year              int      `yaml:"year" mapstructure:"year"`
	Marker            string   `yaml:"marker" mapstructure:"marker"`
	Extensions        []string `yaml:"extensions" mapstructure:"extensions"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	HeaderTimeoutSecs int      `yaml:"header_timeout_secs" mapstructure:"header_timeout_secs"`
	MaxRedirects      int      `yaml:"max_redirects" mapstructure:"max_redirects"`
	RetryAttempts     int      `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RateLimit         float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	FTPTimeoutSecs    int      `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
}

// ScratchConfig configures local spooling of the downloaded archive.
type ScratchConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ParseConfig configures record parsing and normalization.
type ParseConfig struct {
	Encoding         string            `yaml:"encoding" mapstructure:"encoding"`
	Delimiter        string            `yaml:"delimiter" mapstructure:"delimiter"`
	RejectionCeiling float64           `yaml:"rejection_ceiling" mapstructure:"rejection_ceiling"`
	MinSample        int64             `yaml:"min_sample" mapstructure:"min_sample"`
	Workers          int               `yaml:"workers" mapstructure:"workers"`
	Buffer           int               `yaml:"buffer" mapstructure:"buffer"`
	Columns          normalize.Columns `yaml:"columns" mapstructure:"columns"`
}

// DelimiterRune returns the configured delimiter, or ',' when unset.
func (p ParseConfig) DelimiterRune() rune {
	if p.Delimiter == `\t` || p.Delimiter == "tab" {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(p.Delimiter)
	if r == utf8.RuneError {
		return ','
	}
	return r
}

// RankConfig configures scoring and the cache size.
type RankConfig struct {
	TopK    int          `yaml:"top_k" mapstructure:"top_k"`
	Weights rank.Weights `yaml:"weights" mapstructure:"weights"`
}

// CacheConfig configures the SQLite top-K cache.
type CacheConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnalyticalConfig configures the Postgres analytical store.
type AnalyticalConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// RunLogConfig configures run metadata bookkeeping.
type RunLogConfig struct {
	StaleAfterHours int `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	HistoryLimit    int `yaml:"history_limit" mapstructure:"history_limit"`
}

// StaleAfter returns the configured stale threshold.
func (r RunLogConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterHours) * time.Hour
}

// MonitoringConfig configures sync health alerts sent by the API server.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	MaxSuccessAgeHours     int     `yaml:"max_success_age_hours" mapstructure:"max_success_age_hours"`
	RejectRateThreshold    float64 `yaml:"reject_rate_threshold" mapstructure:"reject_rate_threshold"`
}

// Validate checks the settings required by mode: "sync", "serve" or "migrate".
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Analytical.DatabaseURL == "" {
		errs = append(errs, "analytical.database_url is required")
	}

	switch mode {
	case "migrate":
	case "sync", "serve":
		if c.Source.URL == "" {
			errs = append(errs, "source.url is required")
		}
		if c.Cache.Path == "" {
			errs = append(errs, "cache.path is required")
		}
		if c.Parse.RejectionCeiling < 0 || c.Parse.RejectionCeiling > 1 {
			errs = append(errs, "parse.rejection_ceiling must be between 0 and 1")
		}
		if c.Rank.TopK < 1 {
			errs = append(errs, "rank.top_k must be > 0")
		}
		if c.Rank.Weights.MissingPenalty <= 0 || c.Rank.Weights.MissingPenalty > 1 {
			errs = append(errs, "rank.weights.missing_penalty must be in (0,1]")
		}
		if c.Rank.Weights.Assets < 0 || c.Rank.Weights.Participants < 0 {
			errs = append(errs, "rank.weights values must be >= 0")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if mode == "serve" && c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PLANSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("source.url", "https://askebsa.dol.gov/FOIA%20Files/2024/Latest/F_5500_2024_Latest.zip")
	v.SetDefault("source.year", 0)
	v.SetDefault("source.marker", "f_5500")
	v.SetDefault("source.extensions", []string{".csv", ".txt"})
	v.SetDefault("source.user_agent", "plansync/1.0")
	v.SetDefault("source.header_timeout_secs", 60)
	v.SetDefault("source.max_redirects", 10)
	v.SetDefault("source.retry_attempts", 3)
	v.SetDefault("source.rate_limit", 2.0)
	v.SetDefault("source.ftp_timeout_secs", 30)
	v.SetDefault("scratch.dir", "/tmp/plansync")
	v.SetDefault("parse.encoding", "windows-1252")
	v.SetDefault("parse.delimiter", ",")
	v.SetDefault("parse.rejection_ceiling", 0.05)
	v.SetDefault("parse.min_sample", 1000)
	v.SetDefault("parse.workers", 0)
	v.SetDefault("parse.buffer", 256)
	cols := normalize.DefaultColumns()
	v.SetDefault("parse.columns.ack_id", cols.AckID)
	v.SetDefault("parse.columns.ein", cols.EIN)
	v.SetDefault("parse.columns.plan_number", cols.PlanNumber)
	v.SetDefault("parse.columns.name", cols.Name)
	v.SetDefault("parse.columns.sponsor", cols.Sponsor)
	v.SetDefault("parse.columns.city", cols.City)
	v.SetDefault("parse.columns.state", cols.State)
	v.SetDefault("parse.columns.zip", cols.Zip)
	v.SetDefault("parse.columns.plan_type", cols.PlanType)
	v.SetDefault("parse.columns.participants", cols.Participants)
	v.SetDefault("parse.columns.assets", cols.Assets)
	v.SetDefault("parse.columns.plan_year_begin", cols.PlanYearBegin)
	v.SetDefault("parse.columns.filed_at", cols.FiledAt)
	w := rank.DefaultWeights()
	v.SetDefault("rank.top_k", 2000)
	v.SetDefault("rank.weights.assets", w.Assets)
	v.SetDefault("rank.weights.participants", w.Participants)
	v.SetDefault("rank.weights.missing_penalty", w.MissingPenalty)
	v.SetDefault("cache.path", "plansync-cache.db")
	v.SetDefault("analytical.database_url", "")
	v.SetDefault("analytical.max_conns", 10)
	v.SetDefault("analytical.batch_size", 2000)
	v.SetDefault("runlog.stale_after_hours", 6)
	v.SetDefault("runlog.history_limit", 20)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 168)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.max_consecutive_failures", 2)
	v.SetDefault("monitoring.max_success_age_hours", 192)
	v.SetDefault("monitoring.reject_rate_threshold", 0.01)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
