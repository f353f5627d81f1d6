// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	LogLevel           string
	Locale             string
	SessionTTL         time.Duration
	SweepInterval      time.Duration
	CatalogFile        string
	VocabFile          string
	MaxRequestBodySize int64
	NLU                NLUConfig
	Dispatch           DispatchConfig
	RateLimit          RateLimitConfig
	Preference         PreferenceConfig
	Transcript         TranscriptConfig
}

// NLUConfig selects the enhanced classifier/extractor.
type NLUConfig struct {
	Backend         string
	Timeout         time.Duration
	Model           string
	GRPCAddr        string
	AnthropicAPIKey string
	UseBedrock      bool
	AWSRegion       string
	GeminiAPIKey    string
}

// DispatchConfig points at the worker endpoint. An empty URL logs dispatches instead.
type DispatchConfig struct {
	URL     string
	Timeout time.Duration
}

// RateLimitConfig bounds messages per tenant.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// PreferenceConfig is the policy for skipping recommended questions.
type PreferenceConfig struct {
	MinTasks  int64
	Dominance float64
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

var nluBackends = []string{"none", "anthropic", "gemini", "grpc"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("frontend_url", "")
	v.SetDefault("db_path", "./data/taskflow.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("locale", "pl")
	v.SetDefault("session_ttl", 60*time.Minute)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("catalog_file", "")
	v.SetDefault("vocab_file", "")
	v.SetDefault("max_request_body_size", 64*1024)

	v.SetDefault("nlu_backend", "none")
	v.SetDefault("nlu_timeout", 5*time.Second)
	v.SetDefault("nlu_model", "")
	v.SetDefault("nlu_grpc_addr", "localhost:50051")
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_use_bedrock", false)
	v.SetDefault("aws_region", "")
	v.SetDefault("gemini_api_key", "")

	v.SetDefault("dispatch_url", "")
	v.SetDefault("dispatch_timeout", 10*time.Second)

	v.SetDefault("rate_limit_requests", 30)
	v.SetDefault("rate_limit_window", time.Minute)

	v.SetDefault("preference_min_tasks", 5)
	v.SetDefault("preference_dominance", 0.8)

	v.SetDefault("transcript_enabled", true)
	v.SetDefault("transcript_dir", "./data/logs/transcripts")
	v.SetDefault("transcript_queue_size", 1000)
}

// Load reads configuration from defaults, an optional YAML file named by CONFIG_FILE,
// and environment variables, in increasing priority.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:               v.GetString("port"),
		FrontendURL:        v.GetString("frontend_url"),
		DBPath:             v.GetString("db_path"),
		LogLevel:           v.GetString("log_level"),
		Locale:             v.GetString("locale"),
		SessionTTL:         v.GetDuration("session_ttl"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		CatalogFile:        v.GetString("catalog_file"),
		VocabFile:          v.GetString("vocab_file"),
		MaxRequestBodySize: v.GetInt64("max_request_body_size"),
		NLU: NLUConfig{
			Backend:         strings.ToLower(strings.TrimSpace(v.GetString("nlu_backend"))),
			Timeout:         v.GetDuration("nlu_timeout"),
			Model:           v.GetString("nlu_model"),
			GRPCAddr:        v.GetString("nlu_grpc_addr"),
			AnthropicAPIKey: v.GetString("anthropic_api_key"),
			UseBedrock:      v.GetBool("anthropic_use_bedrock"),
			AWSRegion:       v.GetString("aws_region"),
			GeminiAPIKey:    v.GetString("gemini_api_key"),
		},
		Dispatch: DispatchConfig{
			URL:     v.GetString("dispatch_url"),
			Timeout: v.GetDuration("dispatch_timeout"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit_requests"),
			Window:   v.GetDuration("rate_limit_window"),
		},
		Preference: PreferenceConfig{
			MinTasks:  v.GetInt64("preference_min_tasks"),
			Dominance: v.GetFloat64("preference_dominance"),
		},
		Transcript: TranscriptConfig{
			Enabled:   v.GetBool("transcript_enabled"),
			Dir:       v.GetString("transcript_dir"),
			QueueSize: v.GetInt("transcript_queue_size"),
		},
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Locale == "" {
		errs = append(errs, errors.New("LOCALE cannot be empty"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if c.MaxRequestBodySize <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BODY_SIZE must be > 0"))
	}
	if !isNLUBackend(c.NLU.Backend) {
		errs = append(errs, fmt.Errorf("NLU_BACKEND must be one of %s, got %q", strings.Join(nluBackends, ", "), c.NLU.Backend))
	}
	if c.NLU.Timeout <= 0 {
		errs = append(errs, errors.New("NLU_TIMEOUT must be > 0"))
	}
	if c.NLU.Backend == "grpc" && c.NLU.GRPCAddr == "" {
		errs = append(errs, errors.New("NLU_GRPC_ADDR cannot be empty for the grpc backend"))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must be > 0"))
	}
	if c.RateLimit.Requests <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be > 0"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be > 0"))
	}
	if c.Preference.MinTasks <= 0 {
		errs = append(errs, errors.New("PREFERENCE_MIN_TASKS must be > 0"))
	}
	if c.Preference.Dominance <= 0 || c.Preference.Dominance > 1 {
		errs = append(errs, errors.New("PREFERENCE_DOMINANCE must be in (0, 1]"))
	}
	if c.Transcript.Enabled {
		if c.Transcript.Dir == "" {
			errs = append(errs, errors.New("TRANSCRIPT_DIR cannot be empty"))
		}
		if c.Transcript.QueueSize <= 0 {
			errs = append(errs, errors.New("TRANSCRIPT_QUEUE_SIZE must be > 0"))
		}
	}
	return errors.Join(errs...)
}

func isNLUBackend(name string) bool {
	for _, b := range nluBackends {
		if b == name {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}
