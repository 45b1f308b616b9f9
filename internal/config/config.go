package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Supabase  SupabaseConfig  `yaml:"supabase" mapstructure:"supabase"`
	Admin     AdminConfig     `yaml:"admin" mapstructure:"admin"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Sweeper   SweeperConfig   `yaml:"sweeper" mapstructure:"sweeper"`
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SupabaseConfig holds the hosted platform endpoints and credentials.
type SupabaseConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	ServiceRoleKey string `yaml:"service_role_key" mapstructure:"service_role_key"`
	JWTSecret      string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	StorageBucket  string `yaml:"storage_bucket" mapstructure:"storage_bucket"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AdminConfig holds the separately configured admin key for internal endpoints.
type AdminConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	ExtractModel      string  `yaml:"extract_model" mapstructure:"extract_model"`
	EnrichModel       string  `yaml:"enrich_model" mapstructure:"enrich_model"`
	GeocodeModel      string  `yaml:"geocode_model" mapstructure:"geocode_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-call LLM timeout.
func (c AnthropicConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// EnrichConfig configures the enrichment stage. An empty KnowledgeFile uses
// the producer knowledge compiled into the binary.
type EnrichConfig struct {
	KnowledgeFile string `yaml:"knowledge_file" mapstructure:"knowledge_file"`
}

// QueueConfig configures claim-and-process cycles.
type QueueConfig struct {
	ClaimLimit     int `yaml:"claim_limit" mapstructure:"claim_limit"`
	MaxClaimLimit  int `yaml:"max_claim_limit" mapstructure:"max_claim_limit"`
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	JobTimeoutSecs int `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
}

// JobTimeout returns the upper bound on a single job's processing time.
func (c QueueConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSecs) * time.Second
}

// SweeperConfig configures the cleanup/retry pass.
type SweeperConfig struct {
	StaleAfterMins  int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	FailedAfterMins int `yaml:"failed_after_mins" mapstructure:"failed_after_mins"`
	MaxRetries      int `yaml:"max_retries" mapstructure:"max_retries"`
	BatchSize       int `yaml:"batch_size" mapstructure:"batch_size"`
}

// SecurityConfig configures outbound URL validation.
type SecurityConfig struct {
	TrustedImageDomains []string `yaml:"trusted_image_domains" mapstructure:"trusted_image_domains"`
	// ResolveDNS rejects trusted hosts whose DNS answers include private addresses.
	ResolveDNS bool `yaml:"resolve_dns" mapstructure:"resolve_dns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ProductionOrigin string   `yaml:"production_origin" mapstructure:"production_origin"`
	MaxUploadMB      int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LABELSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.service_role_key", "")
	v.SetDefault("supabase.jwt_secret", "")
	v.SetDefault("supabase.storage_bucket", "scan-images")
	v.SetDefault("supabase.timeout_secs", 30)
	v.SetDefault("admin.api_key", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.extract_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.enrich_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.geocode_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("anthropic.requests_per_second", 5)
	v.SetDefault("anthropic.breaker_threshold", 5)
	v.SetDefault("anthropic.breaker_reset_secs", 60)
	v.SetDefault("enrich.knowledge_file", "")
	v.SetDefault("queue.claim_limit", 5)
	v.SetDefault("queue.max_claim_limit", 25)
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.job_timeout_secs", 120)
	v.SetDefault("sweeper.stale_after_mins", 10)
	v.SetDefault("sweeper.failed_after_mins", 5)
	v.SetDefault("sweeper.max_retries", 3)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("security.trusted_image_domains", []string{"supabase.co", "supabase.in"})
	v.SetDefault("security.resolve_dns", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{
		"https://winejournal.app",
		"https://www.winejournal.app",
		"http://localhost:3000",
		"http://localhost:5173",
	})
	v.SetDefault("server.production_origin", "https://winejournal.app")
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the settings a command needs are present. mode is one
// of "serve", "process", "sweep", "cleanup" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	need(c.Database.URL != "", "database.url is required")

	switch mode {
	case "serve":
		need(c.Server.Port > 0 && c.Server.Port <= 65535, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		need(c.Supabase.URL != "", "supabase.url is required")
		need(c.Supabase.ServiceRoleKey != "", "supabase.service_role_key is required")
		need(c.Supabase.JWTSecret != "", "supabase.jwt_secret is required")
		need(c.Anthropic.Key != "", "anthropic.key is required")
	case "process":
		need(c.Anthropic.Key != "", "anthropic.key is required")
	case "sweep", "cleanup", "migrate", "status":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Sweeper.MaxRetries < 0 {
		errs = append(errs, "sweeper.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
