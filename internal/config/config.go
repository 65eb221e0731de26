// Package config loads runtime configuration from environment variables and
// an optional YAML file. Environment always wins over file values so deploys
// can override a checked-in config.yaml without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	cwerrors "git.home.luguber.info/inful/codewiki/internal/errors"
)

// Provider identifies the LLM backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAzure     Provider = "azure"
	ProviderAnthropic Provider = "anthropic"
)

// Config holds all runtime configuration for the pipeline and its HTTP surface.
type Config struct {
	// LLM provider settings.
	Provider      Provider `yaml:"provider"`       // openai|azure|anthropic (default openai)
	Endpoint      string   `yaml:"endpoint"`       // base URL; empty uses the provider default
	APIKey        string   `yaml:"api_key"`        // never logged
	ChatModel     string   `yaml:"chat_model"`     // model (or Azure deployment) for generation
	AnalysisModel string   `yaml:"analysis_model"` // model for classify/plan; falls back to ChatModel

	// Pipeline bounds.
	MaxParallelRepos   int           `yaml:"max_parallel_repos"`   // default 5
	SectionConcurrency int           `yaml:"section_concurrency"`  // leaves generated in parallel per repo, default 5
	UpdateIntervalDays int           `yaml:"update_interval_days"` // default 7
	LLMCallTimeout     time.Duration `yaml:"llm_call_timeout"`     // default 10m

	// Rate limiter shared by all provider calls (token bucket).
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"` // default 2
	RateLimitBurst     int     `yaml:"rate_limit_burst"`      // default 4

	// Feature flags.
	EnableDependencyAnalysis bool `yaml:"enable_dependency_analysis"` // default true
	EnableCodeCompression    bool `yaml:"enable_code_compression"`    // default false

	// Paths and infrastructure.
	RepositoryRoot string `yaml:"repository_root"` // workspace for clones, default ./repositories
	DatabasePath   string `yaml:"database_path"`   // sqlite file, default ./codewiki.db
	ListenAddr     string `yaml:"listen_addr"`     // default :8080
	NATSURL        string `yaml:"nats_url"`        // optional event mirroring, empty disables
}

// Default returns a Config populated with documented defaults.
func Default() *Config {
	return &Config{
		Provider:                 ProviderOpenAI,
		ChatModel:                "gpt-4o",
		AnalysisModel:            "gpt-4o-mini",
		MaxParallelRepos:         5,
		SectionConcurrency:       5,
		UpdateIntervalDays:       7,
		LLMCallTimeout:           10 * time.Minute,
		RateLimitPerSecond:       2,
		RateLimitBurst:           4,
		EnableDependencyAnalysis: true,
		RepositoryRoot:           "./repositories",
		DatabasePath:             "./codewiki.db",
		ListenAddr:               ":8080",
	}
}

// Load builds the configuration: defaults, then the YAML file (if present),
// then environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is best effort; process env is never overridden.
	_ = godotenv.Load(".env", ".env.local")

	cfg := Default()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, cwerrors.Wrap(err, cwerrors.CategoryConfig, cwerrors.SeverityFatal, "parse config file")
			}
		} else if !os.IsNotExist(err) {
			return nil, cwerrors.Wrap(err, cwerrors.CategoryConfig, cwerrors.SeverityFatal, "read config file")
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	if v := os.Getenv("CODEWIKI_PROVIDER"); v != "" {
		c.Provider = Provider(v)
	}
	setString("CODEWIKI_ENDPOINT", &c.Endpoint)
	setString("CODEWIKI_API_KEY", &c.APIKey)
	setString("CODEWIKI_CHAT_MODEL", &c.ChatModel)
	setString("CODEWIKI_ANALYSIS_MODEL", &c.AnalysisModel)
	setInt("CODEWIKI_MAX_PARALLEL_REPOS", &c.MaxParallelRepos)
	setInt("CODEWIKI_SECTION_CONCURRENCY", &c.SectionConcurrency)
	setInt("CODEWIKI_UPDATE_INTERVAL_DAYS", &c.UpdateIntervalDays)
	if v := os.Getenv("CODEWIKI_LLM_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LLMCallTimeout = d
		}
	}
	setFloat("CODEWIKI_RATE_LIMIT_PER_SECOND", &c.RateLimitPerSecond)
	setInt("CODEWIKI_RATE_LIMIT_BURST", &c.RateLimitBurst)
	setBool("CODEWIKI_ENABLE_DEPENDENCY_ANALYSIS", &c.EnableDependencyAnalysis)
	setBool("CODEWIKI_ENABLE_CODE_COMPRESSION", &c.EnableCodeCompression)
	setString("CODEWIKI_REPOSITORY_ROOT", &c.RepositoryRoot)
	setString("CODEWIKI_DATABASE_PATH", &c.DatabasePath)
	setString("CODEWIKI_LISTEN_ADDR", &c.ListenAddr)
	setString("CODEWIKI_NATS_URL", &c.NATSURL)
}

// Validate checks invariants; violations are config-category fatal errors.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderAzure, ProviderAnthropic:
	default:
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal,
			fmt.Sprintf("unknown provider %q (want openai|azure|anthropic)", c.Provider))
	}
	if c.Provider == ProviderAzure && c.Endpoint == "" {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "azure provider requires an endpoint")
	}
	if c.ChatModel == "" {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "chat model is required")
	}
	if c.MaxParallelRepos <= 0 {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "max_parallel_repos must be >0")
	}
	if c.SectionConcurrency <= 0 {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "section_concurrency must be >0")
	}
	if c.UpdateIntervalDays <= 0 {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "update_interval_days must be >0")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "rate limiter capacity and refill must be >0")
	}
	if c.RepositoryRoot == "" {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityFatal, "repository_root is required")
	}
	return nil
}

// AnalysisOrChatModel returns the analysis model, falling back to the chat model.
func (c *Config) AnalysisOrChatModel() string {
	if c.AnalysisModel != "" {
		return c.AnalysisModel
	}
	return c.ChatModel
}

// UpdateInterval returns the incremental-update age threshold as a duration.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalDays) * 24 * time.Hour
}

// Init writes a starter config file; refuses to overwrite unless force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return cwerrors.New(cwerrors.CategoryConfig, cwerrors.SeverityError,
			fmt.Sprintf("config file %s already exists (use --force to overwrite)", path))
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return cwerrors.Wrap(err, cwerrors.CategoryInternal, cwerrors.SeverityError, "marshal default config")
	}
	return os.WriteFile(path, data, 0o644)
}
