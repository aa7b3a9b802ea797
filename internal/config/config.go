package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
)

// DefaultPath is used when neither an explicit path nor CONFIG_PATH is set.
const DefaultPath = "./config/touch.yaml"

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    struct {
		Enabled           bool   `mapstructure:"enabled"`
		RequestsPerMinute int    `mapstructure:"requests_per_minute"`
		RedisAddr         string `mapstructure:"redis_addr"`
	} `mapstructure:"rate_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ModelConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type SearchConfig struct {
	// Provider is tavily, serpapi or auto (tavily first, serpapi as fallback).
	Provider   string        `mapstructure:"provider"`
	TavilyKey  string        `mapstructure:"tavily_api_key"`
	SerpKey    string        `mapstructure:"serp_api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
}

// Budget bounds one tool-loop run.
type Budget struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	WallClock     time.Duration `mapstructure:"wall_clock"`
}

type LoopConfig struct {
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	Simple      Budget        `mapstructure:"simple"`
	Complex     Budget        `mapstructure:"complex"`
}

type StreamConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	Buffer      int           `mapstructure:"buffer"`
}

type SafetyConfig struct {
	// PolicyDir holds .rego overrides for the pre-screen policy.
	PolicyDir string `mapstructure:"policy_dir"`
}

type SanitizerConfig struct {
	MaxChars     int    `mapstructure:"max_chars"`
	PatternsFile string `mapstructure:"patterns_file"`
}

type StoreConfig struct {
	// Backend is memory, redis, postgres or sqlite.
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	DSN       string        `mapstructure:"dsn"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Config is the process-wide configuration, built once at startup and
// passed down explicitly.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Model     ModelConfig             `mapstructure:"model"`
	Search    SearchConfig            `mapstructure:"search"`
	Fetch     FetchConfig             `mapstructure:"fetch"`
	Loop      LoopConfig              `mapstructure:"loop"`
	Stream    StreamConfig            `mapstructure:"stream"`
	Safety    SafetyConfig            `mapstructure:"safety"`
	Sanitizer SanitizerConfig         `mapstructure:"sanitizer"`
	Store     StoreConfig             `mapstructure:"store"`
	Tracing   TracingConfig           `mapstructure:"tracing"`
	Breaker   circuitbreaker.Settings `mapstructure:"breaker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.metrics_addr", ":2112")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 180*time.Second)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 30)
	v.SetDefault("server.rate_limit.redis_addr", "localhost:6379")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("model.base_url", "https://api.openai.com/v1")
	v.SetDefault("model.model", "gpt-4o-mini")
	v.SetDefault("model.temperature", 0.1)
	v.SetDefault("model.max_tokens", 2000)
	v.SetDefault("model.timeout", 35*time.Second)
	v.SetDefault("model.requests_per_second", 5.0)
	v.SetDefault("model.burst", 5)

	v.SetDefault("search.provider", "auto")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.timeout", 15*time.Second)
	v.SetDefault("search.max_retries", 3)

	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.max_chars", 5000)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; touch-research/1.0)")

	v.SetDefault("loop.tool_timeout", 15*time.Second)
	v.SetDefault("loop.simple.max_iterations", 3)
	v.SetDefault("loop.simple.wall_clock", 45*time.Second)
	v.SetDefault("loop.complex.max_iterations", 8)
	v.SetDefault("loop.complex.wall_clock", 120*time.Second)

	v.SetDefault("stream.idle_timeout", 30*time.Second)
	v.SetDefault("stream.heartbeat", 15*time.Second)
	v.SetDefault("stream.buffer", 64)

	v.SetDefault("sanitizer.max_chars", 5000)
	v.SetDefault("sanitizer.patterns_file", "")
	v.SetDefault("safety.policy_dir", "")

	v.SetDefault("model.api_key", "")
	v.SetDefault("search.tavily_api_key", "")
	v.SetDefault("search.serp_api_key", "")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.ttl", 24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "touch")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	def := circuitbreaker.DefaultSettings()
	v.SetDefault("breaker.max_probes", def.MaxProbes)
	v.SetDefault("breaker.window", def.Window)
	v.SetDefault("breaker.cooldown", def.Cooldown)
	v.SetDefault("breaker.failure_threshold", def.FailureThreshold)
	v.SetDefault("breaker.success_threshold", def.SuccessThreshold)
}

// Well-known provider variables accepted alongside TOUCH_* keys.
var legacyEnv = map[string]string{
	"model.api_key":         "OPENAI_API_KEY",
	"model.base_url":        "LLM_SERVICE_URL",
	"search.tavily_api_key": "TAVILY_API_KEY",
	"search.serp_api_key":   "SERP_API_KEY",
	"search.max_results":    "MAX_SEARCH_RESULTS",
	"store.redis_addr":      "REDIS_ADDR",
	"server.metrics_addr":   "METRICS_ADDR",
	"logging.level":         "LOG_LEVEL",
}

// Load reads path (or CONFIG_PATH, or DefaultPath) and applies environment
// overrides. A missing file is not an error; defaults and env still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TOUCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "TOUCH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the timeout nesting: tool call < loop wall clock.
func (c *Config) Validate() error {
	for name, b := range map[string]Budget{"simple": c.Loop.Simple, "complex": c.Loop.Complex} {
		if b.MaxIterations <= 0 {
			return fmt.Errorf("loop.%s.max_iterations must be positive", name)
		}
		if b.WallClock <= 0 {
			return fmt.Errorf("loop.%s.wall_clock must be positive", name)
		}
		if c.Loop.ToolTimeout >= b.WallClock {
			return fmt.Errorf("loop.tool_timeout (%s) must be shorter than loop.%s.wall_clock (%s)",
				c.Loop.ToolTimeout, name, b.WallClock)
		}
	}
	if c.Loop.ToolTimeout <= 0 {
		return errors.New("loop.tool_timeout must be positive")
	}
	if c.Stream.IdleTimeout <= 0 {
		return errors.New("stream.idle_timeout must be positive")
	}
	switch c.Store.Backend {
	case "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Search.Provider {
	case "auto", "tavily", "serpapi":
	default:
		return fmt.Errorf("unknown search.provider %q", c.Search.Provider)
	}
	return nil
}
