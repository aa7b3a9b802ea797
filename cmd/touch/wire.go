package main

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/research"
	"github.com/Kocoro-lab/touch/internal/safety"
	"github.com/Kocoro-lab/touch/internal/sanitize"
	"github.com/Kocoro-lab/touch/internal/streaming"
	"github.com/Kocoro-lab/touch/internal/tools"
)

// app holds what both serve and ask need.
type app struct {
	policy      *safety.Policy
	pipeline    *research.Pipeline
	coordinator *streaming.Coordinator
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	patterns, err := sanitize.LoadPatterns(cfg.Sanitizer.PatternsFile)
	if err != nil {
		logger.Warn("Injection patterns not loaded; using built-in set", zap.Error(err))
	}
	sanitizer, err := sanitize.New(cfg.Sanitizer.MaxChars, patterns)
	if err != nil {
		return nil, fmt.Errorf("build sanitizer: %w", err)
	}

	policy, err := safety.NewPolicy(cfg.Safety.PolicyDir, logger.Named("policy"))
	if err != nil {
		return nil, fmt.Errorf("load safety policy: %w", err)
	}

	model := models.NewOpenAIService(cfg.Model, cfg.Breaker, logger.Named("model"))
	registry := buildTools(cfg, sanitizer, logger)

	return &app{
		policy:      policy,
		pipeline:    research.New(cfg, model, registry, sanitizer, policy, logger.Named("research")),
		coordinator: streaming.NewCoordinator(cfg.Stream.IdleTimeout, cfg.Stream.Buffer, logger.Named("stream")),
	}, nil
}

// buildTools selects search providers and assembles the registry. Each
// search provider gets its own breaker. Page fetches hit arbitrary hosts,
// so one bad site must not open a shared breaker; fetch uses a plain client.
func buildTools(cfg *config.Config, sanitizer *sanitize.Sanitizer, logger *zap.Logger) tools.Registry {
	httpClient := func() *http.Client { return &http.Client{Timeout: cfg.Search.Timeout} }

	var providers []tools.Provider
	useTavily := cfg.Search.Provider == "tavily" || (cfg.Search.Provider == "auto" && cfg.Search.TavilyKey != "")
	useSerp := cfg.Search.Provider == "serpapi" || (cfg.Search.Provider == "auto" && cfg.Search.SerpKey != "")
	if useTavily {
		providers = append(providers, &tools.Tavily{
			Endpoint:   tools.TavilyEndpoint,
			APIKey:     cfg.Search.TavilyKey,
			Client:     circuitbreaker.NewHTTPClient(httpClient(), "tavily", "search", cfg.Breaker, logger),
			MaxRetries: cfg.Search.MaxRetries,
		})
	}
	if useSerp {
		providers = append(providers, &tools.SerpAPI{
			Endpoint:   tools.SerpAPIEndpoint,
			APIKey:     cfg.Search.SerpKey,
			Client:     circuitbreaker.NewHTTPClient(httpClient(), "serpapi", "search", cfg.Breaker, logger),
			MaxRetries: cfg.Search.MaxRetries,
		})
	}
	if len(providers) == 0 {
		logger.Warn("No search provider configured; searches will fail", zap.String("provider", cfg.Search.Provider))
	}

	chain := tools.NewChain(logger.Named("search"), providers...)
	fetchClient := &http.Client{Timeout: cfg.Fetch.Timeout}
	return tools.NewRegistry(
		tools.NewSearchTool(chain, sanitizer, cfg.Search.MaxResults),
		tools.NewFetchTool(fetchClient, sanitizer, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent),
	)
}
