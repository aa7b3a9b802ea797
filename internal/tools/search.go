package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/sanitize"
)

// snippetChars bounds a single sanitized search snippet.
const snippetChars = 600

// Provider is a web search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// ErrNoProvider is returned when no search backend is configured.
var ErrNoProvider = errors.New("no search provider configured")

// Chain tries providers in order and returns the first non-empty answer.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

func NewChain(logger *zap.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ps []Provider
	for _, p := range providers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Chain{providers: ps, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

func (c *Chain) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoProvider
	}
	var errs []error
	for _, p := range c.providers {
		results, err := p.Search(ctx, query, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Search provider failed; trying next",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

// SearchTool exposes a provider to the loop and sanitizes every hit.
type SearchTool struct {
	provider   Provider
	sanitizer  *sanitize.Sanitizer
	maxResults int
}

func NewSearchTool(p Provider, s *sanitize.Sanitizer, maxResults int) *SearchTool {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &SearchTool{provider: p, sanitizer: s, maxResults: maxResults}
}

func (t *SearchTool) Name() Name { return Search }

func (t *SearchTool) Execute(ctx context.Context, input string) (Observation, error) {
	query := strings.TrimSpace(input)
	if query == "" {
		return Observation{}, errors.New("empty search query")
	}
	results, err := t.provider.Search(ctx, query, t.maxResults)
	if err != nil {
		return Observation{}, err
	}
	if len(results) > t.maxResults {
		results = results[:t.maxResults]
	}
	clean := make([]Result, 0, len(results))
	for _, r := range results {
		r.Title = t.sanitizer.SanitizeLimit(r.Title, 300)
		r.Snippet = t.sanitizer.SanitizeLimit(r.Snippet, snippetChars)
		r.URL = strings.TrimSpace(r.URL)
		clean = append(clean, r)
	}
	if len(clean) == 0 {
		return Observation{Text: "No results found for: " + query}, nil
	}
	return Observation{Results: clean}, nil
}
