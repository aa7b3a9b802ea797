package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
	"github.com/Kocoro-lab/touch/internal/tracing"
)

const (
	TavilyEndpoint  = "https://api.tavily.com/search"
	SerpAPIEndpoint = "https://serpapi.com/search.json"
)

// Tavily reports a relevance score per result.
type Tavily struct {
	Endpoint   string
	APIKey     string
	Client     circuitbreaker.HTTPDoer
	MaxRetries int
}

func (t *Tavily) Name() string { return "tavily" }

func (t *Tavily) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if t.APIKey == "" {
		return nil, errors.New("tavily api key not set")
	}
	body, err := json.Marshal(map[string]any{
		"api_key":        t.APIKey,
		"query":          query,
		"max_results":    limit,
		"search_depth":   "basic",
		"include_answer": false,
	})
	if err != nil {
		return nil, err
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = TavilyEndpoint
	}
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, endpoint)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var payload struct {
		Results []struct {
			Title   string   `json:"title"`
			URL     string   `json:"url"`
			Content string   `json:"content"`
			Score   *float64 `json:"score"`
		} `json:"results"`
	}
	if err := fetchJSON(ctx, t.Client, req, t.MaxRetries, &payload); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("tavily: %w", err)
	}
	out := make([]Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		res := Result{Title: r.Title, URL: r.URL, Snippet: r.Content}
		if r.Score != nil {
			res.Score, res.HasScore = *r.Score, true
		}
		out = append(out, res)
	}
	return out, nil
}

// SerpAPI returns Google organic results, which carry no score.
type SerpAPI struct {
	Endpoint   string
	APIKey     string
	Client     circuitbreaker.HTTPDoer
	MaxRetries int
}

func (s *SerpAPI) Name() string { return "serpapi" }

func (s *SerpAPI) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if s.APIKey == "" {
		return nil, errors.New("serpapi key not set")
	}
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = SerpAPIEndpoint
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("api_key", s.APIKey)
	q.Set("engine", "google")
	q.Set("num", strconv.Itoa(limit))
	full := endpoint + "?" + q.Encode()

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, endpoint)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
		Error string `json:"error"`
	}
	if err := fetchJSON(ctx, s.Client, req, s.MaxRetries, &payload); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("serpapi: %w", err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("serpapi: %s", payload.Error)
	}
	out := make([]Result, 0, len(payload.OrganicResults))
	for _, r := range payload.OrganicResults {
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func fetchJSON(ctx context.Context, client circuitbreaker.HTTPDoer, req *http.Request, maxRetries int, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	tracing.InjectTraceparent(ctx, req)
	resp, err := doWithRetry(ctx, client, req, maxRetries)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(v)
}
