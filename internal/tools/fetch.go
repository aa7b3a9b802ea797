package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
	"github.com/Kocoro-lab/touch/internal/sanitize"
	"github.com/Kocoro-lab/touch/internal/tracing"
)

// maxBodyBytes caps how much of a page is read before parsing.
const maxBodyBytes = 2 << 20

// FetchTool downloads a page and returns its sanitized visible text.
type FetchTool struct {
	client    circuitbreaker.HTTPDoer
	sanitizer *sanitize.Sanitizer
	maxChars  int
	userAgent string
}

func NewFetchTool(client circuitbreaker.HTTPDoer, s *sanitize.Sanitizer, maxChars int, userAgent string) *FetchTool {
	if client == nil {
		client = http.DefaultClient
	}
	if maxChars <= 0 {
		maxChars = sanitize.DefaultMaxChars
	}
	return &FetchTool{client: client, sanitizer: s, maxChars: maxChars, userAgent: userAgent}
}

func (t *FetchTool) Name() Name { return Fetch }

func (t *FetchTool) Execute(ctx context.Context, input string) (Observation, error) {
	target := strings.Trim(strings.TrimSpace(input), `"'<>`)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Observation{}, fmt.Errorf("not a fetchable url: %q", input)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, target)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Observation{}, err
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		tracing.Fail(span, err)
		return Observation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("status %d", resp.StatusCode)
		tracing.Fail(span, err)
		return Observation{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "text/") && !strings.Contains(ct, "html") && !strings.Contains(ct, "xml") {
		return Observation{}, fmt.Errorf("unsupported content type %q", ct)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Observation{}, err
	}
	_, title := sanitize.StripHTML(string(raw))
	text := t.sanitizer.SanitizeLimit(string(raw), t.maxChars)
	if text == "" {
		return Observation{}, errors.New("page has no readable text")
	}
	return Observation{
		Text:  text,
		Title: t.sanitizer.SanitizeLimit(title, 300),
		URL:   target,
	}, nil
}
