package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/metrics"
	"github.com/Kocoro-lab/touch/internal/tracing"
)

// OpenAIService talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIService struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration

	client  circuitbreaker.HTTPDoer
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewOpenAIService(cfg config.ModelConfig, breaker circuitbreaker.Settings, logger *zap.Logger) *OpenAIService {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAIService{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		client:      circuitbreaker.NewHTTPClient(&http.Client{Timeout: timeout}, "model", "llm", breaker, logger),
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *OpenAIService) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	out, err := s.generate(ctx, messages, opts)
	result := "success"
	if err != nil {
		result = string(KindOf(err))
		s.logger.Warn("Model call failed",
			zap.String("purpose", string(opts.Purpose)),
			zap.Error(err),
		)
	}
	metrics.ModelCalls.WithLabelValues(string(opts.Purpose), result).Inc()
	return out, err
}

func (s *OpenAIService) generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	if s.apiKey == "" {
		return "", &ModelError{Kind: KindConfig, Err: errors.New("missing API key")}
	}
	if s.model == "" {
		return "", &ModelError{Kind: KindConfig, Err: errors.New("missing model name")}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", &ModelError{Kind: KindTimeout, Err: err}
	}

	temp := s.temperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	maxTokens := s.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	payload := chatRequest{Model: s.model, Messages: messages, Temperature: temp, MaxTokens: maxTokens}
	if opts.JSON {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ModelError{Kind: KindMalformed, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	url := s.baseURL + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &ModelError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.client.Do(req)
	if err != nil {
		tracing.Fail(span, err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &ModelError{Kind: KindTimeout, Err: err}
		}
		return "", &ModelError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &ModelError{Kind: KindTransport, Status: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &ModelError{Kind: KindQuota, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	case resp.StatusCode >= 400:
		return "", &ModelError{Kind: KindTransport, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &ModelError{Kind: KindMalformed, Status: resp.StatusCode, Err: err}
	}
	if parsed.Error != nil {
		return "", &ModelError{Kind: KindMalformed, Status: resp.StatusCode, Err: errors.New(parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &ModelError{Kind: KindMalformed, Status: resp.StatusCode, Err: errors.New("no choices in response")}
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty body"
	}
	return fmt.Sprintf("body: %s", s)
}
