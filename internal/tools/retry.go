package tools

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/Kocoro-lab/touch/internal/circuitbreaker"
)

// RetryBaseDelay is the first backoff on HTTP 429. Tests shorten it.
var RetryBaseDelay = time.Second

const defaultMaxRetries = 3

// doWithRetry retries 429 responses with exponential backoff. After the
// last attempt the 429 response is returned for the caller to inspect.
func doWithRetry(ctx context.Context, client circuitbreaker.HTTPDoer, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}
		resp, err := client.Do(attemptReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxRetries {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoff := RetryBaseDelay << attempt
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
