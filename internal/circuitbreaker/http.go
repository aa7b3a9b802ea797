package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer is satisfied by *http.Client and *HTTPClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient routes requests through a breaker. Transport errors and 5xx
// responses count as failures; 4xx (including 429) do not.
type HTTPClient struct {
	client  *http.Client
	breaker *Breaker
}

func NewHTTPClient(client *http.Client, name, service string, settings Settings, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{client: client, breaker: New(name, service, settings, logger)}
}

// Breaker exposes the underlying breaker for state inspection.
func (h *HTTPClient) Breaker() *Breaker { return h.breaker }

func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.breaker.Execute(req.Context(), func() error {
		var err error
		resp, err = h.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	if _, ok := err.(*statusError); ok {
		// The caller still decides what a 5xx body means.
		return resp, nil
	}
	return resp, err
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.code)
}
