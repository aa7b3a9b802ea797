package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/touch/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{}, "test", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStageSpansAndPropagation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := StartStage(context.Background(), "plan")
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://model.local/v1/chat/completions", nil)
	InjectTraceparent(ctx, req)
	Fail(span, errors.New("model unavailable"))
	span.End()

	assert.NotEmpty(t, req.Header.Get("traceparent"))
	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "research.plan", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)
}
