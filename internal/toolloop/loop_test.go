package toolloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/planner"
	"github.com/Kocoro-lab/touch/internal/streaming"
	"github.com/Kocoro-lab/touch/internal/tools"
)

type fakeTool struct {
	name  tools.Name
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, input string) (tools.Observation, error)
}

func (f *fakeTool) Name() tools.Name { return f.name }

func (f *fakeTool) Execute(ctx context.Context, input string) (tools.Observation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, input)
	f.mu.Unlock()
	return f.fn(ctx, input)
}

// script replays model replies in order and repeats the last one.
func script(replies ...string) (models.Service, *[]string) {
	var mu sync.Mutex
	var prompts []string
	i := 0
	return models.ServiceFunc(func(_ context.Context, msgs []models.Message, opts models.Options) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, msgs[len(msgs)-1].Content)
		r := replies[i]
		if i < len(replies)-1 {
			i++
		}
		return r, nil
	}), &prompts
}

type recorder struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *recorder) Emit(_ context.Context, ev streaming.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func loopConfig() config.LoopConfig {
	return config.LoopConfig{
		ToolTimeout: time.Second,
		Simple:      config.Budget{MaxIterations: 3, WallClock: 5 * time.Second},
		Complex:     config.Budget{MaxIterations: 5, WallClock: 10 * time.Second},
	}
}

func weatherResults(_ context.Context, q string) (tools.Observation, error) {
	return tools.Observation{Results: []tools.Result{
		{Title: "Tokyo forecast", URL: "https://weather.example/tokyo", Snippet: "Rain with highs of 18C.", Score: 0.9, HasScore: true},
		{Title: "JMA", URL: "https://jma.go.jp", Snippet: "Official observations.", Score: 0.7, HasScore: true},
	}}, nil
}

func TestRunFinishes(t *testing.T) {
	search := &fakeTool{name: tools.Search, fn: weatherResults}
	model, prompts := script(
		`{"action": "search", "input": "tokyo weather today"}`,
		"```json\n{\"action\": \"final\", \"answer\": \"It is rainy in Tokyo.\"}\n```",
	)
	rec := &recorder{}
	l := New(model, tools.NewRegistry(search), loopConfig(), zaptest.NewLogger(t))

	out := l.Run(context.Background(), Request{Query: "What's the weather today?", Kind: planner.KindSimple, Emitter: rec})

	assert.Equal(t, StateFinished, out.State)
	assert.Equal(t, "It is rainy in Tokyo.", out.Answer)
	assert.False(t, out.Recovered)
	require.Len(t, out.Invocations, 1)
	assert.Equal(t, 1, out.Invocations[0].Sequence)
	assert.Equal(t, []string{"tokyo weather today"}, search.calls)

	require.Len(t, rec.events, 1)
	step := rec.events[0].Data.(streaming.StepData)
	assert.Equal(t, 1, step.StepNumber)
	assert.Equal(t, 2, step.SourcesFound)
	assert.Equal(t, "tokyo weather today", step.SearchQuery)

	// The second prompt carries the observation.
	require.Len(t, *prompts, 2)
	assert.Contains(t, (*prompts)[1], "Tokyo forecast")
}

func TestRunProseIsFinalAnswer(t *testing.T) {
	model, _ := script("Paris is the capital of France.")
	l := New(model, tools.NewRegistry(), loopConfig(), zaptest.NewLogger(t))
	out := l.Run(context.Background(), Request{Query: "capital of France", Kind: planner.KindSimple})
	assert.Equal(t, StateFinished, out.State)
	assert.Equal(t, "Paris is the capital of France.", out.Answer)
	assert.Empty(t, out.Invocations)
}

func TestRunToolFailureContinues(t *testing.T) {
	fetch := &fakeTool{name: tools.Fetch, fn: func(context.Context, string) (tools.Observation, error) {
		return tools.Observation{}, errors.New("connection refused")
	}}
	search := &fakeTool{name: tools.Search, fn: weatherResults}
	model, prompts := script(
		`{"action": "fetch", "input": "https://down.example"}`,
		`{"action": "search", "input": "tokyo"}`,
		`{"action": "final", "answer": "Rainy."}`,
	)
	l := New(model, tools.NewRegistry(search, fetch), loopConfig(), zaptest.NewLogger(t))
	out := l.Run(context.Background(), Request{Query: "tokyo weather", Kind: planner.KindSimple})

	assert.Equal(t, StateFinished, out.State)
	require.Len(t, out.Invocations, 2)
	assert.True(t, out.Invocations[0].Failed)
	assert.Contains(t, out.Invocations[0].Error, "connection refused")
	assert.False(t, out.Invocations[1].Failed)
	assert.Contains(t, (*prompts)[1], "failed: ")
}

func TestRunUnknownToolIsFailedObservation(t *testing.T) {
	model, _ := script(`{"action": "calculator", "input": "2+2"}`, `{"action": "final", "answer": "4"}`)
	l := New(model, tools.NewRegistry(), loopConfig(), zaptest.NewLogger(t))
	out := l.Run(context.Background(), Request{Query: "2+2", Kind: planner.KindSimple})
	require.Len(t, out.Invocations, 1)
	assert.True(t, out.Invocations[0].Failed)
	assert.Equal(t, "4", out.Answer)
}

func TestRunToolTimeout(t *testing.T) {
	slow := &fakeTool{name: tools.Fetch, fn: func(ctx context.Context, _ string) (tools.Observation, error) {
		<-ctx.Done()
		return tools.Observation{}, ctx.Err()
	}}
	cfg := loopConfig()
	cfg.ToolTimeout = 20 * time.Millisecond
	model, _ := script(`{"action": "fetch", "input": "https://slow.example"}`, `{"action": "final", "answer": "gave up"}`)
	l := New(model, tools.NewRegistry(slow), cfg, zaptest.NewLogger(t))

	out := l.Run(context.Background(), Request{Query: "slow page", Kind: planner.KindSimple})
	require.Len(t, out.Invocations, 1)
	assert.True(t, out.Invocations[0].Failed)
	assert.Contains(t, out.Invocations[0].Error, "timed out")
	assert.Equal(t, StateFinished, out.State)
}

func TestRunExhaustedRecovers(t *testing.T) {
	page := strings.Repeat("Solar capacity grew quickly across the region. ", 20)
	fetch := &fakeTool{name: tools.Fetch, fn: func(context.Context, string) (tools.Observation, error) {
		return tools.Observation{Text: page, Title: "Energy report"}, nil
	}}
	model, prompts := script(`{"action": "fetch", "input": "https://energy.example"}`)
	l := New(model, tools.NewRegistry(fetch), loopConfig(), zaptest.NewLogger(t))

	out := l.Run(context.Background(), Request{Query: "solar growth", Kind: planner.KindSimple})

	assert.Equal(t, StateExhausted, out.State)
	assert.True(t, out.Recovered)
	assert.Len(t, out.Invocations, 3)
	assert.True(t, strings.HasPrefix(out.Answer, partialHeader))
	assert.Contains(t, out.Answer, "Solar capacity grew")
	assert.NotContains(t, strings.ToLower(out.Answer), "budget")
	// Budget is spent after three calls; one more round asks for the answer.
	assert.Contains(t, (*prompts)[len(*prompts)-1], "tool budget is spent")
}

func TestRunComplexUsesLargerBudget(t *testing.T) {
	search := &fakeTool{name: tools.Search, fn: weatherResults}
	model, prompts := script(`{"action": "search", "input": "eu policy"}`)
	l := New(model, tools.NewRegistry(search), loopConfig(), zaptest.NewLogger(t))

	out := l.Run(context.Background(), Request{
		Query:        "Compare renewable energy policy",
		Kind:         planner.KindComplex,
		SubQuestions: []string{"EU renewable policy 2026", "US renewable policy 2026"},
	})
	assert.Len(t, out.Invocations, 5)
	assert.Contains(t, (*prompts)[0], "EU renewable policy 2026")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	search := &fakeTool{name: tools.Search, fn: func(context.Context, string) (tools.Observation, error) {
		cancel()
		return tools.Observation{Text: "x"}, nil
	}}
	model, _ := script(`{"action": "search", "input": "q"}`)
	l := New(model, tools.NewRegistry(search), loopConfig(), zaptest.NewLogger(t))

	out := l.Run(ctx, Request{Query: "q", Kind: planner.KindComplex})
	assert.True(t, out.Cancelled)
	assert.Len(t, search.calls, 1)
}

func TestRunWallClock(t *testing.T) {
	cfg := loopConfig()
	cfg.Simple.WallClock = 30 * time.Millisecond
	cfg.Simple.MaxIterations = 100
	model := models.ServiceFunc(func(ctx context.Context, _ []models.Message, _ models.Options) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return `{"action": "search", "input": "again"}`, nil
		}
	})
	search := &fakeTool{name: tools.Search, fn: func(context.Context, string) (tools.Observation, error) {
		return tools.Observation{}, nil
	}}
	l := New(model, tools.NewRegistry(search), cfg, zaptest.NewLogger(t))

	out := l.Run(context.Background(), Request{Query: "loop forever", Kind: planner.KindSimple})
	assert.Equal(t, StateExhausted, out.State)
	assert.False(t, out.Cancelled)
	assert.Equal(t, NarrowQueryMessage, out.Answer)
}

func TestRecover(t *testing.T) {
	long := strings.Repeat("a", 800)
	invs := []tools.Invocation{
		{Tool: tools.Fetch, Failed: true, Error: "boom"},
		{Tool: tools.Fetch, Observation: tools.Observation{Text: "too short"}},
		{Tool: tools.Search, Observation: tools.Observation{Results: []tools.Result{
			{Title: "A", Snippet: "one"}, {Title: "B", Snippet: "two"}, {Title: "C", Snippet: "three"}, {Title: "D", Snippet: "four"},
		}}},
		{Tool: tools.Fetch, Observation: tools.Observation{Text: long}},
	}
	got := Recover(invs)
	assert.True(t, strings.HasPrefix(got, partialHeader))
	assert.Contains(t, got, "A: one")
	assert.Contains(t, got, "C: three")
	assert.NotContains(t, got, "D: four")
	assert.NotContains(t, got, "too short")
	assert.NotContains(t, got, strings.Repeat("a", 501))

	assert.Equal(t, NarrowQueryMessage, Recover(nil))
	assert.Equal(t, NarrowQueryMessage, Recover(invs[:2]))
}
