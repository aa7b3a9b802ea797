package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/touch/internal/evidence"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func assertOneTerminal(t *testing.T, events []Event) {
	t.Helper()
	terminals := 0
	for i, ev := range events {
		if ev.Type.Terminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestStreamShortQuery(t *testing.T) {
	c := NewCoordinator(time.Second, 8, zaptest.NewLogger(t))
	started := false
	events := collect(t, c.Stream(context.Background(), "ab", func(context.Context, Emitter) (Final, error) {
		started = true
		return Final{}, nil
	}))

	require.Len(t, events, 1)
	assert.Equal(t, TypeError, events[0].Type)
	assert.Equal(t, "Query too short", events[0].Data.(MessageData).Message)
	assert.False(t, started)
}

func TestStreamHappyPath(t *testing.T) {
	c := NewCoordinator(time.Second, 8, zaptest.NewLogger(t))
	run := func(ctx context.Context, emit Emitter) (Final, error) {
		now := time.Now()
		assert.NoError(t, emit.Emit(ctx, ResearchStep(1, "Searching the web", "tokyo weather", 3, now)))
		assert.NoError(t, emit.Emit(ctx, ResearchStep(2, "Reading a page", "", 0, now)))
		return Final{
			Answer:          "# Tokyo Weather\n\nRainy, 18°C.\n",
			Sources:         []evidence.Source{{Title: "JMA", URL: "https://jma.go.jp", RelevanceScore: 0.9}},
			ConfidenceScore: 0.71,
			ProcessingTime:  1.5,
		}, nil
	}

	events := collect(t, c.Stream(context.Background(), "What's the weather in Tokyo right now?", run))
	assert.Equal(t, []EventType{
		TypeConnected, TypeResearchStep, TypeResearchStep, TypeSources,
		TypeStartSynthesis, TypeContentChunk, TypeContentChunk, TypeComplete,
	}, types(events))
	assertOneTerminal(t, events)

	assert.Equal(t, "Stream connected", events[0].Data.(MessageData).Message)
	assert.Equal(t, 3, events[1].Data.(StepData).SourcesFound)
	assert.Equal(t, "# Tokyo Weather\n", events[5].Data.(ChunkData).Chunk)
	assert.Equal(t, 0.71, events[7].Data.(CompleteData).ConfidenceScore)
}

func TestStreamRunError(t *testing.T) {
	c := NewCoordinator(time.Second, 8, zaptest.NewLogger(t))
	events := collect(t, c.Stream(context.Background(), "query", func(context.Context, Emitter) (Final, error) {
		return Final{}, errors.New("boom")
	}))
	assert.Equal(t, []EventType{TypeConnected, TypeError}, types(events))
	assertOneTerminal(t, events)
}

func TestStreamRunPanic(t *testing.T) {
	c := NewCoordinator(time.Second, 8, zaptest.NewLogger(t))
	events := collect(t, c.Stream(context.Background(), "query", func(context.Context, Emitter) (Final, error) {
		panic("nil map")
	}))
	assert.Equal(t, []EventType{TypeConnected, TypeError}, types(events))
}

func TestStreamIdleTimeoutCancelsRun(t *testing.T) {
	c := NewCoordinator(50*time.Millisecond, 8, zaptest.NewLogger(t))
	cancelled := make(chan struct{})
	events := collect(t, c.Stream(context.Background(), "slow query", func(ctx context.Context, _ Emitter) (Final, error) {
		<-ctx.Done()
		close(cancelled)
		return Final{}, ctx.Err()
	}))

	assert.Equal(t, []EventType{TypeConnected, TypeError}, types(events))
	assert.Equal(t, timeoutMessage, events[1].Data.(MessageData).Message)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled")
	}
}

func TestStreamProgressResetsIdleTimer(t *testing.T) {
	c := NewCoordinator(80*time.Millisecond, 8, zaptest.NewLogger(t))
	events := collect(t, c.Stream(context.Background(), "steady query", func(ctx context.Context, emit Emitter) (Final, error) {
		for i := 1; i <= 4; i++ {
			time.Sleep(40 * time.Millisecond)
			_ = emit.Emit(ctx, ResearchStep(i, "step", "", 0, time.Now()))
		}
		return Final{Answer: "done"}, nil
	}))
	assert.Equal(t, TypeComplete, events[len(events)-1].Type)
}

func TestStreamConsumerDisconnect(t *testing.T) {
	c := NewCoordinator(time.Second, 1, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan struct{})
	ch := c.Stream(ctx, "query", func(runCtx context.Context, _ Emitter) (Final, error) {
		<-runCtx.Done()
		close(cancelled)
		return Final{}, runCtx.Err()
	})
	<-ch
	cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled after disconnect")
	}
	for range ch {
	}
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []string{"a\n", "b\n"}, Chunks("a\n\n\nb"))
	assert.Equal(t, []string{emptyAnswer}, Chunks("  \n"))
}

func TestEventJSON(t *testing.T) {
	ev := Event{Type: TypeContentChunk, Seq: 4, Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Data: ChunkData{Chunk: "x\n"}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"content_chunk","data":{"chunk":"x\n"},"seq":4,"timestamp":"2026-01-02T03:04:05Z"}`, string(b))
}
