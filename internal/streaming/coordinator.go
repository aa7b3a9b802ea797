package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/metrics"
)

const (
	// MinQueryLength is the shortest query a stream accepts.
	MinQueryLength = 3

	DefaultIdleTimeout = 30 * time.Second

	emptyAnswer    = "No content was generated."
	faultMessage   = "An unexpected error occurred while researching your question. Please try again."
	timeoutMessage = "Research timed out while waiting for progress. Please try again or narrow your query."
)

// Final is what a run hands back to the coordinator.
type Final struct {
	Answer          string
	Sources         []evidence.Source
	ConfidenceScore float64
	ProcessingTime  float64
	ConversationID  string
}

// RunFunc executes one research run, reporting progress through emit.
type RunFunc func(ctx context.Context, emit Emitter) (Final, error)

type Coordinator struct {
	idleTimeout time.Duration
	buffer      int
	logger      *zap.Logger
	now         func() time.Time
}

func NewCoordinator(idleTimeout time.Duration, buffer int, logger *zap.Logger) *Coordinator {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{idleTimeout: idleTimeout, buffer: buffer, logger: logger, now: time.Now}
}

// Stream validates query, starts run in its own goroutine and returns the
// ordered event stream. The channel closes after the terminal event, or
// early if ctx ends (the consumer went away), which also cancels the run.
func (c *Coordinator) Stream(ctx context.Context, query string, run RunFunc) <-chan Event {
	out := make(chan Event, c.buffer)
	go c.relay(ctx, query, run, out)
	return out
}

type outcome struct {
	final Final
	err   error
}

func (c *Coordinator) relay(ctx context.Context, query string, run RunFunc, out chan<- Event) {
	defer close(out)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	var seq uint64
	send := func(ev Event) bool {
		seq++
		ev.Seq = seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = c.now()
		}
		select {
		case out <- ev:
			metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
			return true
		case <-ctx.Done():
			return false
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(query)) < MinQueryLength {
		send(Event{Type: TypeError, Data: MessageData{Message: "Query too short"}})
		return
	}
	if !send(Event{Type: TypeConnected, Data: MessageData{Message: "Stream connected"}}) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	progress := NewChannelEmitter(c.buffer)
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Research run panicked", zap.Any("panic", r), zap.Stack("stack"))
				done <- outcome{err: fmt.Errorf("run panicked: %v", r)}
			}
		}()
		final, err := run(runCtx, progress)
		done <- outcome{final: final, err: err}
	}()

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.idleTimeout)
	}

	forward := func(ev Event) bool {
		if ev.Type.Terminal() || ev.Type == TypeConnected {
			// Only the coordinator opens and closes a stream.
			return true
		}
		return send(ev)
	}

	for {
		select {
		case ev := <-progress.Events():
			if !forward(ev) {
				return
			}
			resetIdle()
		case res := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-progress.Events():
					if !forward(ev) {
						return
					}
				default:
					drained = true
				}
			}
			c.finish(ctx, res, send)
			return
		case <-idle.C:
			cancel()
			c.logger.Warn("Stream idle timeout; cancelling run",
				zap.Duration("idle_timeout", c.idleTimeout))
			send(Event{Type: TypeError, Data: MessageData{Message: timeoutMessage}})
			return
		case <-ctx.Done():
			c.logger.Info("Stream consumer disconnected; cancelling run")
			return
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, res outcome, send func(Event) bool) {
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) && ctx.Err() != nil {
			return
		}
		c.logger.Error("Research run failed", zap.Error(res.err))
		send(Event{Type: TypeError, Data: MessageData{Message: faultMessage}})
		return
	}

	f := res.final
	if len(f.Sources) > 0 {
		if !send(Event{Type: TypeSources, Data: SourcesData{Sources: f.Sources}}) {
			return
		}
	}
	if !send(Event{Type: TypeStartSynthesis, Data: MessageData{Message: "Synthesizing research findings..."}}) {
		return
	}
	for _, chunk := range Chunks(f.Answer) {
		if !send(Event{Type: TypeContentChunk, Data: ChunkData{Chunk: chunk}}) {
			return
		}
	}
	send(Event{Type: TypeComplete, Data: CompleteData{
		ConfidenceScore: f.ConfidenceScore,
		ProcessingTime:  f.ProcessingTime,
		ConversationID:  f.ConversationID,
	}})
}

// Chunks splits an answer into one chunk per non-empty line, each ending in
// a newline. An empty answer yields a single placeholder chunk.
func Chunks(answer string) []string {
	var chunks []string
	for _, line := range strings.Split(answer, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		chunks = append(chunks, line+"\n")
	}
	if len(chunks) == 0 {
		return []string{emptyAnswer}
	}
	return chunks
}
