// Package streaming turns a research run into an ordered stream of progress
// events ending in exactly one complete or error event.
package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Kocoro-lab/touch/internal/evidence"
)

type EventType string

const (
	TypeConnected      EventType = "connected"
	TypeResearchStep   EventType = "research_step"
	TypeSources        EventType = "sources"
	TypeStartSynthesis EventType = "start_synthesis"
	TypeContentChunk   EventType = "content_chunk"
	TypeComplete       EventType = "complete"
	TypeError          EventType = "error"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool { return t == TypeComplete || t == TypeError }

// Event is one progress item. Data holds the payload for Type.
type Event struct {
	Type      EventType
	Seq       uint64
	Timestamp time.Time
	Data      any
}

// MarshalJSON renders {"type", "data", "seq", "timestamp"}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      EventType `json:"type"`
		Data      any       `json:"data"`
		Seq       uint64    `json:"seq"`
		Timestamp string    `json:"timestamp"`
	}{e.Type, e.Data, e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano)})
}

type MessageData struct {
	Message string `json:"message"`
}

type StepData struct {
	StepNumber   int    `json:"step_number"`
	Description  string `json:"description"`
	SearchQuery  string `json:"search_query,omitempty"`
	SourcesFound int    `json:"sources_found"`
	Timestamp    string `json:"timestamp"`
}

type SourcesData struct {
	Sources []evidence.Source `json:"sources"`
}

type ChunkData struct {
	Chunk string `json:"chunk"`
}

type CompleteData struct {
	ConfidenceScore float64 `json:"confidence_score"`
	ProcessingTime  float64 `json:"processing_time"`
	ConversationID  string  `json:"conversation_id,omitempty"`
}

// ResearchStep builds a research_step event.
func ResearchStep(step int, description, query string, found int, at time.Time) Event {
	return Event{
		Type:      TypeResearchStep,
		Timestamp: at,
		Data: StepData{
			StepNumber:   step,
			Description:  description,
			SearchQuery:  query,
			SourcesFound: found,
			Timestamp:    at.UTC().Format(time.RFC3339),
		},
	}
}

// Emitter is how pipeline stages report progress.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }

// ChannelEmitter queues events on a bounded channel. Emit blocks while the
// channel is full and gives up when ctx is done.
type ChannelEmitter struct {
	ch chan Event
}

func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

func (c *ChannelEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case c.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the receive side.
func (c *ChannelEmitter) Events() <-chan Event { return c.ch }
