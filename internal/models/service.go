// Package models is the boundary to the language model service.
package models

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Purpose labels a call for metrics and logs.
type Purpose string

const (
	PurposeSafetyInput  Purpose = "safety_input"
	PurposeSafetyOutput Purpose = "safety_output"
	PurposeClassify     Purpose = "classify"
	PurposeDecompose    Purpose = "decompose"
	PurposeDecide       Purpose = "decide"
	PurposeSynthesize   Purpose = "synthesize"
	PurposeCite         Purpose = "cite"
)

type Options struct {
	Purpose Purpose
	// Temperature overrides the configured default when set; see Temp.
	Temperature *float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Temp returns an Options.Temperature value. Temp(0) requests
// deterministic sampling.
func Temp(v float64) *float64 { return &v }

// Service generates a completion for a conversation.
type Service interface {
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, messages []Message, opts Options) (string, error)

func (f ServiceFunc) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	return f(ctx, messages, opts)
}

// ErrorKind classifies model failures.
type ErrorKind string

const (
	KindQuota     ErrorKind = "quota"
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed"
	KindTransport ErrorKind = "transport"
	KindConfig    ErrorKind = "config"
)

// ModelError is returned by Service implementations.
type ModelError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *ModelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model %s error (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("model %s error: %v", e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// KindOf returns the kind of a model error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var me *ModelError
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// System and User build messages.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }
