// Package tools holds the closed set of tools the research loop can call.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Name identifies a tool. The set is closed.
type Name string

const (
	Search Name = "search"
	Fetch  Name = "fetch"
)

// ParseName maps a model-supplied action to a tool.
func ParseName(s string) (Name, bool) {
	switch Name(strings.ToLower(strings.TrimSpace(s))) {
	case Search:
		return Search, true
	case Fetch:
		return Fetch, true
	}
	return "", false
}

// Result is one search hit as returned by a provider.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	// HasScore is false when the provider reported no relevance.
	HasScore bool `json:"-"`
}

// Observation is what a tool hands back to the loop. Search fills Results;
// fetch fills Text (and Title/URL when known).
type Observation struct {
	Results []Result
	Text    string
	Title   string
	URL     string
}

// String renders the observation for the model transcript.
func (o Observation) String() string {
	if len(o.Results) > 0 {
		var b strings.Builder
		for i, r := range o.Results {
			fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	if o.Title != "" {
		return o.Title + "\n" + o.Text
	}
	return o.Text
}

// Invocation records one tool call. The loop appends these and never
// rewrites them.
type Invocation struct {
	Sequence    int
	Tool        Name
	Input       string
	Observation Observation
	Failed      bool
	Error       string
	Duration    time.Duration
	StartedAt   time.Time
}

// Tool executes one call.
type Tool interface {
	Name() Name
	Execute(ctx context.Context, input string) (Observation, error)
}

// ToolError wraps a failed call.
type ToolError struct {
	Tool  Name
	Input string
	Err   error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s(%q): %v", e.Tool, e.Input, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Registry dispatches by tool name.
type Registry map[Name]Tool

func NewRegistry(tools ...Tool) Registry {
	r := make(Registry, len(tools))
	for _, t := range tools {
		r[t.Name()] = t
	}
	return r
}

// Execute runs the named tool. Unknown names and tool failures come back as
// *ToolError.
func (r Registry) Execute(ctx context.Context, name Name, input string) (Observation, error) {
	t, ok := r[name]
	if !ok {
		return Observation{}, &ToolError{Tool: name, Input: input, Err: fmt.Errorf("unknown tool")}
	}
	obs, err := t.Execute(ctx, input)
	if err != nil {
		return Observation{}, &ToolError{Tool: name, Input: input, Err: err}
	}
	return obs, nil
}
