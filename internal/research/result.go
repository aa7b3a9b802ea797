package research

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/planner"
	"github.com/Kocoro-lab/touch/internal/streaming"
	"github.com/Kocoro-lab/touch/internal/toolloop"
	"github.com/Kocoro-lab/touch/internal/tools"
)

// MaxQueryLength bounds an accepted query, in runes.
const MaxQueryLength = 500

type Status string

const (
	StatusOK Status = "ok"
	// StatusBlocked means the input check rejected the query.
	StatusBlocked Status = "blocked"
	// StatusWithheld means the output check replaced the answer.
	StatusWithheld Status = "withheld"
	StatusError    Status = "error"
)

const faultMessage = "I apologize, but I encountered an error while researching your question. Please try again."

var ErrInvalidQuery = errors.New("invalid query")

// ValidateQuery checks the length bounds of a submitted query.
func ValidateQuery(query string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(query))
	if n == 0 {
		return fmt.Errorf("%w: query must not be empty", ErrInvalidQuery)
	}
	if n > MaxQueryLength {
		return fmt.Errorf("%w: query must be at most %d characters", ErrInvalidQuery, MaxQueryLength)
	}
	return nil
}

// Step is the user-facing summary of one tool invocation.
type Step struct {
	StepNumber   int       `json:"step_number"`
	Description  string    `json:"description"`
	SearchQuery  string    `json:"search_query,omitempty"`
	SourcesFound int       `json:"sources_found"`
	Timestamp    time.Time `json:"timestamp"`
}

// RunResult is the immutable outcome of one run. Classification is nil for
// blocked and failed runs.
type RunResult struct {
	Query           string                  `json:"query"`
	Answer          string                  `json:"answer"`
	Sources         []evidence.Source       `json:"sources"`
	Steps           []Step                  `json:"research_steps"`
	ProcessingTime  time.Duration           `json:"-"`
	ConfidenceScore float64                 `json:"confidence_score"`
	Classification  *planner.Classification `json:"classification,omitempty"`
	Status          Status                  `json:"status"`
}

// Seconds is ProcessingTime as fractional seconds.
func (r RunResult) Seconds() float64 {
	return float64(r.ProcessingTime.Microseconds()) / 1e6
}

// Final converts a result into the stream's closing payload.
func (r RunResult) Final(conversationID string) streaming.Final {
	return streaming.Final{
		Answer:          r.Answer,
		Sources:         r.Sources,
		ConfidenceScore: r.ConfidenceScore,
		ProcessingTime:  r.Seconds(),
		ConversationID:  conversationID,
	}
}

func stepsFrom(invs []tools.Invocation) []Step {
	steps := make([]Step, 0, len(invs))
	for _, inv := range invs {
		desc, query, found := toolloop.Describe(inv)
		steps = append(steps, Step{
			StepNumber:   inv.Sequence,
			Description:  desc,
			SearchQuery:  query,
			SourcesFound: found,
			Timestamp:    inv.StartedAt.UTC(),
		})
	}
	return steps
}

func blockedResult(query, message string, elapsed time.Duration) RunResult {
	return RunResult{
		Query:          query,
		Answer:         message,
		Sources:        []evidence.Source{},
		Steps:          []Step{},
		ProcessingTime: elapsed,
		Status:         StatusBlocked,
	}
}

func faultResult(query string, elapsed time.Duration) RunResult {
	return RunResult{
		Query:          query,
		Answer:         faultMessage,
		Sources:        []evidence.Source{},
		Steps:          []Step{},
		ProcessingTime: elapsed,
		Status:         StatusError,
	}
}
