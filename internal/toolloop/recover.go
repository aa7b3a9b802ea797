package toolloop

import (
	"strings"

	"github.com/Kocoro-lab/touch/internal/sanitize"
	"github.com/Kocoro-lab/touch/internal/tools"
)

const (
	// minInformative is the length a text observation must exceed to be used.
	minInformative = 200
	textExcerpt    = 500
	snippetsPerHit = 3

	partialHeader = "Here are partial results gathered before the research limit was reached:"
	// NarrowQueryMessage is returned when nothing usable was observed.
	NarrowQueryMessage = "I wasn't able to gather enough information to answer this question. Please try narrowing your query or asking about a more specific aspect."
)

// Recover assembles a best-effort answer from the observations a run
// collected before it ran out of budget.
func Recover(invs []tools.Invocation) string {
	var parts []string
	for _, inv := range invs {
		if inv.Failed {
			continue
		}
		obs := inv.Observation
		if len(obs.Results) > 0 {
			for i, r := range obs.Results {
				if i == snippetsPerHit {
					break
				}
				snippet := strings.TrimSpace(r.Snippet)
				if snippet == "" {
					continue
				}
				if r.Title != "" {
					snippet = r.Title + ": " + snippet
				}
				parts = append(parts, "- "+snippet)
			}
			continue
		}
		text := strings.TrimSpace(obs.Text)
		if len([]rune(text)) > minInformative {
			parts = append(parts, "- "+sanitize.Truncate(text, textExcerpt))
		}
	}
	if len(parts) == 0 {
		return NarrowQueryMessage
	}
	return partialHeader + "\n\n" + strings.Join(parts, "\n")
}
