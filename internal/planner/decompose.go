package planner

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/structured"
)

var (
	placeholderPattern = regexp.MustCompile(`(?i)[\{\[<]\s*(current[_ ]year|year)\s*[\}\]>]`)
	yearPattern        = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	listPrefix         = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)
)

// Decompose splits query into at most MaxSubQuestions focused questions,
// each anchored to a year. On any failure it returns []string{query}.
// year <= 0 means the current year.
func (p *Planner) Decompose(ctx context.Context, query string, year int) []string {
	if year <= 0 {
		year = p.now().Year()
	}
	anchor := strconv.Itoa(year)
	if y := yearPattern.FindString(query); y != "" {
		anchor = y
	}

	subs, err := p.modelDecompose(ctx, query, year)
	if err != nil {
		p.logger.Warn("Decomposition failed; using the original query", zap.Error(err))
		return []string{query}
	}
	cleaned := Clean(subs, anchor)
	if len(cleaned) == 0 {
		return []string{query}
	}
	return cleaned
}

func (p *Planner) modelDecompose(ctx context.Context, query string, year int) ([]string, error) {
	if p.model == nil {
		return nil, errNoModel
	}
	out, err := p.model.Generate(ctx, []models.Message{
		models.System(fmt.Sprintf(decomposePrompt, year, MaxSubQuestions)),
		models.User(query),
	}, models.Options{Purpose: models.PurposeDecompose})
	if err != nil {
		return nil, err
	}
	return structured.Extract[[]string](out)
}

// Clean trims, de-numbers, resolves year placeholders, anchors undated
// questions to year, de-duplicates and caps the list.
func Clean(subs []string, year string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, MaxSubQuestions)
	for _, s := range subs {
		s = strings.TrimSpace(listPrefix.ReplaceAllString(s, ""))
		if s == "" {
			continue
		}
		s = placeholderPattern.ReplaceAllString(s, year)
		if !yearPattern.MatchString(s) {
			s = anchorYear(s, year)
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == MaxSubQuestions {
			break
		}
	}
	return out
}

func anchorYear(s, year string) string {
	trimmed := strings.TrimRight(s, "?.! ")
	suffix := strings.TrimSpace(s[len(trimmed):])
	return trimmed + " in " + year + suffix
}

const decomposePrompt = `Break the research question into focused web-search sub-questions.
The current year is %d. Use it for anything time-sensitive; keep any year the user gave.
Return between 2 and %d sub-questions that together cover the question.

Respond with a JSON array of strings only.`
