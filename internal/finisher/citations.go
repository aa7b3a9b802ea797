// Package finisher turns a raw synthesized answer into the delivered
// markdown: inline citations, a guaranteed structure and a confidence score.
package finisher

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/models"
)

var (
	citationNumberPattern = regexp.MustCompile(`\[(\d{1,3})\]`)
	citationStripPattern  = regexp.MustCompile(`\s*\[\d{1,3}\]`)
	sentenceEndPattern    = regexp.MustCompile(`[.!?]+(\s|$)`)
	headingPattern        = regexp.MustCompile(`^#{1,6}\s`)
)

const (
	// heuristicEvery places one marker per this many sentences.
	heuristicEvery = 3
	// maxEditRatio is how far the cited text may drift from the original
	// once markers are removed.
	maxEditRatio = 0.05
)

type Finisher struct {
	model  models.Service
	logger *zap.Logger
}

func New(model models.Service, logger *zap.Logger) *Finisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finisher{model: model, logger: logger}
}

// AddCitations asks the model to place [n] markers that refer to sources.
// An answer that already carries markers is kept. When the model fails, returns no markers, or rewrites the prose, markers
// are placed heuristically instead.
func (f *Finisher) AddCitations(ctx context.Context, answer string, sources []evidence.Source) string {
	if len(sources) == 0 || strings.TrimSpace(answer) == "" {
		return answer
	}
	if citationNumberPattern.MatchString(answer) {
		// Already cited while answering; only drop numbers with no source.
		return removeInvalidCitations(answer, len(sources))
	}
	if f.model != nil {
		cited, err := f.modelCitations(ctx, answer, sources)
		if err == nil {
			return cited
		}
		f.logger.Info("Falling back to heuristic citations", zap.Error(err))
	}
	return HeuristicCitations(answer, len(sources))
}

func (f *Finisher) modelCitations(ctx context.Context, answer string, sources []evidence.Source) (string, error) {
	out, err := f.model.Generate(ctx, []models.Message{
		models.System(citationPrompt),
		models.User(citationUserContent(answer, sources)),
	}, models.Options{Purpose: models.PurposeCite, Temperature: models.Temp(0)})
	if err != nil {
		return "", err
	}
	cited := extractCitedReport(out)
	if cited == "" {
		cited = strings.TrimSpace(out)
	}
	if !citationNumberPattern.MatchString(cited) {
		return "", fmt.Errorf("no citation markers in response")
	}
	cited = removeInvalidCitations(cited, len(sources))
	if !citationNumberPattern.MatchString(cited) {
		return "", fmt.Errorf("all citation markers out of range")
	}
	if ratio := editRatio(answer, citationStripPattern.ReplaceAllString(cited, "")); ratio > maxEditRatio {
		return "", fmt.Errorf("content modified (edit_distance=%.2f%%)", ratio*100)
	}
	return cited, nil
}

const citationPrompt = `You add citations to a research answer.
Insert bracketed source numbers such as [1] or [2] right after the claims they support.
Only use numbers from the source list. Do not change any other text.
Return the full answer inside <cited_report></cited_report> tags.`

func citationUserContent(answer string, sources []evidence.Source) string {
	var sb strings.Builder
	sb.WriteString("## Available Citations:\n")
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n", i+1, s.Title, s.URL)
		if s.Snippet != "" {
			fmt.Fprintf(&sb, "    Content: %s\n", s.Snippet)
		}
	}
	sb.WriteString("\n## Report to Cite:\n")
	sb.WriteString(answer)
	return sb.String()
}

func extractCitedReport(response string) string {
	const startTag, endTag = "<cited_report>", "</cited_report>"
	start := strings.Index(response, startTag)
	end := strings.LastIndex(response, endTag)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(response[start+len(startTag) : end])
}

func removeInvalidCitations(cited string, max int) string {
	return citationStripPattern.ReplaceAllStringFunc(cited, func(m string) string {
		n, _ := strconv.Atoi(citationNumberPattern.FindStringSubmatch(m)[1])
		if n < 1 || n > max {
			return ""
		}
		return m
	})
}

// HeuristicCitations inserts a marker before the end punctuation of every
// third sentence, rotating through source numbers 1..n. Headings, tables and
// code blocks are left alone. Text shorter than three sentences gets one
// marker on its last sentence.
func HeuristicCitations(answer string, n int) string {
	if n <= 0 {
		return answer
	}
	type end struct{ line, pos int }
	lines := strings.Split(answer, "\n")
	var ends []end
	inFence := false
	for li, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" || headingPattern.MatchString(trimmed) || strings.HasPrefix(trimmed, "|") {
			continue
		}
		for _, m := range sentenceEndPattern.FindAllStringIndex(line, -1) {
			ends = append(ends, end{li, m[0]})
		}
	}
	if len(ends) == 0 {
		return answer
	}

	var picked []end
	for i := heuristicEvery - 1; i < len(ends); i += heuristicEvery {
		picked = append(picked, ends[i])
	}
	if len(picked) == 0 {
		picked = append(picked, ends[len(ends)-1])
	}
	// Insert back to front so earlier positions stay valid.
	for i := len(picked) - 1; i >= 0; i-- {
		e := picked[i]
		l := lines[e.line]
		lines[e.line] = l[:e.pos] + fmt.Sprintf(" [%d]", i%n+1) + l[e.pos:]
	}
	return strings.Join(lines, "\n")
}

// editRatio is the Levenshtein distance between the normalized texts over
// the longer length. Very long texts are compared by length only.
func editRatio(a, b string) float64 {
	na, nb := normalizeForComparison(a), normalizeForComparison(b)
	ra, rb := []rune(na), []rune(nb)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	if longest > 10000 {
		d := len(ra) - len(rb)
		if d < 0 {
			d = -d
		}
		return float64(d) / float64(longest)
	}
	return float64(levenshtein.ComputeDistance(na, nb)) / float64(longest)
}

var spaceRun = regexp.MustCompile(`[ \t]+`)

func normalizeForComparison(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	s = spaceRun.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}
