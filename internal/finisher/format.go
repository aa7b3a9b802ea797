package finisher

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/sanitize"
)

const (
	DefaultHeading = "# Research Results"
	// maxTitleLine is the longest first line that is promoted to a heading.
	maxTitleLine   = 100
	sourceSnippet  = 150
	noAnswerText   = "No answer was generated."
)

var (
	sourcesSectionPattern = regexp.MustCompile(`(?im)^#{1,6}\s*(sources|references)\s*$`)
	titlePattern          = regexp.MustCompile(`^#[ \t]+\S`)
	blankRunPattern       = regexp.MustCompile(`\n{3,}`)
)

// Format guarantees the delivered structure: a leading heading, blank lines
// around headings, a Sources section when sources exist, and no runs of more
// than one blank line. Format(Format(x)) == Format(x).
func Format(answer string, sources []evidence.Source) string {
	answer = strings.TrimSpace(strings.ReplaceAll(answer, "\r\n", "\n"))
	if answer == "" {
		answer = noAnswerText
	}

	if !titlePattern.MatchString(answer) {
		first, rest, _ := strings.Cut(answer, "\n")
		first = strings.TrimSpace(first)
		// Lines that already start with '#' (sub-headings, "#1", hashtags)
		// stay as written under the generic title.
		if utf8.RuneCountInString(first) < maxTitleLine && !strings.HasPrefix(first, "#") &&
			!strings.HasSuffix(first, ":") && !listItem(first) {
			answer = "# " + strings.Trim(first, "*_ ") + "\n\n" + rest
		} else {
			answer = DefaultHeading + "\n\n" + answer
		}
	}

	answer = spaceHeadings(answer)

	if len(sources) > 0 && !sourcesSectionPattern.MatchString(answer) {
		answer = strings.TrimRight(answer, "\n") + "\n\n" + SourcesMarkdown(sources)
	}
	return strings.TrimSpace(blankRunPattern.ReplaceAllString(answer, "\n\n"))
}

func listItem(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") ||
		strings.HasPrefix(line, "|") || strings.HasPrefix(line, "```")
}

// spaceHeadings puts one blank line before and after every heading outside
// fenced code.
func spaceHeadings(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines)+8)
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		heading := !inFence && headingPattern.MatchString(line)
		if heading && len(out) > 0 && out[len(out)-1] != "" {
			out = append(out, "")
		}
		out = append(out, line)
		if heading && i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			out = append(out, "")
		}
	}
	return strings.Join(out, "\n")
}

// SourcesMarkdown renders the numbered Sources section.
func SourcesMarkdown(sources []evidence.Source) string {
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for i, s := range sources {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = "Untitled"
		}
		title = strings.NewReplacer("[", "(", "]", ")").Replace(title)
		fmt.Fprintf(&b, "%d. **[%s](%s)**\n", i+1, title, s.URL)
		if snippet := strings.TrimSpace(s.Snippet); snippet != "" {
			fmt.Fprintf(&b, "   *%s*\n", sanitize.Truncate(snippet, sourceSnippet))
		}
		b.WriteString("\n")
	}
	return b.String()
}
