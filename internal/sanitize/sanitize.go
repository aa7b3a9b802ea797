// Package sanitize cleans untrusted text (search snippets, fetched pages)
// before it reaches a model prompt or a user.
package sanitize

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/touch/internal/metrics"
)

// Marker replaces redacted content.
const Marker = "[REDACTED]"

// DefaultMaxChars is the ceiling applied to a single piece of content.
const DefaultMaxChars = 5000

// Patterns are case-insensitive regular expressions. Tokens are replaced
// in place; a sentence containing any phrase is replaced as a whole.
type Patterns struct {
	Tokens  []string `yaml:"tokens"`
	Phrases []string `yaml:"phrases"`
}

// DefaultPatterns covers common prompt-injection phrasings and chat-template
// delimiters.
func DefaultPatterns() Patterns {
	return Patterns{
		Tokens: []string{
			`<\|im_(start|end)\|>`,
			`<\|(system|user|assistant|endoftext)\|>`,
			`\[/?INST\]`,
			`<</?SYS>>`,
			`(?m)^\s*#{2,}\s*(system|assistant|instruction)s?\s*:`,
		},
		Phrases: []string{
			`ignore\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules|directions)`,
			`disregard\s+(all\s+|any\s+)?(the\s+)?(previous|prior|above|earlier)`,
			`forget\s+(all\s+|everything\s+)?(your|the)\s+(previous\s+)?(instructions|rules)`,
			`reveal\s+(your|the)\s+(system\s+)?(prompt|instructions)`,
			`system\s+prompt`,
			`you\s+are\s+now\s+`,
			`new\s+instructions\s*:`,
			`pretend\s+(to\s+be|you\s+are)`,
			`act\s+as\s+(an?\s+)?(unfiltered|unrestricted|jailbroken)`,
			`jailbreak`,
			`developer\s+mode`,
			`\bDAN\s+mode\b`,
			`override\s+(your|the|all)\s+(safety|instructions|rules|guidelines)`,
		},
	}
}

// LoadPatterns reads a YAML pattern file; empty sections fall back to defaults.
func LoadPatterns(path string) (Patterns, error) {
	def := DefaultPatterns()
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read patterns %s: %w", path, err)
	}
	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return def, fmt.Errorf("parse patterns %s: %w", path, err)
	}
	if len(p.Tokens) == 0 {
		p.Tokens = def.Tokens
	}
	if len(p.Phrases) == 0 {
		p.Phrases = def.Phrases
	}
	return p, nil
}

// Sanitizer is safe for concurrent use.
type Sanitizer struct {
	maxChars int
	tokens   []*regexp.Regexp
	phrases  []*regexp.Regexp
}

func New(maxChars int, p Patterns) (*Sanitizer, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	s := &Sanitizer{maxChars: maxChars}
	for _, expr := range p.Tokens {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("token pattern %q: %w", expr, err)
		}
		s.tokens = append(s.tokens, re)
	}
	for _, expr := range p.Phrases {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("phrase pattern %q: %w", expr, err)
		}
		s.phrases = append(s.phrases, re)
	}
	return s, nil
}

// MustDefault builds a sanitizer with the built-in patterns.
func MustDefault() *Sanitizer {
	s, err := New(DefaultMaxChars, DefaultPatterns())
	if err != nil {
		panic(err)
	}
	return s
}

// Sanitize strips markup, decodes entities, normalizes whitespace, truncates
// to the ceiling and redacts injection content, in that order.
func (s *Sanitizer) Sanitize(text string) string {
	out, redacted := s.clean(text, s.maxChars)
	if redacted {
		metrics.InjectionRedactions.Inc()
	}
	return out
}

// SanitizeLimit is Sanitize with a per-call ceiling (snippets use a shorter one).
func (s *Sanitizer) SanitizeLimit(text string, maxChars int) string {
	if maxChars <= 0 || maxChars > s.maxChars {
		maxChars = s.maxChars
	}
	out, redacted := s.clean(text, maxChars)
	if redacted {
		metrics.InjectionRedactions.Inc()
	}
	return out
}

// Detected reports whether text contains anything that would be redacted.
func (s *Sanitizer) Detected(text string) bool {
	for _, re := range s.tokens {
		if re.MatchString(text) {
			return true
		}
	}
	for _, re := range s.phrases {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) clean(text string, maxChars int) (string, bool) {
	if text == "" {
		return "", false
	}
	plain, _ := StripHTML(text)
	plain = collapse(plain)
	plain = Truncate(plain, maxChars)
	return s.redact(plain)
}

func (s *Sanitizer) redact(text string) (string, bool) {
	redacted := false
	for _, re := range s.tokens {
		if re.MatchString(text) {
			redacted = true
			text = re.ReplaceAllString(text, Marker)
		}
	}

	sentences := splitSentences(text)
	var b strings.Builder
	for _, sentence := range sentences {
		if s.matchesPhrase(sentence) {
			redacted = true
			lead := sentence[:len(sentence)-len(strings.TrimLeft(sentence, " "))]
			trail := sentence[len(strings.TrimRight(sentence, " ")):]
			b.WriteString(lead)
			b.WriteString(Marker)
			b.WriteString(trail)
			continue
		}
		b.WriteString(sentence)
	}
	if !redacted {
		return text, false
	}
	return collapseMarkers(strings.TrimSpace(b.String())), true
}

func (s *Sanitizer) matchesPhrase(sentence string) bool {
	for _, re := range s.phrases {
		if re.MatchString(sentence) {
			return true
		}
	}
	return false
}

var sentenceEnd = regexp.MustCompile(`[.!?]+["')\]]*(\s+|$)`)

// splitSentences keeps separators attached so the pieces concatenate back
// to the input.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[last:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

var repeatedMarker = regexp.MustCompile(`(` + regexp.QuoteMeta(Marker) + `\s*){2,}`)

func collapseMarkers(s string) string {
	return strings.TrimSpace(repeatedMarker.ReplaceAllString(s, Marker+" "))
}

// collapse turns control characters into spaces and squeezes whitespace runs.
func collapse(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == unicode.ReplacementChar || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most maxLen runes, ending with "..." when cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return strings.TrimRightFunc(string(runes[:maxLen-3]), unicode.IsSpace) + "..."
}
