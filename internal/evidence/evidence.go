// Package evidence turns tool invocations into the citable source list.
package evidence

import (
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/Kocoro-lab/touch/internal/sanitize"
	"github.com/Kocoro-lab/touch/internal/tools"
)

const (
	// MaxSources caps the source list of a run.
	MaxSources = 8
	// DefaultRelevance applies when a provider reports no score.
	DefaultRelevance = 0.5
)

// Source is a citable search hit.
type Source struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Collector extracts sources. The zero value is not usable; use New.
type Collector struct {
	sanitizer *sanitize.Sanitizer
	max       int
}

func New(s *sanitize.Sanitizer) *Collector {
	if s == nil {
		s = sanitize.MustDefault()
	}
	return &Collector{sanitizer: s, max: MaxSources}
}

// Extract walks invocations in order and keeps search results that have a
// title and URL. Duplicates by normalized URL keep their first occurrence.
// Output order is first-observed order; the list holds at most MaxSources.
func (c *Collector) Extract(invocations []tools.Invocation) []Source {
	seen := make(map[string]bool)
	out := make([]Source, 0, c.max)
	for _, inv := range invocations {
		if inv.Tool != tools.Search || inv.Failed {
			continue
		}
		for _, r := range inv.Observation.Results {
			title := strings.TrimSpace(r.Title)
			link := strings.TrimSpace(r.URL)
			if title == "" || link == "" {
				continue
			}
			key := NormalizeURL(link)
			if seen[key] {
				continue
			}
			seen[key] = true

			rel := DefaultRelevance
			if r.HasScore {
				rel = NormalizeRelevance(r.Score)
			}
			out = append(out, Source{
				Title:          c.sanitizer.SanitizeLimit(title, 300),
				URL:            link,
				Snippet:        c.sanitizer.SanitizeLimit(r.Snippet, 600),
				RelevanceScore: rel,
			})
			if len(out) == c.max {
				return out
			}
		}
	}
	return out
}

// Rank returns a copy ordered by relevance (stable, highest first). It is
// used when building prompts; Extract's order is what users see.
func Rank(sources []Source) []Source {
	ranked := append([]Source(nil), sources...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})
	return ranked
}

// NormalizeRelevance maps a provider score into [0,1]. Scores already in
// range are kept; larger scores are squashed with x/(1+x).
func NormalizeRelevance(score float64) float64 {
	switch {
	case math.IsNaN(score) || score <= 0:
		return 0
	case score <= 1:
		return score
	case math.IsInf(score, 1):
		return 1
	}
	return score / (1 + score)
}

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid", "ref", "source",
}

// NormalizeURL returns the deduplication key for a URL. Unparseable input
// is returned lowercased and trimmed.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		for _, p := range trackingParams {
			q.Del(p)
		}
		u.RawQuery = q.Encode()
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// ExtractDomain returns the host without port or www. prefix.
func ExtractDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Diversity is distinct domains over source count (0 for none).
func Diversity(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	domains := make(map[string]bool)
	for _, s := range sources {
		domains[ExtractDomain(s.URL)] = true
	}
	return float64(len(domains)) / float64(len(sources))
}
