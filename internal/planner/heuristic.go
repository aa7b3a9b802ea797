package planner

import (
	"errors"
	"regexp"
	"strings"
)

var errNoModel = errors.New("no model service configured")

var (
	simpleSignals = []*regexp.Regexp{
		regexp.MustCompile(`\b(right now|currently|current|today|tonight|latest|live|real[- ]time)\b`),
		regexp.MustCompile(`\b(price|prices|weather|temperature|forecast|score|exchange rate|stock)\b`),
		regexp.MustCompile(`^(who|what|when|where)('s| is| was| are)\b`),
		regexp.MustCompile(`^(is|are|does|do|did|can|was|will|has)\s`),
	}
	complexSignals = []*regexp.Regexp{
		regexp.MustCompile(`\b(compare|comparing|comparison|versus|vs\.?|differences? between)\b`),
		regexp.MustCompile(`\b(analy[sz]e|analysis|impacts?|implications?|effects? of|pros and cons|trade-?offs?|evaluate)\b`),
		regexp.MustCompile(`\b(across|trends?|history of|evolution of|policies|policy)\b`),
		regexp.MustCompile(`^(why|explain|how does|how do|how did|how has|how have|how will)\b`),
	}
)

// Heuristic applies the keyword rule. matched is false when no signal
// fires or both kinds fire equally.
func Heuristic(query string) (Kind, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	simple, complex := 0, 0
	for _, re := range simpleSignals {
		if re.MatchString(q) {
			simple++
		}
	}
	for _, re := range complexSignals {
		if re.MatchString(q) {
			complex++
		}
	}
	if len(strings.Fields(q)) > 25 {
		complex++
	}
	switch {
	case complex > simple:
		return KindComplex, true
	case simple > complex:
		return KindSimple, true
	}
	return "", false
}
