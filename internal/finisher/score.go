package finisher

import (
	"math"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/planner"
)

// Confidence weights. They sum to 1 with the complex bonus included.
const (
	weightCount     = 0.30
	weightRelevance = 0.25
	weightLength    = 0.15
	weightCitations = 0.10
	weightDiversity = 0.10
	complexBonus    = 0.10

	saturationSources = 8
	saturationWords   = 500

	// NoEvidenceScore is the floor for a run that found no sources.
	NoEvidenceScore = 0.05
)

// Score rates how well answer is supported by sources, in [0,1].
func Score(sources []evidence.Source, answer string, kind planner.Kind) float64 {
	n := len(sources)
	if n == 0 {
		return NoEvidenceScore
	}

	count := math.Min(float64(n), saturationSources) / saturationSources

	var rel float64
	for _, s := range sources {
		rel += clamp(s.RelevanceScore)
	}
	rel /= float64(n)

	length := math.Min(float64(len(strings.Fields(answer))), saturationWords) / saturationWords

	cited := make(map[int]bool)
	for _, m := range citationNumberPattern.FindAllStringSubmatch(answer, -1) {
		if i, err := strconv.Atoi(m[1]); err == nil && i >= 1 && i <= n {
			cited[i] = true
		}
	}
	density := float64(len(cited)) / float64(n)

	score := weightCount*count +
		weightRelevance*rel +
		weightLength*length +
		weightCitations*density +
		weightDiversity*evidence.Diversity(sources)
	if kind == planner.KindComplex {
		score += complexBonus
	}
	return math.Round(clamp(score)*100) / 100
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
