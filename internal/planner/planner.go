// Package planner classifies queries and splits complex ones into
// sub-questions.
package planner

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/metrics"
	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/structured"
)

type Kind string

const (
	KindSimple  Kind = "simple"
	KindComplex Kind = "complex"
)

// Classification sources.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
	SourceFallback  = "fallback"
)

// MaxSubQuestions caps decomposition output.
const MaxSubQuestions = 5

// Confidence below which a matching heuristic overrides the model.
const modelTrustThreshold = 0.6

type Classification struct {
	Kind                  Kind    `json:"classification"`
	Reasoning             string  `json:"reasoning"`
	Confidence            float64 `json:"confidence"`
	RequiresDecomposition bool    `json:"requires_decomposition"`
	Source                string  `json:"-"`
}

// Fallback is used when neither the model nor the heuristic can decide.
func Fallback() Classification {
	return Classification{
		Kind:                  KindComplex,
		Reasoning:             "Classification unavailable; treating the query as complex.",
		Confidence:            0.5,
		RequiresDecomposition: true,
		Source:                SourceFallback,
	}
}

type Planner struct {
	model  models.Service
	logger *zap.Logger
	now    func() time.Time
}

func New(model models.Service, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{model: model, logger: logger, now: time.Now}
}

// Classify never fails; see Fallback.
func (p *Planner) Classify(ctx context.Context, query string) Classification {
	c := p.classify(ctx, query)
	metrics.Classifications.WithLabelValues(string(c.Kind), c.Source).Inc()
	return c
}

func (p *Planner) classify(ctx context.Context, query string) Classification {
	hKind, hMatched := Heuristic(query)

	mc, err := p.modelClassify(ctx, query)
	if err != nil {
		p.logger.Warn("Model classification failed",
			zap.Bool("heuristic_matched", hMatched),
			zap.Error(err),
		)
		if hMatched {
			return heuristicResult(hKind)
		}
		return Fallback()
	}
	if hMatched && hKind != mc.Kind && mc.Confidence < modelTrustThreshold {
		p.logger.Debug("Heuristic overrides low-confidence model classification",
			zap.String("model", string(mc.Kind)),
			zap.Float64("confidence", mc.Confidence),
			zap.String("heuristic", string(hKind)),
		)
		return heuristicResult(hKind)
	}
	return mc
}

func heuristicResult(k Kind) Classification {
	reason := "Matches patterns of a direct factual or real-time lookup."
	if k == KindComplex {
		reason = "Matches patterns of a comparative or analytical question."
	}
	return Classification{
		Kind:                  k,
		Reasoning:             reason,
		Confidence:            0.7,
		RequiresDecomposition: k == KindComplex,
		Source:                SourceHeuristic,
	}
}

func (p *Planner) modelClassify(ctx context.Context, query string) (Classification, error) {
	if p.model == nil {
		return Classification{}, errNoModel
	}
	out, err := p.model.Generate(ctx, []models.Message{
		models.System(classifyPrompt),
		models.User(query),
	}, models.Options{Purpose: models.PurposeClassify, JSON: true})
	if err != nil {
		return Classification{}, err
	}
	raw, err := structured.Extract[struct {
		Classification string  `json:"classification"`
		Reasoning      string  `json:"reasoning"`
		Confidence     float64 `json:"confidence"`
	}](out)
	if err != nil {
		return Classification{}, err
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(raw.Classification)))
	if kind != KindSimple && kind != KindComplex {
		return Classification{}, &structured.ParseError{Raw: out, Reason: "unknown classification " + raw.Classification}
	}
	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return Classification{
		Kind:                  kind,
		Reasoning:             raw.Reasoning,
		Confidence:            conf,
		RequiresDecomposition: kind == KindComplex,
		Source:                SourceModel,
	}, nil
}

const classifyPrompt = `Classify the research question.

simple: a single fact or a live value (current price, weather, score, date, a definition,
who/what/when/where), answerable from one or two searches.
complex: comparison, analysis, causes or impact, multi-part or multi-entity questions that
need several searches to cover.

Respond with JSON only:
{"classification": "simple" | "complex", "reasoning": "one sentence", "confidence": 0.0-1.0}`
