// Package safety screens queries before research and answers before delivery.
package safety

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/metrics"
	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/structured"
)

const (
	StageInput  = "input"
	StageOutput = "output"
)

// Fixed user-facing messages.
const (
	UnverifiedMessage = "I couldn't verify that this request is safe to research right now. Please try again in a moment."
	RefusalMessage    = "This response was withheld because it did not meet the content policy. Please try rephrasing your question."
)

// Verdict is the outcome of a check. For a rejected output, Replacement is
// the text to deliver instead; Filtered means it came from the checker and
// sources may be kept.
type Verdict struct {
	Allowed     bool
	Message     string
	Categories  []string
	Replacement string
	Filtered    bool
	// Layer is policy, model, fail_closed or fail_open.
	Layer string
}

type judgment struct {
	IsSafe          *bool    `json:"is_safe"`
	Reason          string   `json:"reason"`
	Confidence      float64  `json:"confidence"`
	RiskCategories  []string `json:"risk_categories"`
	SafeAlternative string   `json:"safe_alternative"`
	FilteredText    string   `json:"filtered_text"`
}

// Gate runs the policy pre-screen then asks the model. A model failure
// rejects input and lets output through; neither is retried.
type Gate struct {
	model  models.Service
	policy *Policy
	logger *zap.Logger
}

func NewGate(model models.Service, policy *Policy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{model: model, policy: policy, logger: logger}
}

func (g *Gate) CheckInput(ctx context.Context, query string) Verdict {
	v := g.check(ctx, StageInput, query)
	metrics.SafetyDecisions.WithLabelValues(StageInput, outcome(v), v.Layer).Inc()
	return v
}

func (g *Gate) CheckOutput(ctx context.Context, answer string) Verdict {
	v := g.check(ctx, StageOutput, answer)
	metrics.SafetyDecisions.WithLabelValues(StageOutput, outcome(v), v.Layer).Inc()
	return v
}

func (g *Gate) check(ctx context.Context, stage, text string) Verdict {
	if g.policy != nil {
		d, err := g.policy.Evaluate(ctx, stage, text)
		if err != nil {
			g.logger.Error("Safety policy evaluation failed", zap.String("stage", stage), zap.Error(err))
		} else if !d.Allow {
			g.logger.Info("Safety policy denied",
				zap.String("stage", stage),
				zap.Strings("categories", d.Categories),
			)
			return g.reject(stage, "policy", d.Categories, "", "")
		}
	}

	j, err := g.judge(ctx, stage, text)
	if err != nil {
		if stage == StageInput {
			g.logger.Warn("Input safety check unavailable; rejecting", zap.Error(err))
			return Verdict{Allowed: false, Message: UnverifiedMessage, Layer: "fail_closed"}
		}
		g.logger.Warn("Output safety check unavailable; delivering answer", zap.Error(err))
		return Verdict{Allowed: true, Layer: "fail_open"}
	}
	if *j.IsSafe {
		return Verdict{Allowed: true, Layer: "model"}
	}
	g.logger.Info("Safety model flagged content",
		zap.String("stage", stage),
		zap.Strings("categories", j.RiskCategories),
		zap.String("reason", j.Reason),
	)
	return g.reject(stage, "model", j.RiskCategories, j.SafeAlternative, j.FilteredText)
}

func (g *Gate) reject(stage, layer string, categories []string, alternative, filtered string) Verdict {
	v := Verdict{Allowed: false, Categories: categories, Layer: layer}
	if stage == StageInput {
		v.Message = rejectionMessage(categories, alternative)
		return v
	}
	if strings.TrimSpace(filtered) != "" {
		v.Replacement = filtered
		v.Filtered = true
	} else {
		v.Replacement = RefusalMessage
	}
	v.Message = v.Replacement
	return v
}

func (g *Gate) judge(ctx context.Context, stage, text string) (judgment, error) {
	if g.model == nil {
		return judgment{}, fmt.Errorf("no safety model configured")
	}
	prompt := inputPrompt
	purpose := models.PurposeSafetyInput
	if stage == StageOutput {
		prompt = outputPrompt
		purpose = models.PurposeSafetyOutput
	}
	out, err := g.model.Generate(ctx, []models.Message{
		models.System(prompt),
		models.User(text),
	}, models.Options{Purpose: purpose, Temperature: models.Temp(0), JSON: true})
	if err != nil {
		return judgment{}, err
	}
	j, err := structured.Extract[judgment](out)
	if err != nil {
		return judgment{}, err
	}
	if j.IsSafe == nil {
		return judgment{}, &structured.ParseError{Raw: out, Reason: "missing is_safe"}
	}
	return j, nil
}

func rejectionMessage(categories []string, alternative string) string {
	var b strings.Builder
	b.WriteString("I can't help with this request")
	if len(categories) > 0 {
		plain := make([]string, len(categories))
		for i, c := range categories {
			plain[i] = strings.ReplaceAll(strings.TrimSpace(c), "_", " ")
		}
		b.WriteString(" because it involves ")
		b.WriteString(joinPlain(plain))
	} else {
		b.WriteString(" because it was flagged as potentially harmful")
	}
	b.WriteString(".")
	if alt := strings.TrimSpace(alternative); alt != "" {
		b.WriteString(" You could instead ask: ")
		b.WriteString(alt)
	}
	return b.String()
}

func joinPlain(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

func outcome(v Verdict) string {
	if v.Allowed {
		return "allowed"
	}
	return "rejected"
}

const inputPrompt = `You screen research questions before any web research happens.
Decide whether researching the question could facilitate serious harm (weapons, violent
wrongdoing, self-harm, sexual content involving minors, targeted harassment, clearly illegal
activity). Ordinary questions about news, science, prices, policy, health or history are safe.

Respond with JSON only:
{"is_safe": true|false, "reason": "...", "confidence": 0.0-1.0,
 "risk_categories": ["..."], "safe_alternative": "a safer related question, or empty"}`

const outputPrompt = `You review a research answer before it is shown to a user.
Flag it only if it gives actionable instructions for serious harm or contains hateful or
sexual content involving minors. Factual, cited reporting on sensitive topics is acceptable.

Respond with JSON only:
{"is_safe": true|false, "reason": "...", "confidence": 0.0-1.0,
 "risk_categories": ["..."], "filtered_text": "the answer with the problematic parts removed, or empty"}`
