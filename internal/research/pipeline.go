// Package research wires the safety gate, planner, tool loop, evidence
// collector and finisher into one run.
package research

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/finisher"
	"github.com/Kocoro-lab/touch/internal/metrics"
	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/planner"
	"github.com/Kocoro-lab/touch/internal/safety"
	"github.com/Kocoro-lab/touch/internal/sanitize"
	"github.com/Kocoro-lab/touch/internal/streaming"
	"github.com/Kocoro-lab/touch/internal/toolloop"
	"github.com/Kocoro-lab/touch/internal/tools"
	"github.com/Kocoro-lab/touch/internal/tracing"
)

// Pipeline is built once per process and shared by every run. Runs keep
// their own state; the pipeline holds only collaborators.
type Pipeline struct {
	gate      *safety.Gate
	planner   *planner.Planner
	loop      *toolloop.Loop
	collector *evidence.Collector
	finisher  *finisher.Finisher
	model     models.Service
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg *config.Config, model models.Service, registry tools.Registry, sanitizer *sanitize.Sanitizer, policy *safety.Policy, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gate:      safety.NewGate(model, policy, logger.Named("safety")),
		planner:   planner.New(model, logger.Named("planner")),
		loop:      toolloop.New(model, registry, cfg.Loop, logger.Named("loop")),
		collector: evidence.New(sanitizer),
		finisher:  finisher.New(model, logger.Named("finisher")),
		model:     model,
		logger:    logger,
		now:       time.Now,
	}
}

// ApplyConfig picks up settings that can change while running.
func (p *Pipeline) ApplyConfig(cfg *config.Config) {
	p.loop.SetBudgets(cfg.Loop)
	p.logger.Info("Research budgets updated",
		zap.Int("simple_iterations", cfg.Loop.Simple.MaxIterations),
		zap.Int("complex_iterations", cfg.Loop.Complex.MaxIterations),
	)
}

// Run executes one research run. It never panics and never returns a raw
// error: faults become a StatusError result with an apology.
func (p *Pipeline) Run(ctx context.Context, query string, emit streaming.Emitter) (res RunResult) {
	start := p.now()
	mode := "sync"
	if emit == nil {
		emit = streaming.Discard
	} else {
		mode = "stream"
	}
	metrics.RunsStarted.WithLabelValues(mode).Inc()

	ctx, span := tracing.StartStage(ctx, "run", attribute.String("mode", mode))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Research run panicked", zap.Any("panic", r), zap.Stack("stack"))
			tracing.Fail(span, fmt.Errorf("panic: %v", r))
			res = faultResult(query, p.now().Sub(start))
		}
		kind := "none"
		if res.Classification != nil {
			kind = string(res.Classification.Kind)
		}
		metrics.RunsCompleted.WithLabelValues(mode, string(res.Status)).Inc()
		metrics.RunDuration.WithLabelValues(kind).Observe(res.ProcessingTime.Seconds())
		span.SetAttributes(attribute.String("status", string(res.Status)))
	}()

	if err := ValidateQuery(query); err != nil {
		p.logger.Debug("Rejected invalid query", zap.Error(err))
		res = faultResult(query, p.now().Sub(start))
		res.Answer = err.Error()
		return res
	}

	steps := &stepEmitter{next: emit, now: p.now}

	verdict := stageValue(p, ctx, "safety_input", func(ctx context.Context) safety.Verdict {
		return p.gate.CheckInput(ctx, query)
	})
	if !verdict.Allowed {
		p.logger.Info("Query blocked", zap.String("layer", verdict.Layer), zap.Strings("categories", verdict.Categories))
		return blockedResult(query, verdict.Message, p.now().Sub(start))
	}

	class := stageValue(p, ctx, "classify", func(ctx context.Context) planner.Classification {
		return p.planner.Classify(ctx, query)
	})
	steps.step(ctx, fmt.Sprintf("Analyzed the question (%s research)", class.Kind))

	var subs []string
	if class.Kind == planner.KindComplex && class.RequiresDecomposition {
		subs = stageValue(p, ctx, "decompose", func(ctx context.Context) []string {
			return p.planner.Decompose(ctx, query, 0)
		})
		steps.step(ctx, fmt.Sprintf("Planned %d focused sub-questions", len(subs)))
	}

	out := stageValue(p, ctx, "loop", func(ctx context.Context) toolloop.Outcome {
		return p.loop.Run(ctx, toolloop.Request{Query: query, Kind: class.Kind, SubQuestions: subs, Emitter: steps})
	})
	if out.Cancelled {
		p.logger.Info("Research run cancelled", zap.Int("invocations", len(out.Invocations)))
		res = faultResult(query, p.now().Sub(start))
		res.Classification = &class
		return res
	}

	sources := p.collector.Extract(out.Invocations)
	answer := out.Answer
	if out.Recovered && len(sources) > 0 {
		if synthesized, err := p.synthesize(ctx, query, sources); err == nil {
			answer = synthesized
		} else {
			p.logger.Info("Synthesis from partial sources failed; keeping recovered text", zap.Error(err))
		}
	}

	answer = stageValue(p, ctx, "finish", func(ctx context.Context) string {
		return finisher.Format(p.finisher.AddCitations(ctx, answer, sources), sources)
	})
	confidence := finisher.Score(sources, answer, class.Kind)

	res = RunResult{
		Query:           query,
		Answer:          answer,
		Sources:         sources,
		Steps:           stepsFrom(out.Invocations),
		ConfidenceScore: confidence,
		Classification:  &class,
		Status:          StatusOK,
	}

	verdict = stageValue(p, ctx, "safety_output", func(ctx context.Context) safety.Verdict {
		return p.gate.CheckOutput(ctx, answer)
	})
	if !verdict.Allowed {
		res.Answer = verdict.Replacement
		res.Status = StatusWithheld
		if !verdict.Filtered {
			res.Sources = []evidence.Source{}
			res.ConfidenceScore = 0
		}
	}
	res.ProcessingTime = p.now().Sub(start)
	p.logger.Info("Research run finished",
		zap.String("kind", string(class.Kind)),
		zap.String("loop_state", string(out.State)),
		zap.Int("invocations", len(out.Invocations)),
		zap.Int("sources", len(res.Sources)),
		zap.Float64("confidence", res.ConfidenceScore),
		zap.Duration("elapsed", res.ProcessingTime),
	)
	return res
}

func stageValue[T any](p *Pipeline, ctx context.Context, name string, fn func(context.Context) T) T {
	ctx, span := tracing.StartStage(ctx, name)
	defer span.End()
	start := p.now()
	v := fn(ctx)
	metrics.StageDuration.WithLabelValues(name).Observe(p.now().Sub(start).Seconds())
	return v
}

// Stream adapts a run to the coordinator. after, when set, runs once the
// result is known and returns the conversation id to report.
func (p *Pipeline) Stream(query string, after func(context.Context, RunResult) string) streaming.RunFunc {
	return func(ctx context.Context, emit streaming.Emitter) (streaming.Final, error) {
		res := p.Run(ctx, query, emit)
		if err := ctx.Err(); err != nil {
			return streaming.Final{}, err
		}
		if res.Status == StatusError {
			return streaming.Final{}, fmt.Errorf("research run failed: %s", res.Answer)
		}
		id := ""
		if after != nil {
			id = after(ctx, res)
		}
		return res.Final(id), nil
	}
}

// stepEmitter numbers research_step events across planner and loop.
type stepEmitter struct {
	next streaming.Emitter
	now  func() time.Time
	n    atomic.Int64
}

func (s *stepEmitter) Emit(ctx context.Context, ev streaming.Event) error {
	if ev.Type == streaming.TypeResearchStep {
		if d, ok := ev.Data.(streaming.StepData); ok {
			d.StepNumber = int(s.n.Add(1))
			ev.Data = d
		}
	}
	return s.next.Emit(ctx, ev)
}

func (s *stepEmitter) step(ctx context.Context, description string) {
	_ = s.Emit(ctx, streaming.ResearchStep(0, description, "", 0, s.now()))
}
