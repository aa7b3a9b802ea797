package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/touch/internal/models"
)

func reply(out string, err error) models.Service {
	return models.ServiceFunc(func(context.Context, []models.Message, models.Options) (string, error) {
		return out, err
	})
}

func TestHeuristic(t *testing.T) {
	tests := []struct {
		query   string
		kind    Kind
		matched bool
	}{
		{"What's the weather in Tokyo right now?", KindSimple, true},
		{"current bitcoin price", KindSimple, true},
		{"Who is the CEO of Nvidia?", KindSimple, true},
		{"Compare renewable energy policies across the EU, US and China", KindComplex, true},
		{"Why did the 2008 financial crisis happen?", KindComplex, true},
		{"renewable energy", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			kind, matched := Heuristic(tt.query)
			assert.Equal(t, tt.matched, matched)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	t.Run("model verdict", func(t *testing.T) {
		p := New(reply(`{"classification": "simple", "reasoning": "live value", "confidence": 0.92}`, nil), zaptest.NewLogger(t))
		c := p.Classify(ctx, "What's the weather in Tokyo right now?")
		assert.Equal(t, KindSimple, c.Kind)
		assert.False(t, c.RequiresDecomposition)
		assert.Equal(t, SourceModel, c.Source)
		assert.InDelta(t, 0.92, c.Confidence, 1e-9)
	})

	t.Run("heuristic overrides unsure model", func(t *testing.T) {
		p := New(reply(`{"classification": "complex", "reasoning": "?", "confidence": 0.4}`, nil), zaptest.NewLogger(t))
		c := p.Classify(ctx, "current bitcoin price")
		assert.Equal(t, KindSimple, c.Kind)
		assert.Equal(t, SourceHeuristic, c.Source)
	})

	t.Run("heuristic on model failure", func(t *testing.T) {
		p := New(reply("", errors.New("down")), zaptest.NewLogger(t))
		c := p.Classify(ctx, "Compare solar and wind subsidies across Europe")
		assert.Equal(t, KindComplex, c.Kind)
		assert.True(t, c.RequiresDecomposition)
	})

	t.Run("fallback", func(t *testing.T) {
		p := New(reply("I think it's simple", nil), zaptest.NewLogger(t))
		c := p.Classify(ctx, "renewable energy")
		assert.Equal(t, Fallback().Kind, c.Kind)
		assert.Equal(t, 0.5, c.Confidence)
		assert.True(t, c.RequiresDecomposition)
		assert.Equal(t, SourceFallback, c.Source)
	})

	t.Run("unknown label is a failure", func(t *testing.T) {
		p := New(reply(`{"classification": "medium", "confidence": 0.9}`, nil), zaptest.NewLogger(t))
		assert.Equal(t, SourceFallback, p.Classify(ctx, "renewable energy").Source)
	})
}

func TestDecompose(t *testing.T) {
	ctx := context.Background()

	t.Run("policy comparison", func(t *testing.T) {
		var prompt string
		svc := models.ServiceFunc(func(_ context.Context, msgs []models.Message, _ models.Options) (string, error) {
			prompt = msgs[0].Content
			return "```json\n[\"1. EU renewable energy policy {current_year}\", \"US renewable energy incentives [year]\", \"China renewable targets for 2030\", \"EU renewable energy policy 2026\"]\n```", nil
		})
		p := New(svc, zaptest.NewLogger(t))
		subs := p.Decompose(ctx, "Compare renewable energy policies across the EU, US and China", 2026)

		assert.Contains(t, prompt, "2026")
		require.GreaterOrEqual(t, len(subs), 2)
		require.LessOrEqual(t, len(subs), MaxSubQuestions)
		assert.Equal(t, []string{
			"EU renewable energy policy 2026",
			"US renewable energy incentives 2026",
			"China renewable targets for 2030",
		}, subs)
		for _, s := range subs {
			assert.NotContains(t, s, "{")
			assert.NotContains(t, s, "[")
		}
	})

	t.Run("caps at five and anchors undated questions", func(t *testing.T) {
		p := New(reply(`["a?", "b", "c", "d", "e", "f", "latest g"]`, nil), zaptest.NewLogger(t))
		subs := p.Decompose(ctx, "big question", 2026)
		assert.Len(t, subs, MaxSubQuestions)
		assert.Equal(t, "a in 2026?", subs[0])
	})

	t.Run("relative words still get a year", func(t *testing.T) {
		subs := Clean([]string{"latest EU solar subsidies", "current wind capacity in China?", "solar output in 2024"}, "2026")
		assert.Equal(t, []string{
			"latest EU solar subsidies in 2026",
			"current wind capacity in China in 2026?",
			"solar output in 2024",
		}, subs)
	})

	t.Run("user year is kept", func(t *testing.T) {
		p := New(reply(`["GDP growth of Japan"]`, nil), zaptest.NewLogger(t))
		assert.Equal(t, []string{"GDP growth of Japan in 2019"}, p.Decompose(ctx, "Japan GDP in 2019", 2026))
	})

	t.Run("failure returns the query", func(t *testing.T) {
		p := New(reply("", errors.New("quota")), zaptest.NewLogger(t))
		assert.Equal(t, []string{"q"}, p.Decompose(ctx, "q", 2026))

		p = New(reply(`[]`, nil), zaptest.NewLogger(t))
		assert.Equal(t, []string{"q"}, p.Decompose(ctx, "q", 2026))
	})

	t.Run("default year is current", func(t *testing.T) {
		p := New(reply(`["inflation outlook"]`, nil), zaptest.NewLogger(t))
		p.now = func() time.Time { return time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC) }
		subs := p.Decompose(ctx, "inflation", 0)
		assert.True(t, strings.HasSuffix(subs[0], "2027"))
	})
}
