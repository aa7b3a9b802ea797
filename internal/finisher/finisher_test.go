package finisher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/touch/internal/evidence"
	"github.com/Kocoro-lab/touch/internal/models"
	"github.com/Kocoro-lab/touch/internal/planner"
)

func sources(n int) []evidence.Source {
	out := make([]evidence.Source, n)
	for i := range out {
		out[i] = evidence.Source{
			Title:          fmt.Sprintf("Source %d", i+1),
			URL:            fmt.Sprintf("https://site%d.example/page", i+1),
			Snippet:        "Relevant text.",
			RelevanceScore: 0.8,
		}
	}
	return out
}

func reply(out string, err error) models.Service {
	return models.ServiceFunc(func(context.Context, []models.Message, models.Options) (string, error) {
		return out, err
	})
}

const body = "Solar grew fast. Wind grew too. Hydro was flat. Coal declined. Gas held steady. Nuclear was unchanged."

func TestAddCitationsModel(t *testing.T) {
	cited := "<cited_report>Solar grew fast [1]. Wind grew too [2]. Hydro was flat. Coal declined. Gas held steady. Nuclear was unchanged [9].</cited_report>"
	f := New(reply(cited, nil), zaptest.NewLogger(t))
	got := f.AddCitations(context.Background(), body, sources(2))
	assert.Equal(t, "Solar grew fast [1]. Wind grew too [2]. Hydro was flat. Coal declined. Gas held steady. Nuclear was unchanged.", got)
}

func TestAddCitationsFallsBack(t *testing.T) {
	heuristic := HeuristicCitations(body, 2)

	t.Run("no markers", func(t *testing.T) {
		f := New(reply(body, nil), zaptest.NewLogger(t))
		assert.Equal(t, heuristic, f.AddCitations(context.Background(), body, sources(2)))
	})
	t.Run("model error", func(t *testing.T) {
		f := New(reply("", &models.ModelError{Kind: models.KindQuota, Err: errors.New("429")}), zaptest.NewLogger(t))
		assert.Equal(t, heuristic, f.AddCitations(context.Background(), body, sources(2)))
	})
	t.Run("rewritten prose", func(t *testing.T) {
		f := New(reply("Everything is different now [1].", nil), zaptest.NewLogger(t))
		assert.Equal(t, heuristic, f.AddCitations(context.Background(), body, sources(2)))
	})
	t.Run("no sources", func(t *testing.T) {
		f := New(reply("unused [1]", nil), zaptest.NewLogger(t))
		assert.Equal(t, body, f.AddCitations(context.Background(), body, nil))
	})
}

func TestHeuristicCitations(t *testing.T) {
	got := HeuristicCitations(body, 2)
	assert.Equal(t, "Solar grew fast. Wind grew too. Hydro was flat [1]. Coal declined. Gas held steady. Nuclear was unchanged [2].", got)

	assert.Equal(t, "# Title\n\nOnly one sentence [1].", HeuristicCitations("# Title\n\nOnly one sentence.", 3))
	assert.Equal(t, "no punctuation", HeuristicCitations("no punctuation", 3))

	code := "```\na. b. c.\n```\nOne. Two. Three."
	assert.Equal(t, "```\na. b. c.\n```\nOne. Two. Three [1].", HeuristicCitations(code, 1))
}

func TestFormat(t *testing.T) {
	srcs := sources(2)

	t.Run("promotes first line", func(t *testing.T) {
		got := Format("Tokyo Weather\nIt is raining.", srcs)
		assert.True(t, strings.HasPrefix(got, "# Tokyo Weather\n\nIt is raining."))
		assert.Contains(t, got, "## Sources\n\n1. **[Source 1](https://site1.example/page)**\n   *Relevant text.*")
	})

	t.Run("generic heading for long first line", func(t *testing.T) {
		long := strings.Repeat("word ", 30) + "end."
		got := Format(long, nil)
		assert.True(t, strings.HasPrefix(got, DefaultHeading+"\n\n"+long))
		assert.NotContains(t, got, "## Sources")
	})

	t.Run("generic heading for colon line", func(t *testing.T) {
		got := Format("Here is what I found:\n- a\n- b", nil)
		assert.True(t, strings.HasPrefix(got, DefaultHeading+"\n\nHere is what I found:"))
	})

	t.Run("keeps existing sources section", func(t *testing.T) {
		got := Format("# T\n\nBody.\n\n## References\n\n- x", srcs)
		assert.Equal(t, 1, strings.Count(got, "## "))
		assert.NotContains(t, got, "## Sources")
	})

	t.Run("spacing and blank runs", func(t *testing.T) {
		got := Format("# T\nIntro.\n## Part\nText.\n\n\n\nMore.", nil)
		assert.Equal(t, "# T\n\nIntro.\n\n## Part\n\nText.\n\nMore.", got)
	})

	t.Run("generic heading above lower-level or hash-led first line", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(Format("### Minor heading\nText.", nil), DefaultHeading+"\n\n### Minor heading\n\nText."))
		assert.True(t, strings.HasPrefix(Format("#1 reason is cost.", nil), DefaultHeading+"\n\n#1 reason is cost."))
		assert.True(t, strings.HasPrefix(Format("#hashtag trends", nil), DefaultHeading+"\n\n#hashtag trends"))
	})

	t.Run("empty answer", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(Format("  ", nil), "#"))
	})

	t.Run("long snippet truncated", func(t *testing.T) {
		s := sources(1)
		s[0].Snippet = strings.Repeat("x", 400)
		got := Format("# T\n\nBody.", s)
		assert.NotContains(t, got, strings.Repeat("x", 151))
		assert.Contains(t, got, "...*")
	})
}

func TestFormatAlwaysHeadingAndIdempotent(t *testing.T) {
	inputs := []string{
		"plain",
		"# Already\n\nBody [1].",
		"## Second level first\ntext",
		"**Bold title**\n\nText.\n\n\n\n\nEnd.",
		"- list first\n- second",
		"```\n# not a heading\n```\nafter",
		strings.Repeat("Long sentence here. ", 50),
		"#1 reason is cost. More text.",
		"### Minor heading",
		"#hashtag trends",
	}
	title := regexp.MustCompile(`^# \S`)
	for _, in := range inputs {
		for _, srcs := range [][]evidence.Source{nil, sources(3)} {
			once := Format(in, srcs)
			require.Regexp(t, title, once, in)
			assert.Equal(t, once, Format(once, srcs), in)
		}
	}
}

func TestScore(t *testing.T) {
	assert.Equal(t, NoEvidenceScore, Score(nil, "long answer", planner.KindComplex))

	full := sources(8)
	for i := range full {
		full[i].RelevanceScore = 1
	}
	var cited strings.Builder
	for i := 1; i <= 8; i++ {
		fmt.Fprintf(&cited, "Claim [%d]. ", i)
	}
	cited.WriteString(strings.Repeat("word ", 500))
	assert.Equal(t, 1.0, Score(full, cited.String(), planner.KindComplex))
	assert.Equal(t, 0.9, Score(full, cited.String(), planner.KindSimple))

	// One source, no citations, empty answer: count + relevance + diversity.
	one := sources(1)
	one[0].RelevanceScore = 0.5
	assert.InDelta(t, 0.3/8+0.125+0.1, Score(one, "", planner.KindSimple), 0.01)
}

func TestScoreBounds(t *testing.T) {
	relevances := []float64{-3, 0, 0.25, 0.5, 1, 7}
	for n := 0; n <= 20; n++ {
		for _, rel := range relevances {
			for _, words := range []int{0, 1, 499, 10000} {
				srcs := sources(n)
				for i := range srcs {
					srcs[i].RelevanceScore = rel
				}
				answer := strings.Repeat("w [1] ", words)
				for _, kind := range []planner.Kind{planner.KindSimple, planner.KindComplex} {
					s := Score(srcs, answer, kind)
					assert.GreaterOrEqual(t, s, 0.0)
					assert.LessOrEqual(t, s, 1.0)
				}
			}
		}
	}
}
