package structured

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	IsSafe bool   `json:"is_safe"`
	Reason string `json:"reason"`
}

func TestExtract(t *testing.T) {
	t.Run("fenced block wins over prose braces", func(t *testing.T) {
		out := "Sure {not json}.\n```json\n{\"is_safe\": true, \"reason\": \"fine\"}\n```\nDone."
		v, err := Extract[verdict](out)
		require.NoError(t, err)
		assert.True(t, v.IsSafe)
		assert.Equal(t, "fine", v.Reason)
	})

	t.Run("bare object with trailing text", func(t *testing.T) {
		v, err := Extract[verdict](`Result: {"is_safe": false, "reason": "weapons"} hope that helps`)
		require.NoError(t, err)
		assert.False(t, v.IsSafe)
		assert.Equal(t, "weapons", v.Reason)
	})

	t.Run("array", func(t *testing.T) {
		v, err := Extract[[]string]("Here you go:\n[\"a\", \"b\"]")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, v)
	})

	t.Run("array skips leading object", func(t *testing.T) {
		v, err := Extract[[]string](`{"note": 1} then ["x"]`)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, v)
	})

	t.Run("unlabelled fence", func(t *testing.T) {
		v, err := Extract[map[string]string]("```\n{\"action\": \"search\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "search", v["action"])
	})

	t.Run("failure is a ParseError", func(t *testing.T) {
		_, err := Extract[verdict]("I cannot answer that.")
		var pe *ParseError
		require.True(t, errors.As(err, &pe))
		assert.Contains(t, pe.Error(), "no JSON")
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Extract[verdict]("   ")
		var pe *ParseError
		assert.True(t, errors.As(err, &pe))
	})
}
