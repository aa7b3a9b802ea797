// Package structured pulls JSON values out of free-form model output.
//
// Every component that expects structured model output goes through Extract:
// a fenced code block is tried first, then each bracketed span in order of
// appearance. Anything else is a ParseError.
package structured

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]+)?\\s*\n?(.*?)```")

// maxSpanAttempts bounds the bracket scan on long outputs.
const maxSpanAttempts = 32

// ParseError reports model output that held no decodable value.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if r := []rune(raw); len(r) > 120 {
		raw = string(r[:120]) + "..."
	}
	return fmt.Sprintf("structured output: %s (raw=%q)", e.Reason, raw)
}

// Extract decodes the first value of type T found in text.
func Extract[T any](text string) (T, error) {
	var zero T
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, &ParseError{Raw: text, Reason: "empty output"}
	}

	for _, m := range fencePattern.FindAllStringSubmatch(trimmed, -1) {
		var v T
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &v); err == nil {
			return v, nil
		}
	}

	attempts := 0
	for i := 0; i < len(trimmed) && attempts < maxSpanAttempts; i++ {
		if trimmed[i] != '{' && trimmed[i] != '[' {
			continue
		}
		attempts++
		var v T
		dec := json.NewDecoder(strings.NewReader(trimmed[i:]))
		if err := dec.Decode(&v); err == nil {
			return v, nil
		}
	}
	return zero, &ParseError{Raw: text, Reason: "no JSON object or array found"}
}
