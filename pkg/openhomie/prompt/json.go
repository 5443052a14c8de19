package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject pulls the first JSON object out of a model completion and
// unmarshals it into v. Tolerates markdown code fences, a prose preamble, and
// trailing text — fast models rarely return bare JSON.
func ExtractJSONObject(text string, v any) error {
	raw := strings.TrimSpace(text)

	// Strip a ```json ... ``` (or bare ```) fence if present.
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			// Skip the language tag line ("json", "").
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		raw = strings.TrimSpace(rest)
	}

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return fmt.Errorf("no JSON object in completion")
	}

	// Walk to the matching closing brace, respecting strings.
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(raw[start:i+1]), v)
			}
		}
	}

	return fmt.Errorf("unterminated JSON object in completion")
}
