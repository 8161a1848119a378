package tools

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/BaSui01/workdeck/types"
)

// ParseEmbeddedCalls extracts tool-call-like patterns from free text, for
// backends that lack structured tool calling. It recognizes fenced or bare
// JSON objects of the form {"tool": "...", "arguments": {...}} (also "name"/
// "args" spellings, and arrays of such objects), plus inline name({...})
// invocations of known tools. Returned calls carry no IDs; the agent loop
// mints them. The result shape is identical to the native path so loop logic
// never branches on backend capability.
func ParseEmbeddedCalls(text string, known []string) []types.ToolCall {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	knownSet := make(map[string]bool, len(known))
	for _, n := range known {
		knownSet[n] = true
	}

	var calls []types.ToolCall
	seen := make(map[string]bool)
	add := func(c types.ToolCall) {
		if c.Name == "" || !knownSet[c.Name] {
			return
		}
		key := c.Name + "\x00" + string(c.Arguments)
		if seen[key] {
			return
		}
		seen[key] = true
		calls = append(calls, c)
	}

	remaining := text
	for _, m := range reFencedBlock.FindAllStringSubmatch(text, -1) {
		for _, c := range parseCallJSON(m[1]) {
			add(c)
		}
		remaining = strings.Replace(remaining, m[0], "", 1)
	}

	// Bare JSON objects outside fences.
	for _, obj := range extractJSONObjects(remaining) {
		for _, c := range parseCallJSON(obj) {
			add(c)
		}
	}

	// Inline name({...}) invocations.
	for _, name := range known {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
		if err != nil {
			continue
		}
		for _, loc := range re.FindAllStringIndex(remaining, -1) {
			args, ok := scanJSONObject(remaining[loc[1]:])
			if !ok {
				continue
			}
			add(types.ToolCall{Name: name, Arguments: json.RawMessage(args)})
		}
	}

	return calls
}

var reFencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// embeddedCall tolerates the argument spellings local models actually produce.
type embeddedCall struct {
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

func (e embeddedCall) toCall() types.ToolCall {
	name := e.Tool
	if name == "" {
		name = e.Name
	}
	args := e.Arguments
	if len(args) == 0 {
		args = e.Args
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return types.ToolCall{Name: name, Arguments: args}
}

func parseCallJSON(s string) []types.ToolCall {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var list []embeddedCall
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil
		}
		out := make([]types.ToolCall, 0, len(list))
		for _, e := range list {
			out = append(out, e.toCall())
		}
		return out
	}
	var e embeddedCall
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil
	}
	return []types.ToolCall{e.toCall()}
}

// extractJSONObjects returns every balanced top-level {...} substring that is
// valid JSON. Brace scanning is string-aware so braces inside quoted values do
// not confuse the balance count.
func extractJSONObjects(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		obj, ok := scanJSONObject(s[i:])
		if !ok {
			continue
		}
		out = append(out, obj)
		i += len(obj) - 1
	}
	return out
}

// scanJSONObject scans a balanced JSON object from the start of s (leading
// whitespace allowed) and reports whether one was found and valid.
func scanJSONObject(s string) (string, bool) {
	start := 0
	for start < len(s) && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	if start >= len(s) || s[start] != '{' {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
