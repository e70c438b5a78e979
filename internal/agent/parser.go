package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ActionSearchFacts = "search_facts"
	ActionCallTool    = "call_tool"
	ActionFinal       = "final"
)

// Action is one decoded step requested by the model.
type Action struct {
	Kind     string
	Terms    []string
	Tool     string
	Input    map[string]any
	Response string
}

// rawAction accepts both the documented shape and the {"name","arguments"}
// shape that some models emit out of habit.
type rawAction struct {
	Action     string          `json:"action"`
	Terms      []any           `json:"terms"`
	Tool       string          `json:"tool"`
	Name       string          `json:"name"`
	Input      map[string]any  `json:"input"`
	Arguments  map[string]any  `json:"arguments"`
	Parameters map[string]any  `json:"parameters"`
	Response   json.RawMessage `json:"response"`
}

// parseAction decodes the model reply. Anything that is not a recognizable
// action becomes a final answer carrying the reply text.
func parseAction(reply string) Action {
	text := stripRolePrefix(strings.TrimSpace(reply))
	fallback := Action{Kind: ActionFinal, Response: text}

	candidate := stripCodeFence(text)
	start, end := findJSONBounds(candidate)
	if start < 0 || candidate[start] != '{' {
		return fallback
	}
	candidate = candidate[start:end]

	var raw rawAction
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		if err := json.Unmarshal([]byte(sanitizeJSONEscapes(candidate)), &raw); err != nil {
			return fallback
		}
	}

	kind := strings.ToLower(strings.TrimSpace(raw.Action))
	if kind == "" && raw.Name != "" {
		kind = ActionCallTool
	}
	switch kind {
	case ActionSearchFacts:
		if raw.Terms == nil {
			return fallback
		}
		terms := make([]string, 0, len(raw.Terms))
		for _, t := range raw.Terms {
			s := strings.TrimSpace(fmt.Sprint(t))
			if s != "" {
				terms = append(terms, s)
			}
		}
		return Action{Kind: ActionSearchFacts, Terms: terms}
	case ActionCallTool:
		name := strings.TrimSpace(raw.Tool)
		if name == "" {
			name = strings.TrimSpace(raw.Name)
		}
		if name == "" {
			return fallback
		}
		return Action{Kind: ActionCallTool, Tool: name, Input: coalesce(raw.Input, coalesce(raw.Arguments, raw.Parameters))}
	case ActionFinal:
		var resp string
		if err := json.Unmarshal(raw.Response, &resp); err != nil {
			return fallback
		}
		return Action{Kind: ActionFinal, Response: resp}
	}
	return fallback
}

func stripCodeFence(content string) string {
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	return content
}

// findJSONBounds locates the first top-level JSON object ({}) or array ([]) in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// stripRolePrefix removes role-name prefixes that some models leak into
// their content, e.g. "assistant\nHello" or "Assistant: Hello".
func stripRolePrefix(content string) string {
	prefixes := []string{
		"assistant\n",
		"Assistant\n",
		"assistant:\n",
		"Assistant:\n",
		"assistant: ",
		"Assistant: ",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// coalesce returns the first non-nil map, or an empty map if both are nil.
func coalesce(a, b map[string]any) map[string]any {
	if a != nil {
		return a
	}
	if b != nil {
		return b
	}
	return make(map[string]any)
}

// sanitizeJSONEscapes fixes invalid JSON escape sequences produced by some LLMs.
// Valid JSON escapes: \", \\, \/, \b, \f, \n, \r, \t, \uXXXX.
// Invalid ones (e.g. \% or \Y) are corrected by dropping the backslash.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(next)
				i++
			default:
				continue
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}
