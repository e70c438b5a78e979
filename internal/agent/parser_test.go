package agent

import (
	"testing"
)

func TestParseAction_SearchFacts(t *testing.T) {
	a := parseAction(`{"action":"search_facts","terms":["city", 42, " "]}`)
	if a.Kind != ActionSearchFacts {
		t.Fatalf("expected search_facts, got %q", a.Kind)
	}
	if len(a.Terms) != 2 || a.Terms[0] != "city" || a.Terms[1] != "42" {
		t.Fatalf("unexpected terms %v", a.Terms)
	}
}

func TestParseAction_CallTool(t *testing.T) {
	a := parseAction(`{"action":"call_tool","tool":"add","input":{"a":1,"b":2}}`)
	if a.Kind != ActionCallTool || a.Tool != "add" {
		t.Fatalf("unexpected action %+v", a)
	}
	if a.Input["a"] != float64(1) {
		t.Fatalf("unexpected input %v", a.Input)
	}
}

func TestParseAction_NameArgumentsShape(t *testing.T) {
	a := parseAction(`{"name": "echo", "arguments": {"text": "hi"}}`)
	if a.Kind != ActionCallTool || a.Tool != "echo" {
		t.Fatalf("unexpected action %+v", a)
	}
	if a.Input["text"] != "hi" {
		t.Fatalf("unexpected input %v", a.Input)
	}
}

func TestParseAction_CallToolWithoutInput(t *testing.T) {
	a := parseAction(`{"action":"call_tool","tool":"time"}`)
	if a.Input == nil {
		t.Fatal("expected empty input map, got nil")
	}
}

func TestParseAction_Final(t *testing.T) {
	a := parseAction(`{"action":"final","response":"Hello there"}`)
	if a.Kind != ActionFinal || a.Response != "Hello there" {
		t.Fatalf("unexpected action %+v", a)
	}
}

func TestParseAction_CodeFenceAndSurroundingText(t *testing.T) {
	a := parseAction("```json\n{\"action\":\"final\",\"response\":\"ok\"}\n```")
	if a.Response != "ok" {
		t.Fatalf("expected 'ok' from code fence, got %q", a.Response)
	}
	a = parseAction("assistant\nSure.\n{\"action\":\"search_facts\",\"terms\":[\"pet\"]}\nLet me check.")
	if a.Kind != ActionSearchFacts {
		t.Fatalf("expected search_facts from mixed text, got %+v", a)
	}
}

func TestParseAction_PlainTextIsFinal(t *testing.T) {
	a := parseAction("  Assistant: The sky is blue.  ")
	if a.Kind != ActionFinal || a.Response != "The sky is blue." {
		t.Fatalf("unexpected action %+v", a)
	}
}

func TestParseAction_MalformedFallsBack(t *testing.T) {
	tests := []string{
		`{"action":"final","response":42}`,
		`{"action":"search_facts"}`,
		`{"action":"call_tool"}`,
		`{"action":"dance"}`,
		`{"action":`,
		`[1,2,3]`,
	}
	for _, in := range tests {
		a := parseAction(in)
		if a.Kind != ActionFinal || a.Response != in {
			t.Errorf("parseAction(%q) = %+v, want final fallback", in, a)
		}
	}
}

func TestParseAction_InvalidEscapes(t *testing.T) {
	a := parseAction(`{"action":"final","response":"50\% off"}`)
	if a.Kind != ActionFinal || a.Response != "50% off" {
		t.Fatalf("unexpected action %+v", a)
	}
}

func TestFindJSONBounds(t *testing.T) {
	tests := []struct {
		in         string
		start, end int
	}{
		{`{"a":"}"}`, 0, 9},
		{`x {"a":{"b":1}} y`, 2, 15},
		{`no json`, -1, -1},
		{`{"open":`, -1, -1},
	}
	for _, tt := range tests {
		s, e := findJSONBounds(tt.in)
		if s != tt.start || e != tt.end {
			t.Errorf("findJSONBounds(%q) = %d,%d want %d,%d", tt.in, s, e, tt.start, tt.end)
		}
	}
}

func TestSanitizeJSONEscapes(t *testing.T) {
	in := `{"a":"x\%y\n\\"}`
	want := `{"a":"x%y\n\\"}`
	if got := sanitizeJSONEscapes(in); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
