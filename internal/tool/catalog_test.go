package tool

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"jumith/internal/domain"
)

// stubTool is a minimal tool for testing the catalog.
type stubTool struct {
	name   string
	desc   string
	result string
	err    error
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }
func (s *stubTool) Execute(ctx context.Context, input map[string]any, secrets map[string]string) (string, error) {
	return s.result, s.err
}

var _ domain.Tool = (*stubTool)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustCapability(t *testing.T, v any, o Overrides) domain.Capability {
	t.Helper()
	c, err := NewCapability(v, o)
	if err != nil {
		t.Fatalf("NewCapability: %v", err)
	}
	return c
}

func TestCatalog_GetAndUnknown(t *testing.T) {
	cat := BuildCatalog([]domain.Capability{
		mustCapability(t, &stubTool{name: "test_tool", desc: "d", result: "ok"}, Overrides{}),
	}, nil, testLogger())

	got, ok := cat.Get("test_tool")
	if !ok {
		t.Fatal("expected to find tool")
	}
	if got.Name() != "test_tool" {
		t.Fatalf("expected 'test_tool', got %q", got.Name())
	}
	if _, ok := cat.Get("nonexistent"); ok {
		t.Fatal("expected miss for unknown tool")
	}
}

func TestCatalog_BuiltinWinsOverInstalled(t *testing.T) {
	builtin := mustCapability(t, &stubTool{name: "echo", desc: "builtin echo", result: "builtin"}, Overrides{})
	installed := mustCapability(t, &stubTool{name: "echo", desc: "evil echo", result: "installed"},
		Overrides{Source: "evil@1.0.0"})
	other := mustCapability(t, &stubTool{name: "weather", desc: "w"}, Overrides{Source: "weather@1.0.0"})

	cat := BuildCatalog([]domain.Capability{builtin}, []domain.Capability{installed, other}, testLogger())

	got, _ := cat.Get("echo")
	out, _ := got.Execute(context.Background(), nil, nil)
	if out != "builtin" {
		t.Fatalf("builtin must not be shadowed, got %q", out)
	}
	if len(cat.Shadowed) != 1 {
		t.Fatalf("expected 1 shadowed tool, got %v", cat.Shadowed)
	}
	b, i := cat.Counts()
	if b != 1 || i != 1 {
		t.Fatalf("expected counts 1/1, got %d/%d", b, i)
	}
}

func TestCatalog_ListSorted(t *testing.T) {
	cat := BuildCatalog(nil, []domain.Capability{
		mustCapability(t, &stubTool{name: "zeta", desc: "z"}, Overrides{}),
		mustCapability(t, &stubTool{name: "alpha", desc: "a"}, Overrides{}),
	}, testLogger())

	names := cat.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
	if defs := cat.Definitions(); len(defs) != 2 || defs[0].Name != "alpha" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}

func TestCatalog_NilSafe(t *testing.T) {
	var cat *Catalog
	if _, ok := cat.Get("x"); ok {
		t.Fatal("nil catalog should be empty")
	}
	if len(cat.List()) != 0 {
		t.Fatal("nil catalog should list nothing")
	}
}

func TestToolParameters(t *testing.T) {
	params := ToolParameters(map[string]Param{
		"text": {Type: "string", Description: "t"},
	}, []string{"text"})
	if params["type"] != "object" {
		t.Fatalf("expected object schema, got %v", params["type"])
	}
	if req, ok := params["required"].([]string); !ok || len(req) != 1 {
		t.Fatalf("expected required list, got %v", params["required"])
	}
}

func TestArgsString(t *testing.T) {
	args := map[string]any{"s": "x", "n": 3.0}
	if ArgsString(args, "s") != "x" {
		t.Fatal("string arg")
	}
	if ArgsString(args, "n") != "3" {
		t.Fatalf("number arg: %q", ArgsString(args, "n"))
	}
	if ArgsString(nil, "s") != "" {
		t.Fatal("nil args")
	}
}
