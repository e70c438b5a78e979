package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"jumith/internal/domain"
)

// Builtins returns the in-process tools as validated capabilities.
func Builtins() ([]domain.Capability, error) {
	tools := []domain.Tool{
		NewEchoTool(),
		NewTimeTool(nil),
		NewAddTool(),
		NewPizzaOrderTool(nil),
	}
	caps := make([]domain.Capability, 0, len(tools))
	for _, t := range tools {
		c, err := NewCapability(t, Overrides{Source: SourceBuiltin})
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", t.Name(), err)
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// --- echo ---

type EchoTool struct{}

func NewEchoTool() *EchoTool { return &EchoTool{} }

func (t *EchoTool) Name() string { return "echo" }
func (t *EchoTool) Description() string {
	return "Echo back input text. Input: { text: string }"
}
func (t *EchoTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"text": {Type: "string", Description: "Text to echo back"},
	}, nil)
}

func (t *EchoTool) Execute(ctx context.Context, input map[string]any, _ map[string]string) (string, error) {
	var text string
	switch v := input["text"].(type) {
	case string:
		text = v
	case nil:
		if len(input) > 0 {
			text = compactJSON(input)
		}
	default:
		text = ArgsString(input, "text")
	}
	return marshalResult(map[string]any{"text": text})
}

// --- time ---

type TimeTool struct {
	now func() time.Time
}

// NewTimeTool returns the time tool. A nil clock uses time.Now.
func NewTimeTool(now func() time.Time) *TimeTool {
	if now == nil {
		now = time.Now
	}
	return &TimeTool{now: now}
}

func (t *TimeTool) Name() string        { return "time" }
func (t *TimeTool) Description() string { return "Return the current time in ISO 8601. Input: {}" }
func (t *TimeTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{}, nil)
}

func (t *TimeTool) Execute(ctx context.Context, _ map[string]any, _ map[string]string) (string, error) {
	return marshalResult(map[string]any{"iso": t.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")})
}

// --- add ---

type AddTool struct{}

func NewAddTool() *AddTool { return &AddTool{} }

func (t *AddTool) Name() string { return "add" }
func (t *AddTool) Description() string {
	return "Add two numbers. Input: { a: number, b: number }"
}
func (t *AddTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"a": {Type: "number", Description: "First addend"},
		"b": {Type: "number", Description: "Second addend"},
	}, []string{"a", "b"})
}

func (t *AddTool) Execute(ctx context.Context, input map[string]any, _ map[string]string) (string, error) {
	a, err := parseNumber(input["a"], "a")
	if err != nil {
		return "", err
	}
	b, err := parseNumber(input["b"], "b")
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{"sum": a + b})
}

func parseNumber(v any, label string) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s", label)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s", label)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("invalid number for %s", label)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number for %s", label)
	}
	return f, nil
}

// --- order_pizza ---

// PizzaOrderTool places a mock order. It has side effects in spirit, so it
// always asks for approval.
type PizzaOrderTool struct {
	now func() time.Time
}

func NewPizzaOrderTool(now func() time.Time) *PizzaOrderTool {
	if now == nil {
		now = time.Now
	}
	return &PizzaOrderTool{now: now}
}

func (t *PizzaOrderTool) Name() string { return "order_pizza" }
func (t *PizzaOrderTool) Description() string {
	return "Mock pizza order. Input: { name: string, address: string }"
}
func (t *PizzaOrderTool) RequiresApproval() bool { return true }
func (t *PizzaOrderTool) Parameters() map[string]any {
	return ToolParameters(map[string]Param{
		"name":    {Type: "string", Description: "Name for the order"},
		"address": {Type: "string", Description: "Delivery address"},
	}, []string{"name", "address"})
}

func (t *PizzaOrderTool) ApprovalMessage(input map[string]any) string {
	return fmt.Sprintf("Place a pizza order for %q delivered to %q?",
		strings.TrimSpace(ArgsString(input, "name")), strings.TrimSpace(ArgsString(input, "address")))
}

func (t *PizzaOrderTool) Execute(ctx context.Context, input map[string]any, _ map[string]string) (string, error) {
	name, err := requireString(input, "name")
	if err != nil {
		return "", err
	}
	address, err := requireString(input, "address")
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"orderId": fmt.Sprintf("pizza_%d", t.now().UnixMilli()),
		"message": fmt.Sprintf("Order placed for %s at %s.", name, address),
	})
}

func requireString(input map[string]any, key string) (string, error) {
	s, ok := input[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return strings.TrimSpace(s), nil
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
