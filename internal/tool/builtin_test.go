package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltins(t *testing.T) {
	caps, err := Builtins()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range caps {
		names[c.Name()] = true
		assert.Equal(t, SourceBuiltin, c.Source())
	}
	assert.Equal(t, map[string]bool{"echo": true, "time": true, "add": true, "order_pizza": true}, names)
}

func TestEchoTool(t *testing.T) {
	out, err := NewEchoTool().Execute(context.Background(), map[string]any{"text": "hi"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, out)

	out, err = NewEchoTool().Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":""}`, out)
}

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out, err := NewTimeTool(func() time.Time { return fixed }).Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"iso":"2026-01-02T03:04:05.000Z"}`, out)
}

func TestAddTool(t *testing.T) {
	add := NewAddTool()
	out, err := add.Execute(context.Background(), map[string]any{"a": 2.5, "b": "3"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5.5}`, out)

	_, err = add.Execute(context.Background(), map[string]any{"a": "x", "b": 1.0}, nil)
	assert.EqualError(t, err, "invalid number for a")

	_, err = add.Execute(context.Background(), map[string]any{"a": 1.0}, nil)
	assert.EqualError(t, err, "invalid number for b")
}

func TestPizzaOrderTool(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	p := NewPizzaOrderTool(func() time.Time { return fixed })
	assert.True(t, p.RequiresApproval())

	out, err := p.Execute(context.Background(), map[string]any{"name": " Ana ", "address": "1 Main St"}, nil)
	require.NoError(t, err)
	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "pizza_1700000000000", res["orderId"])
	assert.Equal(t, "Order placed for Ana at 1 Main St.", res["message"])

	_, err = p.Execute(context.Background(), map[string]any{"name": "Ana"}, nil)
	assert.EqualError(t, err, "missing address")

	assert.Contains(t, p.ApprovalMessage(map[string]any{"name": "Ana", "address": "1 Main St"}), "1 Main St")
}
