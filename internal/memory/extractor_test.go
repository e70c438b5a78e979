package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jumith/internal/domain"
)

type scriptedModel struct {
	reply string
	err   error
	got   []domain.Message
}

func (m *scriptedModel) Chat(ctx context.Context, msgs []domain.Message, opts domain.ChatOptions) (string, error) {
	m.got = msgs
	return m.reply, m.err
}

func TestParseFacts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []domain.Fact
	}{
		{"plain", `[{"key":"Home City","value":" Hanoi "}]`, []domain.Fact{{Key: "home_city", Value: "Hanoi"}}},
		{"fenced", "```json\n[{\"key\":\"pet\",\"value\":\"cat\"}]\n```", []domain.Fact{{Key: "pet", Value: "cat"}}},
		{"drops bad items", `[{"key":"a","value":1},{"key":"!!!","value":"x"},"str",{"key":"ok","value":"y"}]`, []domain.Fact{{Key: "ok", Value: "y"}}},
		{"empty array", `[]`, nil},
		{"not json", `no facts here`, nil},
		{"broken", `[{"key":`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFacts(tt.in))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "favorite_food", NormalizeKey("  Favorite   Food! "))
	assert.Equal(t, "a-b_c", NormalizeKey("A-B_C"))
}

func TestExtractor_StoresModelFacts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	model := &scriptedModel{reply: `[{"key":"home_city","value":"Hanoi"}]`}
	e := NewExtractor(model, s, testLogger())

	facts, err := e.Extract(ctx, "I live in Hanoi")
	require.NoError(t, err)
	assert.Len(t, facts, 1)
	require.Len(t, model.got, 2)
	assert.Equal(t, "I live in Hanoi", model.got[1].Content)

	stored, err := s.SearchFacts(ctx, []string{"hanoi"}, 5)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestExtractor_ModelError(t *testing.T) {
	e := NewExtractor(&scriptedModel{err: errors.New("503")}, newStore(t), testLogger())
	_, err := e.Extract(context.Background(), "I like tea")
	assert.Error(t, err)
}

func TestExtractor_HeuristicFallback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := NewExtractor(nil, s, testLogger())

	facts, err := e.Extract(ctx, "My name is Lan and I prefer green tea")
	require.NoError(t, err)
	keys := []string{}
	for _, f := range facts {
		keys = append(keys, f.Key)
	}
	assert.ElementsMatch(t, []string{"preference", "about_me"}, keys)

	facts, err = e.Extract(ctx, "what time is it")
	require.NoError(t, err)
	assert.Empty(t, facts)
}
