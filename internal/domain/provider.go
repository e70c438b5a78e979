package domain

import "context"

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
}

// ChatModel is the opaque language-model call used by the agent and the
// fact extractor.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}
