package domain

import (
	"context"
	"time"
)

type ChatMessage struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
	StatusDenied  ExecutionStatus = "denied"
)

// ExecutionLog is one row of the append-only tool audit trail.
type ExecutionLog struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Input      string          `json:"input"` // JSON
	Output     string          `json:"output"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ConversationStore persists chat transcripts and extracted facts.
type ConversationStore interface {
	SaveMessage(ctx context.Context, role, content string) error
	GetRecentMessages(ctx context.Context, limit int) ([]ChatMessage, error)
	UpsertFacts(ctx context.Context, facts []Fact) error
	SearchFacts(ctx context.Context, terms []string, limit int) ([]Fact, error)
}

// ExecutionRecorder appends execution log entries.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, entry ExecutionLog) error
}
