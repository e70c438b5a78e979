package domain

import "context"

// Interactor is the human-facing surface used for approvals and secret entry.
type Interactor interface {
	Confirm(ctx context.Context, message string) (bool, error)
	// PromptSecret returns ok=false when the operator declined to provide a value.
	PromptSecret(ctx context.Context, message string) (value string, ok bool, err error)
}
