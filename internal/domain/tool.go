package domain

import "context"

// Tool is the minimal shape every callable capability provides, whether it is
// compiled in or loaded from an installed bundle. Loaded modules satisfy it
// structurally and only use builtin types in their signatures.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]any, secrets map[string]string) (string, error)
}

// SecretRequirer is implemented by tools that need operator-provided secrets.
type SecretRequirer interface {
	RequiredSecrets() []string
}

// ApprovalRequirer is implemented by tools that must be confirmed by a human.
type ApprovalRequirer interface {
	RequiresApproval() bool
}

// ApprovalMessenger renders the question shown to the approver.
type ApprovalMessenger interface {
	ApprovalMessage(input map[string]any) string
}

// Parameterized exposes a JSON Schema "parameters" object for the prompt.
type Parameterized interface {
	Parameters() map[string]any
}

// Capability is a resolved, validated tool as held by the catalog.
type Capability interface {
	Tool
	RequiredSecrets() []string
	RequiresApproval() bool
	ApprovalMessage(input map[string]any) string
	Parameters() map[string]any
	// ValidateInput checks input against the declared input schema, if any.
	ValidateInput(input map[string]any) error
	// Source is "builtin" or "<id>@<version>" for installed tools.
	Source() string
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
