package invoke

import (
	"fmt"
	"strings"
)

type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// MissingSecretError lists the declared secrets that have no stored value.
type MissingSecretError struct {
	Tool    string
	Missing []string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("tool %q is missing secrets: %s", e.Tool, strings.Join(e.Missing, ", "))
}

type ApprovalDeniedError struct {
	Tool   string
	Reason string
}

func (e *ApprovalDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %q was not approved", e.Tool)
	}
	return fmt.Sprintf("tool %q was not approved: %s", e.Tool, e.Reason)
}

// ExecutionError wraps a failure raised by the tool itself.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
