package domain

import "context"

type SecurityAction string

const (
	ActionAllow   SecurityAction = "allow"
	ActionBlock   SecurityAction = "block"
	ActionConfirm SecurityAction = "confirm"
)

type AuditEntry struct {
	Action   string // confirm_yes | confirm_no | tool_blocked | tool_install | tool_remove | secret_set | secret_clear
	ToolName string
	Command  string
	Result   string // allowed | blocked | confirmed | denied | ok
	Details  string
}

// AuditLogger is the sink for audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}
