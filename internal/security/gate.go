package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"jumith/internal/config"
	"jumith/internal/domain"
)

const defaultConfirmTimeout = 120 * time.Second

// ConfirmFunc is a callback to request user confirmation.
// It sends the question and returns true if the user confirmed.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

// Gate decides whether a tool call may run and asks the operator when it
// needs approval. Anything that cannot be confirmed is denied.
type Gate struct {
	cfg         config.SecurityConfig
	confirmFn   ConfirmFunc
	auditLogger domain.AuditLogger
	logger      *slog.Logger

	blockedRe []*regexp.Regexp
	confirmRe []*regexp.Regexp
}

func NewGate(cfg config.SecurityConfig, confirmFn ConfirmFunc, auditLogger domain.AuditLogger, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		cfg:         cfg,
		confirmFn:   confirmFn,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	g.blockedRe, err = compilePatterns(cfg.BlockedTools)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked tool pattern: %w", err)
	}
	g.confirmRe, err = compilePatterns(cfg.ConfirmTools)
	if err != nil {
		return nil, fmt.Errorf("invalid confirm tool pattern: %w", err)
	}
	return g, nil
}

// SetConfirmFunc swaps the confirmation handler, e.g. when a channel that can
// ask the operator comes up after the gate was built.
func (g *Gate) SetConfirmFunc(fn ConfirmFunc) { g.confirmFn = fn }

// Check classifies a call to toolName. Blocked patterns win over everything;
// a tool's own approval flag or a confirm pattern asks; anything else runs.
func (g *Gate) Check(ctx context.Context, toolName string, requiresApproval bool) domain.SecurityAction {
	for _, re := range g.blockedRe {
		if re.MatchString(toolName) {
			g.logger.Warn("tool BLOCKED by policy", "tool", toolName, "pattern", re.String())
			g.logAction(ctx, "tool_blocked", toolName, "", "blocked", "blocked pattern: "+re.String())
			return domain.ActionBlock
		}
	}
	if requiresApproval {
		return domain.ActionConfirm
	}
	for _, re := range g.confirmRe {
		if re.MatchString(toolName) {
			g.logger.Info("tool requires confirmation", "tool", toolName, "pattern", re.String())
			return domain.ActionConfirm
		}
	}
	return domain.ActionAllow
}

// RequestApproval asks the operator with message. It returns false on
// refusal, on timeout, and when no confirmation handler is registered.
func (g *Gate) RequestApproval(ctx context.Context, toolName, message string) (bool, error) {
	if g.confirmFn == nil {
		g.logAction(ctx, "confirm_no", toolName, message, "denied", "no confirmation handler")
		return false, nil
	}

	timeout := time.Duration(g.cfg.ConfirmTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	confirmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := g.confirmFn(confirmCtx, message)
		ch <- answer{ok, err}
	}()

	var a answer
	select {
	case a = <-ch:
	case <-confirmCtx.Done():
		a = answer{false, fmt.Errorf("confirmation for %s: %w", toolName, confirmCtx.Err())}
	}

	if a.err != nil {
		g.logAction(ctx, "confirm_no", toolName, message, "denied", "confirmation error: "+a.err.Error())
		return false, a.err
	}
	if a.ok {
		g.logAction(ctx, "confirm_yes", toolName, message, "confirmed", "user confirmed")
	} else {
		g.logAction(ctx, "confirm_no", toolName, message, "denied", "user denied")
	}
	return a.ok, nil
}

func (g *Gate) logAction(ctx context.Context, action, toolName, command, result, details string) {
	if !g.cfg.AuditLog || g.auditLogger == nil {
		return
	}
	// The request context may already be expired by a confirmation timeout.
	if err := g.auditLogger.LogAudit(context.WithoutCancel(ctx), domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  command,
		Result:   result,
		Details:  details,
	}); err != nil {
		g.logger.Error("failed to write audit log", "action", action, "err", err)
	}
}

// Plain names match a whole tool name case-insensitively; anything with
// regex metacharacters is compiled as is.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)^` + regexp.QuoteMeta(p) + `$`)
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
