package security

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"jumith/internal/config"
	"jumith/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *recordingAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func defaultTestCfg() config.SecurityConfig {
	return config.SecurityConfig{
		BlockedTools:          []string{"rm_rf", "^danger_.*"},
		ConfirmTools:          []string{"send_email"},
		ConfirmTimeoutSeconds: 10,
		AuditLog:              true,
	}
}

func mustGate(t *testing.T, cfg config.SecurityConfig, fn ConfirmFunc, audit domain.AuditLogger) *Gate {
	t.Helper()
	g, err := NewGate(cfg, fn, audit, testLogger())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestCheck(t *testing.T) {
	g := mustGate(t, defaultTestCfg(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		tool     string
		approval bool
		want     domain.SecurityAction
	}{
		{"echo", false, domain.ActionAllow},
		{"order_pizza", true, domain.ActionConfirm},
		{"send_email", false, domain.ActionConfirm},
		{"SEND_EMAIL", false, domain.ActionConfirm},
		{"send_email_later", false, domain.ActionAllow},
		{"rm_rf", false, domain.ActionBlock},
		{"rm_rf", true, domain.ActionBlock},
		{"danger_zone", false, domain.ActionBlock},
	}
	for _, tt := range tests {
		if got := g.Check(ctx, tt.tool, tt.approval); got != tt.want {
			t.Errorf("Check(%q, %v) = %v, want %v", tt.tool, tt.approval, got, tt.want)
		}
	}
}

func TestCheck_AuditsBlock(t *testing.T) {
	audit := &recordingAudit{}
	g := mustGate(t, defaultTestCfg(), nil, audit)
	g.Check(context.Background(), "rm_rf", false)
	if got := audit.actions(); len(got) != 1 || got[0] != "tool_blocked" {
		t.Fatalf("expected tool_blocked audit, got %v", got)
	}
}

func TestNewGate_InvalidPattern(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.BlockedTools = []string{"(unclosed"}
	if _, err := NewGate(cfg, nil, nil, testLogger()); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestRequestApproval_NoHandlerDenies(t *testing.T) {
	audit := &recordingAudit{}
	g := mustGate(t, defaultTestCfg(), nil, audit)

	ok, err := g.RequestApproval(context.Background(), "order_pizza", "Order?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected denial without a handler")
	}
	if got := audit.actions(); len(got) != 1 || got[0] != "confirm_no" {
		t.Fatalf("expected confirm_no audit, got %v", got)
	}
}

func TestRequestApproval_PassesMessage(t *testing.T) {
	audit := &recordingAudit{}
	var asked string
	g := mustGate(t, defaultTestCfg(), func(ctx context.Context, q string) (bool, error) {
		asked = q
		return true, nil
	}, audit)

	ok, err := g.RequestApproval(context.Background(), "order_pizza", "Order a pizza for Ann?")
	if err != nil || !ok {
		t.Fatalf("expected approval, got %v %v", ok, err)
	}
	if asked != "Order a pizza for Ann?" {
		t.Fatalf("unexpected question %q", asked)
	}
	if got := audit.actions(); len(got) != 1 || got[0] != "confirm_yes" {
		t.Fatalf("expected confirm_yes audit, got %v", got)
	}
}

func TestRequestApproval_Refused(t *testing.T) {
	g := mustGate(t, defaultTestCfg(), func(ctx context.Context, q string) (bool, error) { return false, nil }, nil)
	ok, err := g.RequestApproval(context.Background(), "order_pizza", "Order?")
	if err != nil || ok {
		t.Fatalf("expected refusal, got %v %v", ok, err)
	}
}

func TestRequestApproval_HandlerError(t *testing.T) {
	boom := errors.New("tty closed")
	g := mustGate(t, defaultTestCfg(), func(ctx context.Context, q string) (bool, error) { return true, boom }, nil)
	ok, err := g.RequestApproval(context.Background(), "order_pizza", "Order?")
	if ok || !errors.Is(err, boom) {
		t.Fatalf("expected denial with handler error, got %v %v", ok, err)
	}
}

func TestRequestApproval_Timeout(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.ConfirmTimeoutSeconds = 1
	audit := &recordingAudit{}
	release := make(chan struct{})
	defer close(release)
	g := mustGate(t, cfg, func(ctx context.Context, q string) (bool, error) {
		<-release
		return true, nil
	}, audit)

	start := time.Now()
	ok, err := g.RequestApproval(context.Background(), "order_pizza", "Order?")
	if ok {
		t.Fatal("expected denial on timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout took too long")
	}
	if got := audit.actions(); len(got) != 1 || got[0] != "confirm_no" {
		t.Fatalf("expected confirm_no audit, got %v", got)
	}
}
