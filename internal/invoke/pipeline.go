// Package invoke runs one tool call from lookup to audit record.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jumith/internal/domain"
	"jumith/internal/metrics"
	"jumith/internal/telemetry"
	"jumith/internal/tool"
	"jumith/internal/vault"
)

// SecretReader looks up stored secrets by vault key.
type SecretReader interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
}

// Approver is the security gate consulted before a tool runs.
type Approver interface {
	Check(ctx context.Context, toolName string, requiresApproval bool) domain.SecurityAction
	RequestApproval(ctx context.Context, toolName, message string) (bool, error)
}

// Result is the outcome of one invocation. Err is nil only on success.
type Result struct {
	Tool   string
	Status domain.ExecutionStatus
	Output string
	Err    error
}

// Message renders the result as one observation line for the agent.
func (r Result) Message() string {
	switch r.Status {
	case domain.StatusSuccess:
		return r.Output
	case domain.StatusDenied:
		return fmt.Sprintf("Tool %s was not run: %v", r.Tool, r.Err)
	default:
		return fmt.Sprintf("Tool %s failed: %v", r.Tool, r.Err)
	}
}

type Config struct {
	Secrets SecretReader
	Gate    Approver          // nil denies every call that needs approval
	Log     domain.ExecutionRecorder
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// unknownToolLabel stands in for names that are not in the catalog, so
// invented names cannot grow the metric label set.
const unknownToolLabel = "unknown"

// Pipeline resolves, validates, authorizes, executes and records tool calls.
type Pipeline struct {
	secrets SecretReader
	gate    Approver
	log     domain.ExecutionRecorder
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		secrets: cfg.Secrets,
		gate:    cfg.Gate,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// Invoke runs the named tool against catalog. It never panics and writes
// exactly one execution log entry, whatever the outcome.
func (p *Pipeline) Invoke(ctx context.Context, catalog *tool.Catalog, name string, input map[string]any) Result {
	ctx, span := p.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	started := p.now()
	res := p.run(ctx, catalog, name, input)
	finished := p.now()

	span.SetAttributes(attribute.String("tool.status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Status))
	}
	label := name
	var nf *ToolNotFoundError
	if errors.As(res.Err, &nf) {
		label = unknownToolLabel
	}
	p.metrics.ObserveInvocation(label, string(res.Status), finished.Sub(started))
	p.record(ctx, res, input, started, finished)
	return res
}

func (p *Pipeline) run(ctx context.Context, catalog *tool.Catalog, name string, input map[string]any) Result {
	res := Result{Tool: name, Status: domain.StatusError}

	c, ok := catalog.Get(name)
	if !ok {
		res.Err = &ToolNotFoundError{Name: name}
		return res
	}
	if input == nil {
		input = map[string]any{}
	}

	if err := c.ValidateInput(input); err != nil {
		res.Err = err
		return res
	}

	secrets, err := p.collectSecrets(ctx, c)
	if err != nil {
		res.Err = err
		var missing *MissingSecretError
		if errors.As(err, &missing) {
			res.Status = domain.StatusDenied
		}
		return res
	}

	if err := p.authorize(ctx, c, input); err != nil {
		res.Status = domain.StatusDenied
		res.Err = err
		return res
	}

	out, err := p.execute(ctx, c, input, secrets)
	if err != nil {
		res.Err = &ExecutionError{Tool: name, Err: err}
		p.logger.Warn("tool execution failed", "tool", name, "err", err)
		return res
	}
	res.Status = domain.StatusSuccess
	res.Output = out
	return res
}

// collectSecrets returns exactly the declared secrets, keyed by bare name.
func (p *Pipeline) collectSecrets(ctx context.Context, c domain.Capability) (map[string]string, error) {
	required := c.RequiredSecrets()
	secrets := make(map[string]string, len(required))
	if len(required) == 0 {
		return secrets, nil
	}
	if p.secrets == nil {
		return nil, &MissingSecretError{Tool: c.Name(), Missing: required}
	}
	var missing []string
	for _, name := range required {
		v, ok, err := p.secrets.GetSecret(ctx, vault.Key(c.Name(), name))
		if err != nil {
			return nil, fmt.Errorf("read secret %s for %s: %w", name, c.Name(), err)
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		secrets[name] = v
	}
	if len(missing) > 0 {
		return nil, &MissingSecretError{Tool: c.Name(), Missing: missing}
	}
	return secrets, nil
}

func (p *Pipeline) authorize(ctx context.Context, c domain.Capability, input map[string]any) error {
	if p.gate == nil {
		if c.RequiresApproval() {
			return &ApprovalDeniedError{Tool: c.Name(), Reason: "no approver configured"}
		}
		return nil
	}
	switch p.gate.Check(ctx, c.Name(), c.RequiresApproval()) {
	case domain.ActionBlock:
		return &ApprovalDeniedError{Tool: c.Name(), Reason: "blocked by security policy"}
	case domain.ActionConfirm:
		ok, err := p.gate.RequestApproval(ctx, c.Name(), c.ApprovalMessage(input))
		if err != nil {
			return &ApprovalDeniedError{Tool: c.Name(), Reason: err.Error()}
		}
		if !ok {
			return &ApprovalDeniedError{Tool: c.Name(), Reason: "declined by operator"}
		}
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, c domain.Capability, input map[string]any, secrets map[string]string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Execute(ctx, input, secrets)
}

func (p *Pipeline) record(ctx context.Context, res Result, input map[string]any, started, finished time.Time) {
	if p.log == nil {
		return
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		inputJSON = []byte(fmt.Sprintf("%q", fmt.Sprint(input)))
	}
	output := res.Output
	if res.Err != nil {
		output = res.Err.Error()
	}
	entry := domain.ExecutionLog{
		ID:         uuid.NewString(),
		ToolName:   res.Tool,
		Input:      string(inputJSON),
		Output:     output,
		Status:     res.Status,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err := p.log.RecordExecution(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Error("failed to record tool execution", "tool", res.Tool, "err", err)
	}
}
