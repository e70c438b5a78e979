// Package agent runs the chat turn: it asks the model for one action at a
// time and feeds back fact searches and tool results until it gets an answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"jumith/internal/domain"
	"jumith/internal/invoke"
	"jumith/internal/tool"
	"jumith/internal/vault"
)

const (
	defaultMaxSteps     = 5
	defaultHistoryLimit = 20
	factSearchLimit     = 8
	exhaustedReply      = "I could not complete the request."
)

// Invoker runs a tool call against a catalog.
type Invoker interface {
	Invoke(ctx context.Context, catalog *tool.Catalog, name string, input map[string]any) invoke.Result
}

// FactExtractor stores facts found in a user message.
type FactExtractor interface {
	Extract(ctx context.Context, userMessage string) ([]domain.Fact, error)
}

// SecretStore is used to collect missing tool secrets before a call.
type SecretStore interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
	SetSecretOnce(ctx context.Context, key, value string) (bool, error)
}

type Config struct {
	Model      domain.ChatModel
	Memory     domain.ConversationStore
	Extractor  FactExtractor // optional
	Invoker    Invoker
	Catalog    *tool.Catalog
	Secrets    SecretStore       // optional
	Interactor domain.Interactor // optional, prompts for missing secrets
	// OnToolCall is notified before each tool call, e.g. to echo it to the user.
	OnToolCall   func(name string, input map[string]any)
	MaxSteps     int
	HistoryLimit int
	Logger       *slog.Logger
	Now          func() time.Time
}

type Orchestrator struct {
	model        domain.ChatModel
	memory       domain.ConversationStore
	extractor    FactExtractor
	invoker      Invoker
	catalog      atomic.Pointer[tool.Catalog]
	secrets      SecretStore
	interactor   domain.Interactor
	onToolCall   func(string, map[string]any)
	maxSteps     int
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		model:        cfg.Model,
		memory:       cfg.Memory,
		extractor:    cfg.Extractor,
		invoker:      cfg.Invoker,
		secrets:      cfg.Secrets,
		interactor:   cfg.Interactor,
		onToolCall:   cfg.OnToolCall,
		maxSteps:     cfg.MaxSteps,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	o.catalog.Store(cfg.Catalog)
	return o
}

// SetCatalog replaces the tools visible to later turns.
func (o *Orchestrator) SetCatalog(c *tool.Catalog) { o.catalog.Store(c) }

// Catalog returns the current tool catalog.
func (o *Orchestrator) Catalog() *tool.Catalog { return o.catalog.Load() }

// HandleTurn processes one user message and returns the assistant reply.
func (o *Orchestrator) HandleTurn(ctx context.Context, userText string) (string, error) {
	if err := o.memory.SaveMessage(ctx, "user", userText); err != nil {
		return "", fmt.Errorf("chat failed: %w", err)
	}
	history, err := o.memory.GetRecentMessages(ctx, o.historyLimit)
	if err != nil {
		return "", fmt.Errorf("chat failed: %w", err)
	}

	catalog := o.catalog.Load()
	base := make([]domain.Message, 0, len(history)+1)
	base = append(base, domain.Message{Role: "system", Content: buildSystemPrompt(o.now(), catalog.Definitions())})
	for _, m := range history {
		base = append(base, domain.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := o.run(ctx, catalog, base)
	if err != nil {
		return "", fmt.Errorf("chat failed: %w", err)
	}

	if err := o.memory.SaveMessage(ctx, "assistant", reply); err != nil {
		return "", fmt.Errorf("chat failed: %w", err)
	}
	if o.extractor != nil {
		if _, err := o.extractor.Extract(ctx, userText); err != nil {
			o.logger.Warn("fact extraction failed", "err", err)
		}
	}
	return reply, nil
}

func (o *Orchestrator) run(ctx context.Context, catalog *tool.Catalog, base []domain.Message) (string, error) {
	zero := 0.0
	messages := base
	for step := 0; step < o.maxSteps; step++ {
		reply, err := o.model.Chat(ctx, messages, domain.ChatOptions{Temperature: &zero})
		if err != nil {
			return "", err
		}
		action := parseAction(reply)
		o.logger.Debug("agent action", "step", step, "action", action.Kind, "tool", action.Tool)

		var observation string
		switch action.Kind {
		case ActionFinal:
			return action.Response, nil
		case ActionSearchFacts:
			facts, err := o.memory.SearchFacts(ctx, action.Terms, factSearchLimit)
			if err != nil {
				o.logger.Warn("fact search failed", "err", err)
			}
			observation = renderFacts(facts)
		case ActionCallTool:
			observation = o.callTool(ctx, catalog, action)
		}
		messages = append(messages,
			domain.Message{Role: "assistant", Content: reply},
			domain.Message{Role: "system", Content: observation},
		)
	}
	return exhaustedReply, nil
}

func (o *Orchestrator) callTool(ctx context.Context, catalog *tool.Catalog, action Action) string {
	if o.onToolCall != nil {
		o.onToolCall(action.Tool, action.Input)
	}
	if c, ok := catalog.Get(action.Tool); ok {
		o.ensureSecrets(ctx, c)
	}
	res := o.invoker.Invoke(ctx, catalog, action.Tool, action.Input)
	return fmt.Sprintf("Tool result (%s, %s):\n%s", action.Tool, res.Status, res.Message())
}

// ensureSecrets asks the operator for each declared secret that is not
// stored yet. Declined prompts are left missing; the invocation then reports
// them.
func (o *Orchestrator) ensureSecrets(ctx context.Context, c domain.Capability) {
	if o.secrets == nil || o.interactor == nil {
		return
	}
	for _, name := range c.RequiredSecrets() {
		key := vault.Key(c.Name(), name)
		if _, ok, err := o.secrets.GetSecret(ctx, key); err != nil || ok {
			continue
		}
		value, ok, err := o.interactor.PromptSecret(ctx, fmt.Sprintf("Enter secret for %s (%s): ", c.Name(), name))
		if err != nil {
			o.logger.Warn("secret prompt failed", "tool", c.Name(), "secret", name, "err", err)
			return
		}
		if !ok || value == "" {
			continue
		}
		if _, err := o.secrets.SetSecretOnce(ctx, key, value); err != nil {
			o.logger.Error("failed to store secret", "tool", c.Name(), "secret", name, "err", err)
		}
	}
}
