package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"jumith/internal/domain"
	"jumith/internal/manifest"
	"jumith/internal/metrics"
	"jumith/internal/registry"
	"jumith/internal/tool"
	"jumith/internal/toolstore"
	"jumith/internal/vault"
)

const (
	defaultHistoryLimit = 20
	registrySearchLimit = 20
	logsLimit           = 10
	notConfigured       = "Registry not configured. Set REGISTRY_BASE_URL or registry.baseUrl."
)

// Agent is the chat side of the REPL.
type Agent interface {
	HandleTurn(ctx context.Context, userText string) (string, error)
	SetCatalog(c *tool.Catalog)
	Catalog() *tool.Catalog
}

// ToolStore is the local install tree.
type ToolStore interface {
	LoadTools(ctx context.Context) toolstore.LoadResult
	ListInstalled(ctx context.Context) ([]manifest.ToolManifest, error)
	ListVersions(ctx context.Context, id string) ([]string, error)
	ActiveVersion(ctx context.Context, id string) (string, bool, error)
	Prune(ctx context.Context, id string) ([]string, error)
	Watch(ctx context.Context, onChange func()) error
}

type Installer interface {
	InstallFromRegistry(ctx context.Context, id, version string) (*manifest.ToolManifest, error)
	Remove(ctx context.Context, id string) (bool, error)
}

type Registry interface {
	SearchTools(ctx context.Context, query string, opts registry.SearchOptions) (*manifest.SearchResult, error)
	DescribeTool(ctx context.Context, id string) (*manifest.ToolManifest, error)
}

type SecretStore interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
	SetSecretOnce(ctx context.Context, key, value string) (bool, error)
	DeleteSecret(ctx context.Context, key string) (bool, error)
	ClearAllSecrets(ctx context.Context) (int, error)
}

// HistoryStore exposes the transcript, facts and execution log.
type HistoryStore interface {
	GetRecentMessages(ctx context.Context, limit int) ([]domain.ChatMessage, error)
	ClearMessages(ctx context.Context) (int, error)
	ListFacts(ctx context.Context, limit int) ([]domain.Fact, error)
	ClearFacts(ctx context.Context) (int, error)
	RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionLog, error)
}

type REPLConfig struct {
	Terminal  *Terminal
	Agent     Agent
	Store     ToolStore
	Installer Installer
	Registry  Registry  // nil when no registry is configured
	Secrets   SecretStore
	History   HistoryStore
	Audit     domain.AuditLogger // optional
	Builtins  []domain.Capability
	Metrics   *metrics.Collector
	Watch     bool
	Logger    *slog.Logger
}

// REPL is the interactive terminal session. Lines that are not commands are
// sent to the agent as chat turns.
type REPL struct {
	term      *Terminal
	agent     Agent
	store     ToolStore
	installer Installer
	registry  Registry
	secrets   SecretStore
	history   HistoryStore
	audit     domain.AuditLogger
	builtins  []domain.Capability
	metrics   *metrics.Collector
	watch     bool
	logger    *slog.Logger

	reloadMu sync.Mutex
}

func NewREPL(cfg REPLConfig) *REPL {
	if cfg.Terminal == nil {
		cfg.Terminal = NewTerminal(TerminalConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &REPL{
		term:      cfg.Terminal,
		agent:     cfg.Agent,
		store:     cfg.Store,
		installer: cfg.Installer,
		registry:  cfg.Registry,
		secrets:   cfg.Secrets,
		history:   cfg.History,
		audit:     cfg.Audit,
		builtins:  cfg.Builtins,
		metrics:   cfg.Metrics,
		watch:     cfg.Watch,
		logger:    cfg.Logger,
	}
}

// Run loads the tool catalog and reads commands until exit, end of input or
// cancellation.
func (r *REPL) Run(ctx context.Context) error {
	r.ReloadTools(ctx, true)

	if r.watch {
		go func() {
			err := r.store.Watch(ctx, func() {
				r.logger.Info("tool tree changed, reloading catalog")
				r.ReloadTools(ctx, false)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("tool watcher stopped", "err", err)
			}
		}()
	}

	r.term.Dim("Jumith. Type 'help' for commands, 'exit' to quit.")
	for {
		line, err := r.term.ReadLine(ctx, "> ")
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if quit := r.Handle(ctx, line); quit {
			return nil
		}
	}
}

// ReloadTools rebuilds the catalog from built-ins and the install tree.
// Load failures are reported but never stop the reload.
func (r *REPL) ReloadTools(ctx context.Context, report bool) []string {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	res := r.store.LoadTools(ctx)
	catalog := tool.BuildCatalog(r.builtins, res.Tools, r.logger)
	r.agent.SetCatalog(catalog)
	builtins, installed := catalog.Counts()
	r.metrics.SetCatalogSize(builtins, installed)

	problems := append(append([]string(nil), res.Errors...), shadowNotes(catalog.Shadowed)...)
	if len(problems) > 0 {
		for _, e := range res.Errors {
			r.logger.Warn("tool failed to load", "err", e)
		}
		if report {
			r.term.Warn("Some installed tools failed to load:")
			for _, p := range problems {
				r.term.Warn("  - %s", p)
			}
		}
	}
	return problems
}

func shadowNotes(shadowed []string) []string {
	notes := make([]string, 0, len(shadowed))
	for _, s := range shadowed {
		notes = append(notes, "shadowed by an existing tool: "+s)
	}
	return notes
}

// Handle dispatches one input line and reports whether the session should end.
func (r *REPL) Handle(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command := strings.ToLower(fields[0])
	rest := fields[1:]

	switch command {
	case "exit", "quit":
		return true
	case "help", "?":
		r.printHelp()
	case "tools":
		r.toolsCommand(ctx, rest)
	case "tool":
		name := strings.TrimSpace(strings.Join(rest, " "))
		if name == "" {
			r.term.Println("Usage: tool <name>")
			break
		}
		r.describeTool(name)
	case "registry":
		r.registryCommand(ctx, rest)
	case "secrets":
		r.secretsCommand(ctx, rest)
	case "history":
		if arg(rest, 0) == "clear" {
			r.clearHistory(ctx)
			break
		}
		r.showHistory(ctx, parseLimit(arg(rest, 0), defaultHistoryLimit))
	case "facts":
		if arg(rest, 0) == "clear" {
			n, err := r.history.ClearFacts(ctx)
			if err != nil {
				r.term.Error("Failed to clear facts: %v", err)
				break
			}
			r.term.Success("Cleared %d facts.", n)
			break
		}
		r.showFacts(ctx, parseLimit(arg(rest, 0), 0))
	case "logs":
		r.showLogs(ctx, parseLimit(arg(rest, 0), logsLimit))
	case "chat":
		if arg(rest, 0) == "clear" {
			r.clearHistory(ctx)
			break
		}
		r.term.Println("Usage: chat clear")
	default:
		r.chat(ctx, line)
	}
	return false
}

func (r *REPL) chat(ctx context.Context, line string) {
	reply, err := r.agent.HandleTurn(ctx, line)
	if err != nil {
		r.logger.Error("chat turn failed", "err", err)
		r.term.Error("%v", err)
		return
	}
	r.term.Println(reply)
}

func (r *REPL) printHelp() {
	r.term.Println(`Commands:
  help | ?                        Show this help
  tools                           List available tools
  tools install <id> [version]    Install tool from registry
  tools remove <id>               Remove installed tool
  tools list-installed            List installed registry tools
  tools versions <id>             List installed versions of a tool
  tools prune <id>                Remove inactive versions of a tool
  tool <name>                     Describe a tool
  registry search <query>         Search the registry
  registry describe <id>          Show registry tool details
  secrets status <tool>           Show secrets status for a tool
  secrets clear <tool>            Clear secrets for a tool
  secrets clear-all               Clear all secrets
  secrets set <tool> <name>       Set a secret once
  history [n]                     Show last n chat messages
  history clear                   Clear chat history
  facts [n]                       List facts (optionally limit)
  facts clear                     Clear all facts
  logs [n]                        Show recent tool executions
  chat clear                      Clear chat history
  exit                            Quit`)
}

func (r *REPL) toolsCommand(ctx context.Context, rest []string) {
	switch arg(rest, 0) {
	case "":
		r.listTools()
	case "install":
		r.installTool(ctx, argRaw(rest, 1), argRaw(rest, 2))
	case "remove":
		r.removeTool(ctx, argRaw(rest, 1))
	case "list-installed":
		r.listInstalled(ctx)
	case "versions":
		r.listVersions(ctx, argRaw(rest, 1))
	case "prune":
		r.pruneTool(ctx, argRaw(rest, 1))
	default:
		r.term.Println("Usage: tools [install|remove|list-installed|versions|prune]")
	}
}

func (r *REPL) listTools() {
	tools := r.agent.Catalog().List()
	if len(tools) == 0 {
		r.term.Println("No tools registered.")
		return
	}
	r.term.Println("Tools:")
	for _, t := range tools {
		r.term.Printf("  - %s: %s\n", t.Name(), t.Description())
	}
}

func (r *REPL) describeTool(name string) {
	t, ok := r.agent.Catalog().Get(name)
	if !ok {
		r.term.Println("Tool not found: " + name)
		return
	}
	r.term.Printf("Name: %s\n", t.Name())
	r.term.Printf("Description: %s\n", t.Description())
	r.term.Printf("Source: %s\n", t.Source())
	r.term.Printf("Requires approval: %s\n", yesNo(t.RequiresApproval()))
	r.term.Printf("Required secrets: %s\n", listOrNone(t.RequiredSecrets()))
}

func (r *REPL) installTool(ctx context.Context, id, version string) {
	if r.installer == nil || r.registry == nil {
		r.term.Warn(notConfigured)
		return
	}
	if id == "" {
		r.term.Println("Usage: tools install <id> [version]")
		return
	}
	m, err := r.installer.InstallFromRegistry(ctx, id, version)
	if err != nil {
		r.term.Error("Tool install failed: %v", err)
		return
	}
	r.term.Success("Installed %s (%s) @ %s", m.Name, m.ID, m.Version)
	r.ReloadTools(ctx, true)
}

func (r *REPL) removeTool(ctx context.Context, id string) {
	if id == "" {
		r.term.Println("Usage: tools remove <id>")
		return
	}
	removed, err := r.installer.Remove(ctx, id)
	if err != nil {
		r.term.Error("Tool remove failed: %v", err)
		return
	}
	if !removed {
		r.term.Println("Tool not installed: " + id)
		return
	}
	r.term.Success("Removed %s", id)
	r.ReloadTools(ctx, true)
}

func (r *REPL) listInstalled(ctx context.Context) {
	installed, err := r.store.ListInstalled(ctx)
	if err != nil {
		r.term.Error("Failed to list installed tools: %v", err)
		return
	}
	if len(installed) == 0 {
		r.term.Println("No registry tools installed.")
		return
	}
	r.term.Println("Installed registry tools:")
	for _, m := range installed {
		r.term.Printf("  - %s (%s) @ %s\n", m.Name, m.ID, m.Version)
	}
}

func (r *REPL) listVersions(ctx context.Context, id string) {
	if id == "" {
		r.term.Println("Usage: tools versions <id>")
		return
	}
	versions, err := r.store.ListVersions(ctx, id)
	if err != nil {
		r.term.Error("Failed to list versions: %v", err)
		return
	}
	if len(versions) == 0 {
		r.term.Println("Tool not installed: " + id)
		return
	}
	active, _, err := r.store.ActiveVersion(ctx, id)
	if err != nil {
		r.logger.Warn("read active version failed", "id", id, "err", err)
	}
	for _, v := range versions {
		marker := " "
		if v == active {
			marker = "*"
		}
		r.term.Printf("  %s %s\n", marker, v)
	}
}

func (r *REPL) pruneTool(ctx context.Context, id string) {
	if id == "" {
		r.term.Println("Usage: tools prune <id>")
		return
	}
	removed, err := r.store.Prune(ctx, id)
	if err != nil {
		r.term.Error("Prune failed: %v", err)
		return
	}
	if len(removed) == 0 {
		r.term.Println("Nothing to prune.")
		return
	}
	r.term.Success("Pruned %s: %s", id, strings.Join(removed, ", "))
}

func (r *REPL) registryCommand(ctx context.Context, rest []string) {
	switch arg(rest, 0) {
	case "search":
		r.searchRegistry(ctx, strings.TrimSpace(strings.Join(rest[1:], " ")))
	case "describe":
		r.describeRegistryTool(ctx, strings.TrimSpace(strings.Join(rest[1:], " ")))
	default:
		r.term.Println("Usage: registry search <query> | registry describe <id>")
	}
}

func (r *REPL) searchRegistry(ctx context.Context, query string) {
	if r.registry == nil {
		r.term.Warn(notConfigured)
		return
	}
	if query == "" {
		r.term.Println("Usage: registry search <query>")
		return
	}
	res, err := r.registry.SearchTools(ctx, query, registry.SearchOptions{Limit: registrySearchLimit})
	if err != nil {
		r.term.Error("Registry search failed: %v", err)
		return
	}
	if len(res.Results) == 0 {
		r.term.Println("No tools found.")
		return
	}
	r.term.Printf("Found %d tool(s):\n", len(res.Results))
	for _, s := range res.Results {
		r.term.Printf("  - %s (%s) @ %s\n", s.Name, s.ID, s.Version)
		r.term.Printf("    %s\n", s.Summary)
	}
}

func (r *REPL) describeRegistryTool(ctx context.Context, id string) {
	if r.registry == nil {
		r.term.Warn(notConfigured)
		return
	}
	if id == "" {
		r.term.Println("Usage: registry describe <id>")
		return
	}
	m, err := r.registry.DescribeTool(ctx, id)
	if err != nil {
		r.term.Error("Registry describe failed: %v", err)
		return
	}
	approval, _ := m.ApprovalRequired()
	r.term.Printf("Name: %s\n", m.Name)
	r.term.Printf("Id: %s\n", m.ID)
	r.term.Printf("Version: %s\n", m.Version)
	r.term.Printf("Summary: %s\n", m.Summary)
	r.term.Printf("Description: %s\n", m.Description)
	r.term.Printf("Requires approval: %s\n", yesNo(approval))
	r.term.Printf("Required secrets: %s\n", listOrNone(m.RequiredSecrets))
}

func (r *REPL) secretsCommand(ctx context.Context, rest []string) {
	switch arg(rest, 0) {
	case "status":
		name := strings.TrimSpace(strings.Join(rest[1:], " "))
		if name == "" {
			r.term.Println("Usage: secrets status <tool>")
			return
		}
		r.secretStatus(ctx, name)
	case "clear":
		name := strings.TrimSpace(strings.Join(rest[1:], " "))
		if name == "" {
			r.term.Println("Usage: secrets clear <tool>")
			return
		}
		r.clearSecrets(ctx, name)
	case "clear-all":
		n, err := r.secrets.ClearAllSecrets(ctx)
		if err != nil {
			r.term.Error("Failed to clear secrets: %v", err)
			return
		}
		r.logAudit(ctx, domain.AuditEntry{Action: "secret_clear", Command: "secrets clear-all", Result: "ok", Details: strconv.Itoa(n)})
		r.term.Success("Cleared %d secrets total.", n)
	case "set":
		toolName, secretName := argRaw(rest, 1), argRaw(rest, 2)
		if toolName == "" || secretName == "" {
			r.term.Println("Usage: secrets set <tool> <name>")
			return
		}
		r.setSecret(ctx, toolName, secretName)
	default:
		r.term.Println("Usage: secrets status <tool> | secrets clear <tool> | secrets clear-all | secrets set <tool> <name>")
	}
}

// declaredSecrets resolves a catalog tool and its secret names.
func (r *REPL) declaredSecrets(name string) (domain.Capability, []string, bool) {
	t, ok := r.agent.Catalog().Get(name)
	if !ok {
		r.term.Println("Tool not found: " + name)
		return nil, nil, false
	}
	secrets := t.RequiredSecrets()
	if len(secrets) == 0 {
		r.term.Printf("Tool %s requires no secrets.\n", t.Name())
		return t, nil, false
	}
	return t, secrets, true
}

func (r *REPL) secretStatus(ctx context.Context, name string) {
	t, secrets, ok := r.declaredSecrets(name)
	if !ok {
		return
	}
	r.term.Printf("Secrets for %s:\n", t.Name())
	for _, s := range secrets {
		_, present, err := r.secrets.GetSecret(ctx, vault.Key(t.Name(), s))
		status := "missing"
		switch {
		case err != nil:
			status = "error: " + err.Error()
		case present:
			status = "set"
		}
		r.term.Printf("  - %s: %s\n", s, status)
	}
}

func (r *REPL) clearSecrets(ctx context.Context, name string) {
	t, secrets, ok := r.declaredSecrets(name)
	if !ok {
		return
	}
	cleared := 0
	for _, s := range secrets {
		removed, err := r.secrets.DeleteSecret(ctx, vault.Key(t.Name(), s))
		if err != nil {
			r.term.Error("Failed to clear %s: %v", s, err)
			return
		}
		if removed {
			cleared++
		}
	}
	r.logAudit(ctx, domain.AuditEntry{Action: "secret_clear", ToolName: t.Name(), Command: "secrets clear", Result: "ok", Details: strconv.Itoa(cleared)})
	r.term.Success("Cleared %d secrets for %s.", cleared, t.Name())
}

func (r *REPL) setSecret(ctx context.Context, toolName, secretName string) {
	t, secrets, ok := r.declaredSecrets(toolName)
	if !ok {
		return
	}
	declared := false
	for _, s := range secrets {
		if s == secretName {
			declared = true
			break
		}
	}
	if !declared {
		r.term.Printf("Secret not declared on %s. Expected one of: %s\n", t.Name(), listOrNone(secrets))
		return
	}

	key := vault.Key(t.Name(), secretName)
	if _, present, err := r.secrets.GetSecret(ctx, key); err != nil {
		r.term.Error("Failed to read secret: %v", err)
		return
	} else if present {
		r.term.Printf("Secret already set for %s (%s).\n", t.Name(), secretName)
		return
	}

	value, ok, err := r.term.PromptSecret(ctx, fmt.Sprintf("Enter secret for %s (%s)", t.Name(), secretName))
	if err != nil {
		r.term.Error("%v", err)
		return
	}
	if !ok {
		r.term.Println("Secret not set (empty value).")
		return
	}
	stored, err := r.secrets.SetSecretOnce(ctx, key, value)
	if err != nil {
		r.term.Error("Failed to store secret: %v", err)
		return
	}
	if !stored {
		r.term.Printf("Secret already set for %s (%s).\n", t.Name(), secretName)
		return
	}
	r.logAudit(ctx, domain.AuditEntry{Action: "secret_set", ToolName: t.Name(), Command: "secrets set " + secretName, Result: "ok"})
	r.term.Success("Secret set for %s (%s).", t.Name(), secretName)
}

func (r *REPL) showHistory(ctx context.Context, limit int) {
	messages, err := r.history.GetRecentMessages(ctx, limit)
	if err != nil {
		r.term.Error("Failed to read history: %v", err)
		return
	}
	if len(messages) == 0 {
		r.term.Println("No chat history.")
		return
	}
	for _, m := range messages {
		r.term.Printf("%s: %s\n", m.Role, m.Content)
	}
}

func (r *REPL) clearHistory(ctx context.Context) {
	if _, err := r.history.ClearMessages(ctx); err != nil {
		r.term.Error("Failed to clear history: %v", err)
		return
	}
	r.term.Success("Cleared chat history.")
}

func (r *REPL) showFacts(ctx context.Context, limit int) {
	facts, err := r.history.ListFacts(ctx, limit)
	if err != nil {
		r.term.Error("Failed to read facts: %v", err)
		return
	}
	if len(facts) == 0 {
		r.term.Println("No facts stored.")
		return
	}
	for _, f := range facts {
		r.term.Printf("- %s: %s\n", f.Key, f.Value)
	}
}

func (r *REPL) showLogs(ctx context.Context, limit int) {
	entries, err := r.history.RecentExecutions(ctx, limit)
	if err != nil {
		r.term.Error("Failed to read execution log: %v", err)
		return
	}
	if len(entries) == 0 {
		r.term.Println("No tool executions recorded.")
		return
	}
	for _, e := range entries {
		r.term.Printf("%s  %-8s %s  %s\n",
			e.StartedAt.Format("2006-01-02 15:04:05"), e.Status, e.ToolName, oneLine(e.Output, 80))
	}
}

func (r *REPL) logAudit(ctx context.Context, entry domain.AuditEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.LogAudit(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("audit log failed", "action", entry.Action, "err", err)
	}
}

func arg(args []string, i int) string {
	return strings.ToLower(argRaw(args, i))
}

func argRaw(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return strings.TrimSpace(args[i])
}

func parseLimit(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
