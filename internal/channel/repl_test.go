package channel

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jumith/internal/domain"
	"jumith/internal/manifest"
	"jumith/internal/memory"
	"jumith/internal/registry"
	"jumith/internal/storage"
	"jumith/internal/tool"
	"jumith/internal/toolstore"
	"jumith/internal/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAgent struct {
	mu      sync.Mutex
	catalog *tool.Catalog
	turns   []string
	reply   string
	err     error
}

func (a *fakeAgent) HandleTurn(ctx context.Context, userText string) (string, error) {
	a.turns = append(a.turns, userText)
	return a.reply, a.err
}

func (a *fakeAgent) SetCatalog(c *tool.Catalog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.catalog = c
}

func (a *fakeAgent) Catalog() *tool.Catalog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.catalog
}

type fakeToolStore struct {
	loaded    []domain.Capability
	errors    []string
	installed []manifest.ToolManifest
	versions  map[string][]string
	active    map[string]string
	pruned    []string
	loads     int
}

func (s *fakeToolStore) LoadTools(ctx context.Context) toolstore.LoadResult {
	s.loads++
	return toolstore.LoadResult{Tools: s.loaded, Errors: s.errors}
}

func (s *fakeToolStore) ListInstalled(ctx context.Context) ([]manifest.ToolManifest, error) {
	return s.installed, nil
}

func (s *fakeToolStore) ListVersions(ctx context.Context, id string) ([]string, error) {
	return s.versions[id], nil
}

func (s *fakeToolStore) ActiveVersion(ctx context.Context, id string) (string, bool, error) {
	v, ok := s.active[id]
	return v, ok, nil
}

func (s *fakeToolStore) Prune(ctx context.Context, id string) ([]string, error) {
	return s.pruned, nil
}

func (s *fakeToolStore) Watch(ctx context.Context, onChange func()) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeInstaller struct {
	installs []string
	err      error
	removed  bool
}

func (i *fakeInstaller) InstallFromRegistry(ctx context.Context, id, version string) (*manifest.ToolManifest, error) {
	if i.err != nil {
		return nil, i.err
	}
	i.installs = append(i.installs, id+"@"+version)
	return &manifest.ToolManifest{ID: id, Name: "weather", Version: "1.2.0"}, nil
}

func (i *fakeInstaller) Remove(ctx context.Context, id string) (bool, error) {
	return i.removed, nil
}

type fakeRegistry struct {
	results []manifest.ToolSummary
	queries []string
}

func (r *fakeRegistry) SearchTools(ctx context.Context, query string, opts registry.SearchOptions) (*manifest.SearchResult, error) {
	r.queries = append(r.queries, query)
	return &manifest.SearchResult{Results: r.results, Total: len(r.results)}, nil
}

func (r *fakeRegistry) DescribeTool(ctx context.Context, id string) (*manifest.ToolManifest, error) {
	approval := true
	return &manifest.ToolManifest{
		ID: id, Name: "weather", Version: "1.2.0", Summary: "Forecasts", Description: "Weather forecasts",
		RequiresApproval: &approval, RequiredSecrets: []string{"api_key"},
	}, nil
}

// keyedTool is a minimal tool that declares one secret.
type keyedTool struct{}

func (keyedTool) Name() string              { return "weather" }
func (keyedTool) Description() string       { return "Weather forecasts" }
func (keyedTool) RequiredSecrets() []string { return []string{"api_key"} }
func (keyedTool) Execute(ctx context.Context, input map[string]any, secrets map[string]string) (string, error) {
	return "sunny", nil
}

type replHarness struct {
	repl      *REPL
	out       *bytes.Buffer
	agent     *fakeAgent
	store     *fakeToolStore
	installer *fakeInstaller
	registry  *fakeRegistry
	vault     *vault.Store
	memory    *memory.Store
}

func newHarness(t *testing.T, input string) *replHarness {
	t.Helper()
	logger := testLogger()
	db, err := storage.Open(filepath.Join(t.TempDir(), "jumith.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := memory.New(db, logger)
	require.NoError(t, mem.Init(context.Background()))
	secrets := vault.New(db, logger)

	weather, err := tool.NewCapability(keyedTool{}, tool.Overrides{Source: "acme/weather@1.2.0"})
	require.NoError(t, err)
	builtins, err := tool.Builtins()
	require.NoError(t, err)

	term, out := newTestTerminal(input)
	h := &replHarness{
		out:       out,
		agent:     &fakeAgent{reply: "hello there"},
		store:     &fakeToolStore{loaded: []domain.Capability{weather}},
		installer: &fakeInstaller{},
		registry:  &fakeRegistry{},
		vault:     secrets,
		memory:    mem,
	}
	h.repl = NewREPL(REPLConfig{
		Terminal:  term,
		Agent:     h.agent,
		Store:     h.store,
		Installer: h.installer,
		Registry:  h.registry,
		Secrets:   secrets,
		History:   mem,
		Audit:     mem,
		Builtins:  builtins,
		Logger:    logger,
	})
	h.repl.ReloadTools(context.Background(), false)
	return h
}

func TestREPL_ReloadBuildsCatalog(t *testing.T) {
	h := newHarness(t, "")
	names := h.agent.Catalog().Names()
	assert.Equal(t, []string{"add", "echo", "order_pizza", "time", "weather"}, names)
}

func TestREPL_ReloadReportsProblems(t *testing.T) {
	h := newHarness(t, "")
	echo, err := tool.NewCapability(tool.NewEchoTool(), tool.Overrides{Source: "evil/echo@1.0.0"})
	require.NoError(t, err)
	h.store.loaded = append(h.store.loaded, echo)
	h.store.errors = []string{"acme/broken: open module: bad ELF"}

	problems := h.repl.ReloadTools(context.Background(), true)
	require.Len(t, problems, 2)
	assert.Contains(t, h.out.String(), "acme/broken: open module: bad ELF")
	assert.Contains(t, h.out.String(), "shadowed by an existing tool: echo (evil/echo@1.0.0)")

	c, ok := h.agent.Catalog().Get("echo")
	require.True(t, ok)
	assert.Equal(t, tool.SourceBuiltin, c.Source())
}

func TestREPL_RunChatAndExit(t *testing.T) {
	h := newHarness(t, "hi there\n\nexit\nnever read\n")
	require.NoError(t, h.repl.Run(context.Background()))

	assert.Equal(t, []string{"hi there"}, h.agent.turns)
	assert.Contains(t, h.out.String(), "hello there")
}

func TestREPL_RunStopsAtEOF(t *testing.T) {
	h := newHarness(t, "help\n")
	require.NoError(t, h.repl.Run(context.Background()))
	assert.Contains(t, h.out.String(), "tools install <id> [version]")
	assert.Empty(t, h.agent.turns)
}

func TestREPL_ChatErrorIsPrinted(t *testing.T) {
	h := newHarness(t, "")
	h.agent.err = errors.New("chat failed: boom")
	assert.False(t, h.repl.Handle(context.Background(), "hello"))
	assert.Contains(t, h.out.String(), "chat failed: boom")
}

func TestREPL_ToolsListAndDescribe(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	h.repl.Handle(ctx, "tools")
	assert.Contains(t, h.out.String(), "  - weather: Weather forecasts")

	h.out.Reset()
	h.repl.Handle(ctx, "tool order_pizza")
	assert.Contains(t, h.out.String(), "Requires approval: yes")
	assert.Contains(t, h.out.String(), "Required secrets: (none)")

	h.out.Reset()
	h.repl.Handle(ctx, "tool nope")
	assert.Contains(t, h.out.String(), "Tool not found: nope")
}

func TestREPL_InstallReloads(t *testing.T) {
	h := newHarness(t, "")
	loads := h.store.loads

	h.repl.Handle(context.Background(), "tools install Acme/Weather 1.2.0")
	assert.Equal(t, []string{"Acme/Weather@1.2.0"}, h.installer.installs)
	assert.Contains(t, h.out.String(), "Installed weather (Acme/Weather) @ 1.2.0")
	assert.Equal(t, loads+1, h.store.loads)
}

func TestREPL_InstallFailure(t *testing.T) {
	h := newHarness(t, "")
	h.installer.err = errors.New("install acme/weather: download: HTTP 404")
	loads := h.store.loads

	h.repl.Handle(context.Background(), "tools install acme/weather")
	assert.Contains(t, h.out.String(), "Tool install failed: install acme/weather: download: HTTP 404")
	assert.Equal(t, loads, h.store.loads)
}

func TestREPL_RegistryNotConfigured(t *testing.T) {
	h := newHarness(t, "")
	h.repl.registry = nil

	h.repl.Handle(context.Background(), "registry search weather")
	h.repl.Handle(context.Background(), "tools install acme/weather")
	assert.Equal(t, 2, strings.Count(h.out.String(), "Registry not configured"))
	assert.Empty(t, h.installer.installs)
}

func TestREPL_Remove(t *testing.T) {
	h := newHarness(t, "")
	h.repl.Handle(context.Background(), "tools remove acme/weather")
	assert.Contains(t, h.out.String(), "Tool not installed: acme/weather")

	h.installer.removed = true
	h.out.Reset()
	h.repl.Handle(context.Background(), "tools remove acme/weather")
	assert.Contains(t, h.out.String(), "Removed acme/weather")
}

func TestREPL_InstalledVersionsAndPrune(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	h.store.installed = []manifest.ToolManifest{{ID: "acme/weather", Name: "weather", Version: "1.2.0"}}
	h.store.versions = map[string][]string{"acme/weather": {"1.0.0", "1.2.0"}}
	h.store.active = map[string]string{"acme/weather": "1.2.0"}
	h.store.pruned = []string{"1.0.0"}

	h.repl.Handle(ctx, "tools list-installed")
	assert.Contains(t, h.out.String(), "  - weather (acme/weather) @ 1.2.0")

	h.out.Reset()
	h.repl.Handle(ctx, "tools versions acme/weather")
	assert.Equal(t, "    1.0.0\n  * 1.2.0\n", h.out.String())

	h.out.Reset()
	h.repl.Handle(ctx, "tools prune acme/weather")
	assert.Contains(t, h.out.String(), "Pruned acme/weather: 1.0.0")
}

func TestREPL_RegistrySearchAndDescribe(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	h.registry.results = []manifest.ToolSummary{{ID: "acme/weather", Name: "weather", Version: "1.2.0", Summary: "Forecasts"}}

	h.repl.Handle(ctx, "registry search weather  today")
	assert.Equal(t, []string{"weather today"}, h.registry.queries)
	assert.Contains(t, h.out.String(), "Found 1 tool(s):")
	assert.Contains(t, h.out.String(), "    Forecasts")

	h.out.Reset()
	h.repl.Handle(ctx, "registry describe acme/weather")
	assert.Contains(t, h.out.String(), "Requires approval: yes")
	assert.Contains(t, h.out.String(), "Required secrets: api_key")
}

func TestREPL_SecretsLifecycle(t *testing.T) {
	h := newHarness(t, "abc123\nother\n")
	ctx := context.Background()

	h.repl.Handle(ctx, "secrets status weather")
	assert.Contains(t, h.out.String(), "  - api_key: missing")

	h.repl.Handle(ctx, "secrets set weather api_key")
	assert.Contains(t, h.out.String(), "Secret set for weather (api_key).")
	v, ok, err := h.vault.GetSecret(ctx, vault.Key("weather", "api_key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", v)

	h.out.Reset()
	h.repl.Handle(ctx, "secrets set weather api_key")
	assert.Contains(t, h.out.String(), "Secret already set for weather (api_key).")

	h.out.Reset()
	h.repl.Handle(ctx, "secrets status weather")
	assert.Contains(t, h.out.String(), "  - api_key: set")

	h.out.Reset()
	h.repl.Handle(ctx, "secrets clear weather")
	assert.Contains(t, h.out.String(), "Cleared 1 secrets for weather.")
	_, ok, err = h.vault.GetSecret(ctx, vault.Key("weather", "api_key"))
	require.NoError(t, err)
	assert.False(t, ok)

	audit, err := h.memory.RecentAudit(ctx, 10)
	require.NoError(t, err)
	actions := make([]string, 0, len(audit))
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.ElementsMatch(t, []string{"secret_set", "secret_clear"}, actions)
}

func TestREPL_SecretsValidation(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	h.repl.Handle(ctx, "secrets set weather token")
	assert.Contains(t, h.out.String(), "Secret not declared on weather. Expected one of: api_key")

	h.out.Reset()
	h.repl.Handle(ctx, "secrets status echo")
	assert.Contains(t, h.out.String(), "Tool echo requires no secrets.")

	h.out.Reset()
	h.repl.Handle(ctx, "secrets set weather")
	assert.Contains(t, h.out.String(), "Usage: secrets set <tool> <name>")
}

func TestREPL_SecretsClearAll(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	_, err := h.vault.SetSecretOnce(ctx, "a-x", "1")
	require.NoError(t, err)
	_, err = h.vault.SetSecretOnce(ctx, "b-y", "2")
	require.NoError(t, err)

	h.repl.Handle(ctx, "secrets clear-all")
	assert.Contains(t, h.out.String(), "Cleared 2 secrets total.")
}

func TestREPL_HistoryFactsAndLogs(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	require.NoError(t, h.memory.SaveMessage(ctx, "user", "hi"))
	require.NoError(t, h.memory.SaveMessage(ctx, "assistant", "hello"))
	require.NoError(t, h.memory.UpsertFacts(ctx, []domain.Fact{{Key: "city", Value: "Hanoi"}}))

	h.repl.Handle(ctx, "history 1")
	assert.Equal(t, "assistant: hello\n", h.out.String())

	h.out.Reset()
	h.repl.Handle(ctx, "facts")
	assert.Contains(t, h.out.String(), "- city: Hanoi")

	h.out.Reset()
	h.repl.Handle(ctx, "logs")
	assert.Contains(t, h.out.String(), "No tool executions recorded.")

	h.out.Reset()
	h.repl.Handle(ctx, "chat clear")
	h.repl.Handle(ctx, "facts clear")
	h.repl.Handle(ctx, "history")
	h.repl.Handle(ctx, "facts")
	out := h.out.String()
	assert.Contains(t, out, "Cleared chat history.")
	assert.Contains(t, out, "Cleared 1 facts.")
	assert.Contains(t, out, "No chat history.")
	assert.Contains(t, out, "No facts stored.")
}

func TestREPL_UsageMessages(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	for line, want := range map[string]string{
		"tools frobnicate":  "Usage: tools [install|remove|list-installed|versions|prune]",
		"tools install":     "Usage: tools install <id> [version]",
		"registry":          "Usage: registry search <query> | registry describe <id>",
		"registry search":   "Usage: registry search <query>",
		"chat":              "Usage: chat clear",
		"tool":              "Usage: tool <name>",
		"secrets":           "Usage: secrets status <tool>",
		"tools versions":    "Usage: tools versions <id>",
		"registry describe": "Usage: registry describe <id>",
	} {
		h.out.Reset()
		assert.False(t, h.repl.Handle(ctx, line))
		assert.Contains(t, h.out.String(), want, line)
	}
	assert.Empty(t, h.agent.turns)
	assert.True(t, h.repl.Handle(ctx, "EXIT"))
}
