package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"jumith/internal/channel"
	"jumith/internal/domain"
	"jumith/internal/registry"
	"jumith/internal/vault"
)

var (
	bold  = color.New(color.Bold)
	green = color.New(color.FgGreen)
	dim   = color.New(color.Faint)
)

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage installed tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every tool the agent can call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				catalog, problems, err := a.catalog(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if structured() {
					type row struct {
						Name             string   `json:"name" yaml:"name"`
						Description      string   `json:"description" yaml:"description"`
						Source           string   `json:"source" yaml:"source"`
						RequiresApproval bool     `json:"requiresApproval" yaml:"requiresApproval"`
						RequiredSecrets  []string `json:"requiredSecrets,omitempty" yaml:"requiredSecrets,omitempty"`
					}
					rows := []row{}
					for _, t := range catalog.List() {
						rows = append(rows, row{t.Name(), t.Description(), t.Source(), t.RequiresApproval(), t.RequiredSecrets()})
					}
					return printStructured(w, rows)
				}
				for _, t := range catalog.List() {
					bold.Fprintf(w, "%-24s", t.Name())
					fmt.Fprintf(w, " %s ", t.Description())
					dim.Fprintf(w, "(%s)\n", t.Source())
				}
				printProblems(w, problems)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "installed",
		Short: "List installed registry tools with their active version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				installed, err := a.store.ListInstalled(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if structured() {
					return printStructured(w, installed)
				}
				if len(installed) == 0 {
					fmt.Fprintln(w, "No registry tools installed.")
					return nil
				}
				for _, m := range installed {
					fmt.Fprintf(w, "%s (%s) @ %s\n", m.Name, m.ID, m.Version)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install [id] [version]",
		Short: "Install a tool from the registry and make it active",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, err := a.requireRegistry(); err != nil {
					return err
				}
				version := ""
				if len(args) == 2 {
					version = args[1]
				}
				m, err := a.inst.InstallFromRegistry(ctx, args[0], version)
				if err != nil {
					return err
				}
				green.Fprintf(cmd.OutOrStdout(), "Installed %s (%s) @ %s\n", m.Name, m.ID, m.Version)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [id]",
		Short: "Remove every installed version of a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				removed, err := a.inst.Remove(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("tool not installed: %s", args[0])
				}
				green.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "versions [id]",
		Short: "List installed versions of a tool (* marks the active one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				versions, err := a.store.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					return fmt.Errorf("tool not installed: %s", args[0])
				}
				active, _, err := a.store.ActiveVersion(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if structured() {
					return printStructured(w, map[string]any{"id": args[0], "active": active, "versions": versions})
				}
				for _, v := range versions {
					if v == active {
						green.Fprintf(w, "* %s\n", v)
						continue
					}
					fmt.Fprintf(w, "  %s\n", v)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune [id]",
		Short: "Delete inactive versions of a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				removed, err := a.store.Prune(ctx, args[0])
				if err != nil {
					return err
				}
				if len(removed) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
					return nil
				}
				green.Fprintf(cmd.OutOrStdout(), "Pruned %s: %s\n", args[0], strings.Join(removed, ", "))
				return nil
			})
		},
	})
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Query the tool registry",
	}

	var limit int
	var tags []string
	search := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search the registry catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				reg, err := a.requireRegistry()
				if err != nil {
					return err
				}
				res, err := reg.SearchTools(ctx, strings.Join(args, " "), registry.SearchOptions{Limit: limit, Tags: tags})
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if structured() {
					return printStructured(w, res)
				}
				if len(res.Results) == 0 {
					fmt.Fprintln(w, "No tools found.")
					return nil
				}
				fmt.Fprintf(w, "Found %d tool(s):\n", res.Total)
				for _, s := range res.Results {
					bold.Fprintf(w, "%s", s.ID)
					fmt.Fprintf(w, " %s @ %s\n", s.Name, s.Version)
					dim.Fprintf(w, "    %s\n", s.Summary)
				}
				return nil
			})
		},
	}
	search.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	search.Flags().StringSliceVar(&tags, "tag", nil, "only tools with this tag (repeatable)")
	cmd.AddCommand(search)

	cmd.AddCommand(&cobra.Command{
		Use:   "describe [id]",
		Short: "Show a registry tool's manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				reg, err := a.requireRegistry()
				if err != nil {
					return err
				}
				m, err := reg.DescribeTool(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if structured() {
					return printStructured(w, m)
				}
				approval, _ := m.ApprovalRequired()
				fmt.Fprintf(w, "Name: %s\nId: %s\nVersion: %s\nSummary: %s\nDescription: %s\n",
					m.Name, m.ID, m.Version, m.Summary, m.Description)
				fmt.Fprintf(w, "Requires approval: %t\nRequired secrets: %s\n", approval, strings.Join(m.RequiredSecrets, ", "))
				return nil
			})
		},
	})
	return cmd
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage tool secrets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status [tool]",
		Short: "Show which secrets of a tool are set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				name, secrets, err := declaredSecrets(ctx, a, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				status := map[string]bool{}
				for _, s := range secrets {
					_, ok, err := a.secrets.GetSecret(ctx, vault.Key(name, s))
					if err != nil {
						return err
					}
					status[s] = ok
				}
				if structured() {
					return printStructured(w, map[string]any{"tool": name, "secrets": status})
				}
				for _, s := range secrets {
					if status[s] {
						fmt.Fprintf(w, "%s: set\n", s)
					} else {
						fmt.Fprintf(w, "%s: missing\n", s)
					}
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [tool] [name]",
		Short: "Prompt for a secret and store it once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				name, secrets, err := declaredSecrets(ctx, a, args[0])
				if err != nil {
					return err
				}
				if !slices.Contains(secrets, args[1]) {
					return fmt.Errorf("secret %q not declared on %s (expected one of: %s)", args[1], name, strings.Join(secrets, ", "))
				}
				term := channel.NewTerminal(channel.TerminalConfig{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
				value, ok, err := term.PromptSecret(ctx, fmt.Sprintf("Enter secret for %s (%s)", name, args[1]))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("secret not set (empty value)")
				}
				stored, err := a.secrets.SetSecretOnce(ctx, vault.Key(name, args[1]), value)
				if err != nil {
					return err
				}
				if !stored {
					return fmt.Errorf("secret already set for %s (%s); clear it first", name, args[1])
				}
				logAudit(ctx, a, domain.AuditEntry{Action: "secret_set", ToolName: name, Command: "secrets set " + args[1], Result: "ok"})
				term.Success("Secret set for %s (%s).", name, args[1])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [tool]",
		Short: "Delete the secrets of a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				name, secrets, err := declaredSecrets(ctx, a, args[0])
				if err != nil {
					return err
				}
				n, err := a.secrets.ClearToolSecrets(ctx, name, secrets)
				if err != nil {
					return err
				}
				logAudit(ctx, a, domain.AuditEntry{Action: "secret_clear", ToolName: name, Command: "secrets clear", Result: "ok", Details: fmt.Sprint(n)})
				green.Fprintf(cmd.OutOrStdout(), "Cleared %d secrets for %s.\n", n, name)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear-all",
		Short: "Delete every stored secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.secrets.ClearAllSecrets(ctx)
				if err != nil {
					return err
				}
				logAudit(ctx, a, domain.AuditEntry{Action: "secret_clear", Command: "secrets clear-all", Result: "ok", Details: fmt.Sprint(n)})
				green.Fprintf(cmd.OutOrStdout(), "Cleared %d secrets total.\n", n)
				return nil
			})
		},
	})
	return cmd
}

func logsCmd() *cobra.Command {
	var limit int
	var audit bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent tool executions or audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()
				if audit {
					entries, err := a.memory.RecentAudit(ctx, limit)
					if err != nil {
						return err
					}
					if structured() {
						return printStructured(w, entries)
					}
					for _, e := range entries {
						fmt.Fprintf(w, "%-14s %-10s %s %s\n", e.Action, e.Result, e.ToolName, e.Details)
					}
					return nil
				}
				entries, err := a.memory.RecentExecutions(ctx, limit)
				if err != nil {
					return err
				}
				if structured() {
					return printStructured(w, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(w, "No tool executions recorded.")
					return nil
				}
				for _, e := range entries {
					dim.Fprintf(w, "%s ", e.StartedAt.Format("2006-01-02 15:04:05"))
					fmt.Fprintf(w, "%-8s %s %s\n", e.Status, e.ToolName, firstLine(e.Output, 80))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of entries")
	cmd.Flags().BoolVar(&audit, "audit", false, "show the security audit trail instead")
	return cmd
}

// declaredSecrets resolves a tool by name in the current catalog and
// returns the secrets it declares.
func declaredSecrets(ctx context.Context, a *app, toolName string) (string, []string, error) {
	catalog, _, err := a.catalog(ctx)
	if err != nil {
		return "", nil, err
	}
	t, ok := catalog.Get(toolName)
	if !ok {
		return "", nil, fmt.Errorf("tool not found: %s", toolName)
	}
	secrets := t.RequiredSecrets()
	if len(secrets) == 0 {
		return "", nil, fmt.Errorf("tool %s requires no secrets", t.Name())
	}
	return t.Name(), secrets, nil
}

func logAudit(ctx context.Context, a *app, entry domain.AuditEntry) {
	sink := a.audit()
	if sink == nil {
		return
	}
	if err := sink.LogAudit(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Warn("audit log failed", "action", entry.Action, "err", err)
	}
}

func printProblems(w io.Writer, problems []string) {
	if len(problems) == 0 {
		return
	}
	color.New(color.FgYellow).Fprintln(w, "Some installed tools failed to load:")
	for _, p := range problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}

func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
