package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"jumith/internal/config"
	"jumith/internal/provider"
	"jumith/internal/registry"
	"jumith/internal/storage"
	"jumith/internal/toolstore"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Jumith installation",
		Long: `Verifies that Jumith's configuration, database, tool directory, registry
and LLM endpoint are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &doctor{w: cmd.OutOrStdout()}
			cfgPath := resolveConfigPath()
			fmt.Fprintf(d.w, "Jumith Doctor v%s\n", version)
			fmt.Fprintf(d.w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			// 1. Config file
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				d.warn("Config file", fmt.Sprintf("not found at %s (using defaults)", cfgPath))
			} else {
				d.pass("Config file", cfgPath)
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				d.fail("Config validation", err.Error())
				return d.summary()
			}
			d.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			// 3. Database writable
			if err := checkDatabase(ctx, cfg.Storage.DBPath); err != nil {
				d.fail("Database", err.Error())
			} else {
				d.pass("Database", cfg.Storage.DBPath)
			}

			// 4. Tool directory and installed tools
			store := toolstore.New(toolstore.Config{Root: cfg.Tools.Root, Logger: logger})
			if err := store.Init(ctx); err != nil {
				d.fail("Tool directory", err.Error())
			} else {
				res := store.LoadTools(ctx)
				switch {
				case len(res.Errors) > 0:
					d.warn("Installed tools", fmt.Sprintf("%d loaded, %d failed (run 'jumith tools list')", len(res.Tools), len(res.Errors)))
				default:
					d.pass("Installed tools", fmt.Sprintf("%d loaded from %s", len(res.Tools), cfg.Tools.Root))
				}
			}

			// 5. Registry
			if cfg.Registry.BaseURL == "" {
				d.warn("Registry", "not configured (tools install is unavailable)")
			} else if offline {
				d.pass("Registry", cfg.Registry.BaseURL+" (not contacted)")
			} else if err := checkRegistry(ctx, cfg); err != nil {
				d.fail("Registry", err.Error())
			} else {
				d.pass("Registry", cfg.Registry.BaseURL)
			}

			// 6. LLM endpoint
			switch {
			case cfg.LLM.APIKey == "":
				d.warn("LLM", "no API key configured")
			case offline:
				d.pass("LLM", cfg.LLM.Model+" (not contacted)")
			default:
				model := provider.NewOpenAI(provider.Config{
					APIKey:  cfg.LLM.APIKey,
					BaseURL: cfg.LLM.BaseURL,
					Model:   cfg.LLM.Model,
					Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
					Logger:  logger,
				})
				if err := model.Healthy(ctx); err != nil {
					d.fail("LLM", err.Error())
				} else {
					d.pass("LLM", fmt.Sprintf("%s at %s", cfg.LLM.Model, cfg.LLM.BaseURL))
				}
			}

			// 7. Metrics listen address
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					d.warn("Metrics", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					d.pass("Metrics", cfg.Metrics.Listen+" available")
				}
			}

			// 8. Telegram approvals
			if cfg.Channels.Telegram.Enabled {
				d.pass("Telegram", fmt.Sprintf("approvals go to chat %d", cfg.Channels.Telegram.ChatID))
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					d.pass("Log file", cfg.General.LogFile)
				}
			}

			return d.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that contact the registry or the LLM")
	return cmd
}

type doctor struct {
	w                      io.Writer
	passed, warned, failed int
}

func (d *doctor) summary() error {
	fmt.Fprintf(d.w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(d.w, "Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		fmt.Fprintf(d.w, "\nPlease fix the failed checks before running Jumith.\n")
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	if d.warned > 0 {
		fmt.Fprintf(d.w, "\nJumith should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(d.w, "\nAll checks passed! Jumith is ready to run.\n")
	}
	return nil
}

func checkDatabase(ctx context.Context, dbPath string) error {
	db, err := storage.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkRegistry(ctx context.Context, cfg *config.Config) error {
	client, err := registry.NewClient(registry.Config{
		BaseURL: cfg.Registry.BaseURL,
		Timeout: time.Duration(cfg.Registry.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	_, err = client.SearchTools(ctx, "", registry.SearchOptions{Limit: 1})
	return err
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	color.New(color.FgGreen).Fprint(d.w, "  [PASS] ")
	fmt.Fprintf(d.w, "%-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	color.New(color.FgRed).Fprint(d.w, "  [FAIL] ")
	fmt.Fprintf(d.w, "%-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	color.New(color.FgYellow).Fprint(d.w, "  [WARN] ")
	fmt.Fprintf(d.w, "%-20s %s\n", check, detail)
}
