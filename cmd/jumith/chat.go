package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jumith/internal/agent"
	"jumith/internal/channel"
	"jumith/internal/invoke"
	"jumith/internal/memory"
	"jumith/internal/provider"
	"jumith/internal/security"
	"jumith/internal/tool"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive session (default)",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(ctx context.Context, a *app) error {
		cfg := a.cfg
		term := channel.NewTerminal(channel.TerminalConfig{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})

		if cfg.LLM.APIKey == "" {
			term.Warn("No LLM API key configured. Set LLM_API_KEY or llm.apiKey if your endpoint needs one.")
		}

		if cfg.Metrics.Enabled {
			go func() {
				if err := a.metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path, a.logger); err != nil {
					a.logger.Error("metrics server failed", "err", err)
				}
			}()
		}

		// Approval prompts go to Telegram when enabled, else to the terminal.
		var confirm security.ConfirmFunc = term.Confirm
		if tg := cfg.Channels.Telegram; tg.Enabled {
			approver, err := channel.NewTelegramApprover(channel.TelegramConfig{
				Token:   tg.Token,
				ChatID:  tg.ChatID,
				Timeout: time.Duration(cfg.Security.ConfirmTimeoutSeconds) * time.Second,
				Logger:  a.logger,
			})
			if err != nil {
				return err
			}
			go func() {
				if err := approver.Run(ctx); err != nil {
					a.logger.Error("telegram approver stopped", "err", err)
				}
			}()
			confirm = approver.Confirm
		}

		gate, err := security.NewGate(cfg.Security, confirm, a.audit(), a.logger)
		if err != nil {
			return err
		}

		pipeline := invoke.New(invoke.Config{
			Secrets: a.secrets,
			Gate:    gate,
			Log:     a.memory,
			Metrics: a.metrics,
			Tracer:  a.tracer,
			Logger:  a.logger,
		})

		temperature := cfg.LLM.Temperature
		model := provider.NewOpenAI(provider.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			Temperature: &temperature,
			Tracer:      a.tracer,
			Logger:      a.logger,
		})

		builtins, err := tool.Builtins()
		if err != nil {
			return fmt.Errorf("builtin tools: %w", err)
		}

		orch := agent.NewOrchestrator(agent.Config{
			Model:      model,
			Memory:     a.memory,
			Extractor:  memory.NewExtractor(model, a.memory, a.logger),
			Invoker:    pipeline,
			Catalog:    tool.BuildCatalog(builtins, nil, a.logger),
			Secrets:    a.secrets,
			Interactor: term,
			OnToolCall: func(name string, input map[string]any) {
				data, _ := json.Marshal(input)
				term.Dim("-> %s %s", name, data)
			},
			MaxSteps:     cfg.General.MaxSteps,
			HistoryLimit: cfg.General.History,
			Logger:       a.logger,
		})

		replCfg := channel.REPLConfig{
			Terminal:  term,
			Agent:     orch,
			Store:     a.store,
			Installer: a.inst,
			Secrets:   a.secrets,
			History:   a.memory,
			Audit:     a.audit(),
			Builtins:  builtins,
			Metrics:   a.metrics,
			Watch:     cfg.Tools.Watch,
			Logger:    a.logger,
		}
		if a.registry != nil {
			replCfg.Registry = a.registry
		}
		return channel.NewREPL(replCfg).Run(ctx)
	})
}
