// Package installer fetches tool bundles from the registry and hands them to
// the local tool store.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"jumith/internal/domain"
	"jumith/internal/manifest"
)

const (
	StageDescribe = "describe"
	StageDownload = "download"
	StageInstall  = "install"
)

// StageError names the step of an install that failed.
type StageError struct {
	Stage string
	ID    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("install %s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrNoRegistry is returned by installs when no registry is configured.
var ErrNoRegistry = errors.New("registry not configured")

// Registry is the subset of the registry client the installer needs.
type Registry interface {
	DescribeTool(ctx context.Context, id string) (*manifest.ToolManifest, error)
	DownloadToolBundle(ctx context.Context, id, version string) (*manifest.Bundle, error)
}

// Store is the subset of the tool store the installer needs.
type Store interface {
	InstallBundle(ctx context.Context, b *manifest.Bundle) (*manifest.ToolManifest, error)
	RemoveTool(ctx context.Context, id string) (bool, error)
}

type Installer struct {
	registry Registry
	store    Store
	audit    domain.AuditLogger
	logger   *slog.Logger
}

type Config struct {
	Registry Registry
	Store    Store
	Audit    domain.AuditLogger // optional
	Logger   *slog.Logger
}

func New(cfg Config) *Installer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Installer{
		registry: cfg.Registry,
		store:    cfg.Store,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
	}
}

// InstallFromRegistry installs id at version, or at the registry's current
// version when version is empty. The new version becomes active.
func (i *Installer) InstallFromRegistry(ctx context.Context, id, version string) (*manifest.ToolManifest, error) {
	id = strings.TrimSpace(id)
	version = strings.TrimSpace(version)
	if id == "" {
		return nil, &StageError{Stage: StageDescribe, ID: id, Err: fmt.Errorf("tool id is required")}
	}
	if i.registry == nil {
		return nil, &StageError{Stage: StageDescribe, ID: id, Err: ErrNoRegistry}
	}

	if version == "" {
		m, err := i.registry.DescribeTool(ctx, id)
		if err != nil {
			return nil, &StageError{Stage: StageDescribe, ID: id, Err: err}
		}
		version = m.Version
		i.logger.Debug("resolved tool version", "id", id, "version", version)
	}

	bundle, err := i.registry.DownloadToolBundle(ctx, id, version)
	if err != nil {
		return nil, &StageError{Stage: StageDownload, ID: id, Err: err}
	}

	m, err := i.store.InstallBundle(ctx, bundle)
	if err != nil {
		return nil, &StageError{Stage: StageInstall, ID: id, Err: err}
	}

	i.logAudit(ctx, domain.AuditEntry{
		Action:   "tool_install",
		ToolName: m.Name,
		Command:  id + "@" + m.Version,
		Result:   "ok",
	})
	return m, nil
}

// Remove uninstalls every version of id.
func (i *Installer) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := i.store.RemoveTool(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		i.logAudit(ctx, domain.AuditEntry{Action: "tool_remove", ToolName: id, Command: id, Result: "ok"})
	}
	return removed, nil
}

func (i *Installer) logAudit(ctx context.Context, entry domain.AuditEntry) {
	if i.audit == nil {
		return
	}
	if err := i.audit.LogAudit(ctx, entry); err != nil {
		i.logger.Error("failed to write audit log", "action", entry.Action, "err", err)
	}
}
