package toolstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"jumith/internal/fsutil"
	"jumith/internal/manifest"
	"jumith/internal/metrics"
)

const (
	activeFile    = "active.json"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// IDCollisionError reports two distinct tool ids that map to the same
// on-disk directory. The second one is refused instead of overwriting.
type IDCollisionError struct {
	ID       string
	Existing string
	SafeID   string
}

func (e *IDCollisionError) Error() string {
	return fmt.Sprintf("tool id %q collides with installed tool %q (both stored as %q)", e.ID, e.Existing, e.SafeID)
}

// Store owns the on-disk install tree:
//
//	root/{safeId}/active.json          {id, version}
//	root/{safeId}/{version}/tool.json  manifest snapshot
//	root/{safeId}/{version}/...        bundle files
//
// It is the only writer of active.json. Writers are serialized in-process;
// cross-process locking is not attempted.
type Store struct {
	root    string
	opener  ModuleOpener
	metrics *metrics.Collector
	logger  *slog.Logger

	mu sync.Mutex
}

type Config struct {
	Root    string
	Opener  ModuleOpener // defaults to PluginOpener
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func New(cfg Config) *Store {
	if cfg.Opener == nil {
		cfg.Opener = PluginOpener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		root:    cfg.Root,
		opener:  cfg.Opener,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Root returns the install root directory.
func (s *Store) Root() string { return s.root }

// Init ensures the root install directory exists.
func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to init tool store: %w", err)
	}
	return nil
}

type stagedFile struct {
	rel  string
	data []byte
}

// InstallBundle writes the bundle to {root}/{safeId}/{version} and then
// points active.json at it. Every path is validated before anything touches
// the disk, files are staged in a hidden directory and renamed into place,
// and active.json is replaced last, so readers never see a half-written
// active version. On failure the previous active version stays active.
func (s *Store) InstallBundle(ctx context.Context, b *manifest.Bundle) (_ *manifest.ToolManifest, err error) {
	defer func() { s.metrics.ObserveInstall(err) }()
	if b == nil {
		return nil, fmt.Errorf("failed to install tool: nil bundle")
	}
	m := b.Manifest
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("failed to install tool: %w", err)
	}
	if err := b.ValidateFiles(); err != nil {
		return nil, fmt.Errorf("failed to install tool: %w", err)
	}

	files := make([]stagedFile, 0, len(b.Files))
	for _, f := range b.Files {
		rel, err := fsutil.SafeRelativePath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to install tool: %w", err)
		}
		data, err := f.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to install tool: %w", err)
		}
		files = append(files, stagedFile{rel: rel, data: data})
	}
	snapshot, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to install tool: encode manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	safeID := fsutil.SafeID(m.ID)
	toolDir := filepath.Join(s.root, safeID)
	if owner, ok := ownerOf(toolDir); ok && owner != m.ID {
		return nil, fmt.Errorf("failed to install tool: %w", &IDCollisionError{ID: m.ID, Existing: owner, SafeID: safeID})
	}

	created := false
	if _, serr := os.Stat(toolDir); errors.Is(serr, fs.ErrNotExist) {
		created = true
	}
	if err := os.MkdirAll(toolDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to install tool: %w", err)
	}

	stagingDir := filepath.Join(toolDir, stagingPrefix+uuid.NewString())
	defer func() {
		_ = os.RemoveAll(stagingDir)
		if err != nil && created {
			_ = os.RemoveAll(toolDir)
		}
	}()

	for _, f := range files {
		dst, werr := fsutil.Within(stagingDir, f.rel)
		if werr != nil {
			return nil, fmt.Errorf("failed to install tool: %w", werr)
		}
		if werr := fsutil.WriteFileSync(dst, f.data, 0o644); werr != nil {
			return nil, fmt.Errorf("failed to install tool: write %s: %w", f.rel, werr)
		}
	}
	if err := fsutil.WriteFileSync(filepath.Join(stagingDir, manifest.ManifestFile), snapshot, 0o644); err != nil {
		return nil, fmt.Errorf("failed to install tool: write manifest: %w", err)
	}

	versionDir := filepath.Join(toolDir, m.Version)
	var trashDir string
	if _, serr := os.Stat(versionDir); serr == nil {
		trashDir = filepath.Join(toolDir, trashPrefix+uuid.NewString())
		if err := os.Rename(versionDir, trashDir); err != nil {
			return nil, fmt.Errorf("failed to install tool: replace version: %w", err)
		}
	}
	if err := os.Rename(stagingDir, versionDir); err != nil {
		if trashDir != "" {
			_ = os.Rename(trashDir, versionDir)
		}
		return nil, fmt.Errorf("failed to install tool: activate files: %w", err)
	}
	if trashDir != "" {
		_ = os.RemoveAll(trashDir)
	}

	record, err := json.Marshal(manifest.ActiveRecord{ID: m.ID, Version: m.Version})
	if err != nil {
		return nil, fmt.Errorf("failed to install tool: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(toolDir, activeFile), record, 0o644); err != nil {
		return nil, fmt.Errorf("failed to install tool: write active pointer: %w", err)
	}

	s.logger.Info("tool installed", "id", m.ID, "version", m.Version, "dir", versionDir, "files", len(files))
	return &m, nil
}

// RemoveTool deletes every installed version of id. Removing an absent tool
// is not an error; removed reports whether anything was there.
func (s *Store) RemoveTool(ctx context.Context, id string) (removed bool, err error) {
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("failed to remove tool: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	safeID := fsutil.SafeID(id)
	toolDir := filepath.Join(s.root, safeID)
	if owner, ok := ownerOf(toolDir); ok && owner != id {
		return false, fmt.Errorf("failed to remove tool: %w", &IDCollisionError{ID: id, Existing: owner, SafeID: safeID})
	}
	if _, serr := os.Lstat(toolDir); errors.Is(serr, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(toolDir); err != nil {
		return false, fmt.Errorf("failed to remove tool: %w", err)
	}
	s.logger.Info("tool removed", "id", id, "dir", toolDir)
	return true, nil
}

// ListInstalled returns the active manifest of every installed tool, sorted
// by id. Tools whose pointer or manifest is missing or corrupt are logged and
// left out; only a failure to read the root itself is returned.
func (s *Store) ListInstalled(ctx context.Context) ([]manifest.ToolManifest, error) {
	dirs, err := s.toolDirs()
	if err != nil {
		return nil, fmt.Errorf("failed to list installed tools: %w", err)
	}
	out := make([]manifest.ToolManifest, 0, len(dirs))
	for _, dir := range dirs {
		_, m, err := s.readActiveManifest(dir)
		if err != nil {
			s.logger.Warn("excluding installed tool", "dir", dir, "err", err)
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveVersion returns the active version of id, if any.
func (s *Store) ActiveVersion(ctx context.Context, id string) (string, bool, error) {
	rec, err := readActive(filepath.Join(s.root, fsutil.SafeID(id)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if rec.ID != id {
		return "", false, &IDCollisionError{ID: id, Existing: rec.ID, SafeID: fsutil.SafeID(id)}
	}
	return rec.Version, true, nil
}

// ListVersions returns every version directory of id. Semver versions come
// first in semver order; anything else follows in lexical order.
func (s *Store) ListVersions(ctx context.Context, id string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, fsutil.SafeID(id)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			versions = append(versions, e.Name())
		}
	}
	sortVersions(versions)
	return versions, nil
}

// Prune removes every version of id except the active one, plus any staging
// leftovers from interrupted installs. It returns the removed versions.
func (s *Store) Prune(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toolDir := filepath.Join(s.root, fsutil.SafeID(id))
	rec, err := readActive(toolDir)
	if err != nil {
		return nil, fmt.Errorf("prune %s: no readable active version: %w", id, err)
	}
	if rec.ID != id {
		return nil, &IDCollisionError{ID: id, Existing: rec.ID, SafeID: fsutil.SafeID(id)}
	}
	entries, err := os.ReadDir(toolDir)
	if err != nil {
		return nil, fmt.Errorf("prune %s: %w", id, err)
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == rec.Version {
			continue
		}
		if err := os.RemoveAll(filepath.Join(toolDir, name)); err != nil {
			return removed, fmt.Errorf("prune %s: %w", id, err)
		}
		if !strings.HasPrefix(name, ".") {
			removed = append(removed, name)
		}
	}
	sortVersions(removed)
	if len(removed) > 0 {
		s.logger.Info("pruned tool versions", "id", id, "kept", rec.Version, "removed", removed)
	}
	return removed, nil
}

// toolDirs lists candidate tool directories under root. A missing root is
// treated as empty.
func (s *Store) toolDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// readActiveManifest resolves dir's active pointer to its manifest and
// cross-checks both against the directory name.
func (s *Store) readActiveManifest(dir string) (*manifest.ActiveRecord, *manifest.ToolManifest, error) {
	rec, err := readActive(filepath.Join(s.root, dir))
	if err != nil {
		return nil, nil, err
	}
	if fsutil.SafeID(rec.ID) != dir {
		return rec, nil, fmt.Errorf("active record id %q does not belong in directory %q", rec.ID, dir)
	}
	data, err := os.ReadFile(filepath.Join(s.root, dir, rec.Version, manifest.ManifestFile))
	if err != nil {
		return rec, nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.ParseManifest(data)
	if err != nil {
		return rec, nil, err
	}
	if m.ID != rec.ID || m.Version != rec.Version {
		return rec, nil, fmt.Errorf("manifest %s@%s does not match active record %s@%s", m.ID, m.Version, rec.ID, rec.Version)
	}
	return rec, m, nil
}

// ownerOf returns the tool id that toolDir belongs to. The active pointer
// decides; when it is missing or corrupt, the first version snapshot whose id
// can be read does.
func ownerOf(toolDir string) (string, bool) {
	if rec, err := readActive(toolDir); err == nil {
		return rec.ID, true
	}
	entries, err := os.ReadDir(toolDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(toolDir, e.Name(), manifest.ManifestFile))
		if err != nil {
			continue
		}
		var snap struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(data, &snap) == nil && snap.ID != "" {
			return snap.ID, true
		}
	}
	return "", false
}

func readActive(toolDir string) (*manifest.ActiveRecord, error) {
	data, err := os.ReadFile(filepath.Join(toolDir, activeFile))
	if err != nil {
		return nil, err
	}
	return manifest.ParseActiveRecord(data)
}

func sortVersions(versions []string) {
	canon := func(v string) string {
		if semver.IsValid(v) {
			return v
		}
		if semver.IsValid("v" + v) {
			return "v" + v
		}
		return ""
	}
	sort.SliceStable(versions, func(i, j int) bool {
		ci, cj := canon(versions[i]), canon(versions[j])
		switch {
		case ci != "" && cj != "":
			if c := semver.Compare(ci, cj); c != 0 {
				return c < 0
			}
			return versions[i] < versions[j]
		case ci != "":
			return true
		case cj != "":
			return false
		default:
			return versions[i] < versions[j]
		}
	})
}
