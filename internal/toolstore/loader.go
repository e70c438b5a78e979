package toolstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"

	"jumith/internal/domain"
	"jumith/internal/fsutil"
	"jumith/internal/tool"
)

// Conventional export names tried after the manifest's declared one.
const (
	ExportTool    = "Tool"
	ExportDefault = "Default"
)

// SymbolTable resolves exported names of a loaded module.
type SymbolTable interface {
	Lookup(name string) (any, error)
}

// ModuleOpener loads a module file into the running process.
type ModuleOpener interface {
	Open(path string) (SymbolTable, error)
}

// PluginOpener loads modules built with -buildmode=plugin. A plugin stays
// mapped for the life of the process; reopening a path returns the already
// loaded copy.
type PluginOpener struct{}

func (PluginOpener) Open(path string) (SymbolTable, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return pluginSymbols{p}, nil
}

type pluginSymbols struct{ p *plugin.Plugin }

func (s pluginSymbols) Lookup(name string) (any, error) {
	sym, err := s.p.Lookup(name)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

// ToolLoadError describes why one installed tool could not be loaded.
type ToolLoadError struct {
	ID    string
	Stage string
	Err   error
}

func (e *ToolLoadError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.ID, e.Stage, e.Err)
}

func (e *ToolLoadError) Unwrap() error { return e.Err }

// LoadResult is the outcome of LoadTools. Errors holds one human-readable
// entry per tool that failed.
type LoadResult struct {
	Tools  []domain.Capability
	Errors []string
}

// LoadTools loads the active version of every installed tool. It never fails
// as a whole: a broken tool adds an entry to Errors and the rest still load.
// Cancelling ctx does not cut the pass short.
func (s *Store) LoadTools(ctx context.Context) LoadResult {
	var res LoadResult
	dirs, err := s.toolDirs()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("tool store: %v", err))
		s.metrics.AddLoadErrors(len(res.Errors))
		return res
	}
	for _, dir := range dirs {
		c, err := s.loadOne(dir)
		if err != nil {
			s.logger.Warn("tool failed to load", "dir", dir, "err", err)
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		s.logger.Debug("tool loaded", "name", c.Name(), "source", c.Source())
		res.Tools = append(res.Tools, c)
	}
	s.metrics.AddLoadErrors(len(res.Errors))
	return res
}

func (s *Store) loadOne(dir string) (c domain.Capability, err error) {
	id := dir
	stage := "read manifest"
	defer func() {
		if r := recover(); r != nil {
			err = &ToolLoadError{ID: id, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	rec, m, err := s.readActiveManifest(dir)
	if rec != nil {
		id = rec.ID
	}
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}

	stage = "resolve entry"
	mainPath, err := fsutil.Within(filepath.Join(s.root, dir, m.Version), m.Entry.Main)
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}
	info, err := os.Stat(mainPath)
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: fmt.Errorf("%s is not a regular file", m.Entry.Main)}
	}

	stage = "open module"
	syms, err := s.opener.Open(mainPath)
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}

	stage = "lookup export"
	v, err := lookupExport(syms, m.Entry.Symbol())
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}

	stage = "validate tool"
	o, err := tool.ManifestOverrides(m)
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}
	c, err = tool.NewCapability(v, o)
	if err != nil {
		return nil, &ToolLoadError{ID: id, Stage: stage, Err: err}
	}
	return c, nil
}

// lookupExport tries the declared export, then the conventional names.
func lookupExport(syms SymbolTable, declared string) (any, error) {
	names := []string{ExportTool, ExportDefault}
	if declared != "" && declared != ExportTool && declared != ExportDefault {
		names = append([]string{declared}, names...)
	}
	for _, name := range names {
		v, err := syms.Lookup(name)
		if err == nil && v != nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no export named %v", names)
}
