package manifest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"jumith/internal/fsutil"
)

// ParseManifest decodes and validates a tool manifest. Any field of the wrong
// type or any missing required field fails the whole parse.
func ParseManifest(data []byte) (*ToolManifest, error) {
	var m ToolManifest
	if err := decodeObject(data, &m, "manifest"); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the invariants every usable manifest satisfies.
func (m *ToolManifest) Validate() error {
	required := []struct{ field, value string }{
		{"id", m.ID},
		{"name", m.Name},
		{"version", m.Version},
		{"summary", m.Summary},
		{"description", m.Description},
		{"entry.main", m.Entry.Main},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return invalid("manifest", r.field, "required non-empty string")
		}
	}
	if err := fsutil.SafeSegment(m.Version); err != nil {
		return &ValidationError{Subject: "manifest", Field: "version", Err: err}
	}
	if m.Entry.Runtime != RuntimeGoPlugin {
		return invalid("manifest", "entry.runtime", "unsupported runtime %q", m.Entry.Runtime)
	}
	if _, err := fsutil.SafeRelativePath(m.Entry.Main); err != nil {
		return &ValidationError{Subject: "manifest", Field: "entry.main", Err: err}
	}
	if err := checkStrings("manifest", "requiredSecrets", m.RequiredSecrets); err != nil {
		return err
	}
	if err := checkStrings("manifest", "tags", m.Tags); err != nil {
		return err
	}
	if _, err := m.InputSchema(); err != nil {
		return err
	}
	return nil
}

// InputSchema compiles schema.input. It returns nil when none is declared.
func (m *ToolManifest) InputSchema() (*jsonschema.Resolved, error) {
	if m.Schema == nil || isNull(m.Schema.Input) {
		return nil, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(m.Schema.Input, &s); err != nil {
		return nil, &ValidationError{Subject: "manifest", Field: "schema.input", Err: err}
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, &ValidationError{Subject: "manifest", Field: "schema.input", Err: err}
	}
	return resolved, nil
}

// ParseSearchResult decodes and validates a search response.
func ParseSearchResult(data []byte) (*SearchResult, error) {
	var wire struct {
		Results json.RawMessage `json:"results"`
		Total   *float64        `json:"total"`
	}
	if err := decodeObject(data, &wire, "search result"); err != nil {
		return nil, err
	}
	if !isArray(wire.Results) {
		return nil, invalid("search result", "results", "expected array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(wire.Results, &items); err != nil {
		return nil, &ValidationError{Subject: "search result", Field: "results", Err: err}
	}
	if wire.Total == nil {
		return nil, invalid("search result", "total", "required number")
	}
	total := *wire.Total
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 || total != math.Trunc(total) || total > math.MaxInt32 {
		return nil, invalid("search result", "total", "expected a non-negative integer, got %v", total)
	}

	res := &SearchResult{Results: make([]ToolSummary, 0, len(items)), Total: int(total)}
	for i, raw := range items {
		s, err := parseSummary(raw)
		if err != nil {
			return nil, fmt.Errorf("results[%d]: %w", i, err)
		}
		res.Results = append(res.Results, *s)
	}
	return res, nil
}

func parseSummary(data []byte) (*ToolSummary, error) {
	var s ToolSummary
	if err := decodeObject(data, &s, "tool summary"); err != nil {
		return nil, err
	}
	for _, r := range []struct{ field, value string }{
		{"id", s.ID}, {"name", s.Name}, {"version", s.Version}, {"summary", s.Summary},
	} {
		if strings.TrimSpace(r.value) == "" {
			return nil, invalid("tool summary", r.field, "required non-empty string")
		}
	}
	if s.Entry != nil && s.Entry.Runtime != RuntimeGoPlugin {
		return nil, invalid("tool summary", "entry.runtime", "unsupported runtime %q", s.Entry.Runtime)
	}
	if err := checkStrings("tool summary", "requiredSecrets", s.RequiredSecrets); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseBundle decodes and validates a bundle. File contents are decoded here
// so that a bad base64 payload fails the download, not the install.
func ParseBundle(data []byte) (*Bundle, error) {
	var wire struct {
		Manifest json.RawMessage `json:"manifest"`
		Files    json.RawMessage `json:"files"`
	}
	if err := decodeObject(data, &wire, "bundle"); err != nil {
		return nil, err
	}
	if isNull(wire.Manifest) {
		return nil, invalid("bundle", "manifest", "required object")
	}
	m, err := ParseManifest(wire.Manifest)
	if err != nil {
		return nil, err
	}
	if !isArray(wire.Files) {
		return nil, invalid("bundle", "files", "expected array")
	}
	var rawFiles []json.RawMessage
	if err := json.Unmarshal(wire.Files, &rawFiles); err != nil {
		return nil, &ValidationError{Subject: "bundle", Field: "files", Err: err}
	}

	b := &Bundle{Manifest: *m, Files: make([]BundleFile, 0, len(rawFiles))}
	for i, raw := range rawFiles {
		var wf struct {
			Path     *string `json:"path"`
			Content  *string `json:"content"`
			Encoding *string `json:"encoding"`
		}
		field := fmt.Sprintf("files[%d]", i)
		if err := decodeObject(raw, &wf, "bundle"); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if wf.Path == nil || strings.TrimSpace(*wf.Path) == "" {
			return nil, invalid("bundle", field+".path", "required non-empty string")
		}
		if wf.Content == nil {
			return nil, invalid("bundle", field+".content", "required string")
		}
		f := BundleFile{Path: *wf.Path, Content: *wf.Content, Encoding: EncodingUTF8}
		if wf.Encoding != nil {
			f.Encoding = *wf.Encoding
		}
		switch f.Encoding {
		case EncodingUTF8:
		case EncodingBase64:
			if _, err := base64.StdEncoding.DecodeString(f.Content); err != nil {
				return nil, &ValidationError{Subject: "bundle", Field: field + ".content", Reason: "bad base64", Err: err}
			}
		default:
			return nil, invalid("bundle", field+".encoding", "unsupported file encoding %q", f.Encoding)
		}
		b.Files = append(b.Files, f)
	}
	if err := b.ValidateFiles(); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateFiles checks every file path for traversal, duplicates, and the
// reserved manifest name, and that entry.main is part of the bundle.
func (b *Bundle) ValidateFiles() error {
	seen := make(map[string]bool, len(b.Files))
	main, err := fsutil.SafeRelativePath(b.Manifest.Entry.Main)
	if err != nil {
		return &ValidationError{Subject: "bundle", Field: "manifest.entry.main", Err: err}
	}
	for i, f := range b.Files {
		clean, err := fsutil.SafeRelativePath(f.Path)
		if err != nil {
			return &ValidationError{Subject: "bundle", Field: fmt.Sprintf("files[%d].path", i), Err: err}
		}
		if clean == ManifestFile {
			return invalid("bundle", fmt.Sprintf("files[%d].path", i), "%q is reserved", ManifestFile)
		}
		if seen[clean] {
			return invalid("bundle", fmt.Sprintf("files[%d].path", i), "duplicate path %q", f.Path)
		}
		seen[clean] = true
	}
	if !seen[main] {
		return invalid("bundle", "manifest.entry.main", "%q is not among bundle files", b.Manifest.Entry.Main)
	}
	return nil
}

// ParseActiveRecord decodes an active.json pointer.
func ParseActiveRecord(data []byte) (*ActiveRecord, error) {
	var r ActiveRecord
	if err := decodeObject(data, &r, "active record"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.ID) == "" {
		return nil, invalid("active record", "id", "required non-empty string")
	}
	if err := fsutil.SafeSegment(r.Version); err != nil {
		return nil, &ValidationError{Subject: "active record", Field: "version", Err: err}
	}
	return &r, nil
}

func decodeObject(data []byte, v any, subject string) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return invalid(subject, "", "expected JSON object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &ValidationError{Subject: subject, Err: err}
	}
	return nil
}

func checkStrings(subject, field string, values []string) error {
	for i, v := range values {
		if strings.TrimSpace(v) == "" {
			return invalid(subject, fmt.Sprintf("%s[%d]", field, i), "required non-empty string")
		}
	}
	return nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
