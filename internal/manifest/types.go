package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// RuntimeGoPlugin is the only entry runtime this build can load.
const RuntimeGoPlugin = "go-plugin"

const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// ManifestFile is the snapshot written beside every installed version.
const ManifestFile = "tool.json"

// ToolManifest is the declared identity and capabilities of one tool version.
type ToolManifest struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	Version          string   `json:"version" yaml:"version"`
	Summary          string   `json:"summary" yaml:"summary"`
	Description      string   `json:"description" yaml:"description"`
	Tags             []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Provider         string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Entry            Entry    `json:"entry" yaml:"entry"`
	Schema           *Schema  `json:"schema,omitempty" yaml:"-"`
	RequiresApproval *bool    `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
	// RequiredSecrets keeps an explicit empty list distinct from an absent
	// one in the tool.json snapshot, so it is never omitted.
	RequiredSecrets []string `json:"requiredSecrets" yaml:"requiredSecrets,omitempty"`
}

type Entry struct {
	Runtime    string `json:"runtime" yaml:"runtime"`
	Main       string `json:"main" yaml:"main"`
	ExportName string `json:"exportName,omitempty" yaml:"exportName,omitempty"`
	// Export is the older spelling of ExportName still served by some registries.
	Export string `json:"export,omitempty" yaml:"-"`
}

// Symbol returns the declared export name, if any.
func (e Entry) Symbol() string {
	if e.ExportName != "" {
		return e.ExportName
	}
	return e.Export
}

type Schema struct {
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ApprovalRequired reports the manifest's declaration and whether it made one.
func (m *ToolManifest) ApprovalRequired() (required, declared bool) {
	if m.RequiresApproval == nil {
		return false, false
	}
	return *m.RequiresApproval, true
}

// ToolSummary is one registry search hit.
type ToolSummary struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	Version          string   `json:"version" yaml:"version"`
	Summary          string   `json:"summary" yaml:"summary"`
	Tags             []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Provider         string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Entry            *Entry   `json:"entry,omitempty" yaml:"-"`
	RequiresApproval *bool    `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
	RequiredSecrets  []string `json:"requiredSecrets,omitempty" yaml:"requiredSecrets,omitempty"`
}

type SearchResult struct {
	Results []ToolSummary `json:"results" yaml:"results"`
	Total   int           `json:"total" yaml:"total"`
}

// BundleFile is one file of a bundle as served by the registry.
type BundleFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// Bytes returns the decoded file content.
func (f BundleFile) Bytes() ([]byte, error) {
	switch f.Encoding {
	case "", EncodingUTF8:
		return []byte(f.Content), nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Path, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported file encoding %q", f.Encoding)
	}
}

// Bundle is the unit downloaded and installed per version.
type Bundle struct {
	Manifest ToolManifest `json:"manifest"`
	Files    []BundleFile `json:"files"`
}

// ActiveRecord names the version of a tool that is currently loaded.
type ActiveRecord struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}
