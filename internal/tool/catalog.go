package tool

import (
	"encoding/json"
	"log/slog"
	"sort"

	"jumith/internal/domain"
)

// Catalog is an immutable snapshot of callable tools. It is rebuilt on demand
// and passed explicitly to whoever invokes tools.
type Catalog struct {
	tools     map[string]domain.Capability
	builtins  int
	installed int
	// Shadowed lists installed tools dropped because their name was taken.
	Shadowed []string
}

// BuildCatalog merges built-ins with installed tools. Built-ins are inserted
// first so an installed tool can never shadow one; among installed tools the
// first occurrence of a name wins.
func BuildCatalog(builtins, installed []domain.Capability, logger *slog.Logger) *Catalog {
	c := &Catalog{tools: make(map[string]domain.Capability, len(builtins)+len(installed))}
	for _, t := range builtins {
		if _, dup := c.tools[t.Name()]; dup {
			logger.Warn("duplicate builtin tool ignored", "name", t.Name())
			continue
		}
		c.tools[t.Name()] = t
		c.builtins++
	}
	for _, t := range installed {
		if existing, dup := c.tools[t.Name()]; dup {
			logger.Warn("installed tool shadowed",
				"name", t.Name(),
				"source", t.Source(),
				"kept", existing.Source(),
			)
			c.Shadowed = append(c.Shadowed, t.Name()+" ("+t.Source()+")")
			continue
		}
		c.tools[t.Name()] = t
		c.installed++
	}
	return c
}

func (c *Catalog) Get(name string) (domain.Capability, bool) {
	if c == nil {
		return nil, false
	}
	t, ok := c.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (c *Catalog) List() []domain.Capability {
	if c == nil {
		return nil
	}
	out := make([]domain.Capability, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (c *Catalog) Names() []string {
	list := c.List()
	names := make([]string, 0, len(list))
	for _, t := range list {
		names = append(names, t.Name())
	}
	return names
}

// Counts returns the number of built-in and installed tools in the snapshot.
func (c *Catalog) Counts() (builtins, installed int) {
	if c == nil {
		return 0, 0
	}
	return c.builtins, c.installed
}

// Definitions returns tool definitions for the LLM prompt.
func (c *Catalog) Definitions() []domain.ToolDefinition {
	list := c.List()
	defs := make([]domain.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
