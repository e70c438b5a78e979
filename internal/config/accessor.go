package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Paths use the JSON field names joined by dots, e.g. "llm.model" or
// "security.blockedTools.0".

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			node = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("invalid array index %q in %s", key, path)
			}
			node = v[i]
		default:
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
	}
	return node, nil
}

// SetByPath assigns value at path and replaces *cfg with the result. A
// string that reads as a bool or number is stored typed; if the field is a
// string the raw text is kept instead. Unknown keys are rejected.
func SetByPath(cfg *Config, path string, value any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	section := tree
	for _, key := range keys[:len(keys)-1] {
		next, ok := section[key].(map[string]any)
		if !ok {
			return fmt.Errorf("set %s: %q is not a section", path, key)
		}
		section = next
	}
	leaf := keys[len(keys)-1]

	section[leaf] = coerce(value)
	updated, err := fromTree(tree)
	if raw, isString := value.(string); err != nil && isString {
		section[leaf] = raw
		updated, err = fromTree(tree)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = *updated
	return nil
}

// Sanitize returns a deep copy with credentials masked, for display.
func Sanitize(cfg *Config) *Config {
	tree, err := toTree(cfg)
	if err != nil {
		return cfg
	}
	out, err := fromTree(tree)
	if err != nil {
		return cfg
	}
	out.LLM.APIKey = mask(out.LLM.APIKey)
	out.Channels.Telegram.Token = mask(out.Channels.Telegram.Token)
	return out
}

// ListPaths flattens the config into path -> value pairs.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", tree, out)
	return out
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func fromTree(tree map[string]any) (*Config, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// mask keeps the first and last four characters of long values.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(p, sub, out)
			continue
		}
		out[p] = v
	}
}
