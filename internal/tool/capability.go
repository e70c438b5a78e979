package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"jumith/internal/domain"
	"jumith/internal/manifest"
)

// SourceBuiltin marks capabilities compiled into the binary.
const SourceBuiltin = "builtin"

// Overrides carries declarations that take precedence over, or fill in for,
// what a loaded value claims about itself.
type Overrides struct {
	Name        string // used when the value reports a blank name
	Description string // used when the value reports a blank description

	RequiredSecrets []string
	SecretsDeclared bool
	RequiresApproval bool
	ApprovalDeclared bool

	InputSchema *jsonschema.Resolved
	Parameters  map[string]any
	Source      string
}

// ManifestOverrides derives overrides from an installed manifest. Declared
// manifest metadata always wins over the module's own claims.
func ManifestOverrides(m *manifest.ToolManifest) (Overrides, error) {
	o := Overrides{
		Name:            m.Name,
		Description:     firstNonBlank(m.Summary, m.Description),
		RequiredSecrets: m.RequiredSecrets,
		SecretsDeclared: m.RequiredSecrets != nil,
		Source:          m.ID + "@" + m.Version,
	}
	o.RequiresApproval, o.ApprovalDeclared = m.ApprovalRequired()

	schema, err := m.InputSchema()
	if err != nil {
		return o, err
	}
	o.InputSchema = schema
	if schema != nil {
		var params map[string]any
		if err := json.Unmarshal(m.Schema.Input, &params); err == nil {
			o.Parameters = params
		}
	}
	return o, nil
}

type capability struct {
	impl        domain.Tool
	name        string
	description string
	secrets     []string
	approval    bool
	messenger   domain.ApprovalMessenger
	params      map[string]any
	schema      *jsonschema.Resolved
	source      string
}

// NewCapability adapts v into a validated capability. v must implement
// domain.Tool directly or through one level of pointer indirection, which is
// how plugin symbols for exported variables are returned. Anything else is
// rejected rather than coerced.
func NewCapability(v any, o Overrides) (_ domain.Capability, err error) {
	impl, err := asTool(v)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool metadata panicked: %v", r)
		}
	}()

	c := &capability{
		impl:        impl,
		name:        strings.TrimSpace(impl.Name()),
		description: strings.TrimSpace(impl.Description()),
		schema:      o.InputSchema,
		params:      o.Parameters,
		source:      o.Source,
	}
	if c.name == "" {
		c.name = strings.TrimSpace(o.Name)
	}
	if c.description == "" {
		c.description = strings.TrimSpace(o.Description)
	}
	if c.name == "" {
		return nil, fmt.Errorf("tool has an empty name")
	}
	if c.description == "" {
		return nil, fmt.Errorf("tool %q has an empty description", c.name)
	}
	if c.source == "" {
		c.source = SourceBuiltin
	}

	switch {
	case o.SecretsDeclared:
		c.secrets = append([]string(nil), o.RequiredSecrets...)
	default:
		if sr, ok := impl.(domain.SecretRequirer); ok {
			c.secrets = append([]string(nil), sr.RequiredSecrets()...)
		}
	}
	for _, s := range c.secrets {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("tool %q declares a blank secret name", c.name)
		}
	}

	switch {
	case o.ApprovalDeclared:
		c.approval = o.RequiresApproval
	default:
		if ar, ok := impl.(domain.ApprovalRequirer); ok {
			c.approval = ar.RequiresApproval()
		}
	}

	if am, ok := impl.(domain.ApprovalMessenger); ok {
		c.messenger = am
	}
	if c.params == nil {
		if p, ok := impl.(domain.Parameterized); ok {
			c.params = p.Parameters()
		}
	}
	return c, nil
}

func asTool(v any) (domain.Tool, error) {
	if v == nil {
		return nil, fmt.Errorf("exported value is nil")
	}
	if t, ok := v.(domain.Tool); ok {
		if isNilPointer(v) {
			return nil, fmt.Errorf("exported value is a nil %T", v)
		}
		return t, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		inner := rv.Elem()
		if inner.Kind() == reflect.Interface && !inner.IsNil() {
			inner = inner.Elem()
		}
		if inner.IsValid() && inner.CanInterface() {
			if t, ok := inner.Interface().(domain.Tool); ok {
				if isNilPointer(t) {
					return nil, fmt.Errorf("exported value points to a nil tool")
				}
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("exported value of type %T does not implement Name, Description and Execute", v)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func (c *capability) Name() string               { return c.name }
func (c *capability) Description() string        { return c.description }
func (c *capability) RequiredSecrets() []string  { return append([]string(nil), c.secrets...) }
func (c *capability) RequiresApproval() bool     { return c.approval }
func (c *capability) Source() string             { return c.source }
func (c *capability) Parameters() map[string]any { return c.params }

func (c *capability) Execute(ctx context.Context, input map[string]any, secrets map[string]string) (string, error) {
	return c.impl.Execute(ctx, input, secrets)
}

// ApprovalMessage renders the tool's own question, or a generic one when the
// tool has none or its renderer fails.
func (c *capability) ApprovalMessage(input map[string]any) (msg string) {
	generic := fmt.Sprintf("Allow tool %q to run with input %s?", c.name, compactJSON(input))
	if c.messenger == nil {
		return generic
	}
	defer func() {
		if r := recover(); r != nil {
			msg = generic
		}
	}()
	if m := strings.TrimSpace(c.messenger.ApprovalMessage(input)); m != "" {
		return m
	}
	return generic
}

func (c *capability) ValidateInput(input map[string]any) error {
	if c.schema == nil {
		return nil
	}
	var instance any = input
	if input == nil {
		instance = map[string]any{}
	}
	if err := c.schema.Validate(instance); err != nil {
		return &manifest.ValidationError{Subject: "input", Field: c.name, Err: err}
	}
	return nil
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
