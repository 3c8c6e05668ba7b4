package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandlabs/sovereign/internal/sandbox"
	"github.com/strandlabs/sovereign/pkg/models"
)

// SideEffect tags what a tool touches outside the process.
type SideEffect string

const (
	EffectFilesystem SideEffect = "filesystem"
	EffectNetwork    SideEffect = "network"
	EffectDatabase   SideEffect = "database"
	EffectProcess    SideEffect = "process"
)

// ToolContext carries run identity into a tool execution.
type ToolContext struct {
	AgentID string
	RunID   string
}

// Tool is a named callable the model may invoke. Execute is only called
// with arguments the schema has accepted.
type Tool interface {
	Name() string
	Description() string
	Schema() *Schema
	Execute(ctx context.Context, args map[string]any, tc *ToolContext) (any, error)
}

// SandboxedTool is a tool that runs inside a sandbox rather than natively.
type SandboxedTool interface {
	Tool
	Sandbox() *sandbox.Descriptor
}

// TimedTool overrides the executor's default per-tool timeout.
type TimedTool interface {
	Tool
	Timeout() time.Duration
}

// Schema validates candidate tool arguments and projects to the
// JSON-Schema form backends consume.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON-Schema document for argument validation.
func CompileSchema(raw string) (*Schema, error) {
	compiled, err := jsonschema.CompileString("tool.json", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tool schema: %w", err)
	}
	return &Schema{raw: json.RawMessage(raw), compiled: compiled}, nil
}

// MustCompileSchema compiles or panics. For statically known schemas.
func MustCompileSchema(raw string) *Schema {
	s, err := CompileSchema(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// JSON returns the schema document.
func (s *Schema) JSON() json.RawMessage { return s.raw }

// SafeParse validates arguments against the schema and returns them in
// canonical JSON types. Numeric arguments arriving as Go ints are
// normalized through a JSON round trip before validation.
func (s *Schema) SafeParse(args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON-serializable: %w", err)
	}
	var canonical map[string]any
	if err := json.Unmarshal(data, &canonical); err != nil {
		return nil, err
	}
	if err := s.compiled.Validate(canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// FuncTool is the standard Tool implementation: a function with a compiled
// schema and optional sandbox, timeout, and side-effect tags.
type FuncTool struct {
	name        string
	description string
	schema      *Schema
	fn          func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error)

	sandbox     *sandbox.Descriptor
	timeout     time.Duration
	sideEffects []SideEffect
}

// ToolOption customizes a FuncTool.
type ToolOption func(*FuncTool)

// WithSandbox routes the tool through a sandbox descriptor.
func WithSandbox(desc *sandbox.Descriptor) ToolOption {
	return func(t *FuncTool) { t.sandbox = desc }
}

// WithToolTimeout overrides the executor's default timeout for this tool.
func WithToolTimeout(d time.Duration) ToolOption {
	return func(t *FuncTool) { t.timeout = d }
}

// WithSideEffects tags the tool's external effects.
func WithSideEffects(effects ...SideEffect) ToolOption {
	return func(t *FuncTool) { t.sideEffects = effects }
}

// NewTool creates a FuncTool, compiling its parameter schema.
func NewTool(name, description, schemaJSON string, fn func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error), opts ...ToolOption) (*FuncTool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %q has no function", name)
	}
	schema, err := CompileSchema(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	t := &FuncTool{name: name, description: description, schema: schema, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MustNewTool creates a FuncTool or panics. For statically known tools.
func MustNewTool(name, description, schemaJSON string, fn func(ctx context.Context, args map[string]any, tc *ToolContext) (any, error), opts ...ToolOption) *FuncTool {
	t, err := NewTool(name, description, schemaJSON, fn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FuncTool) Name() string        { return t.name }
func (t *FuncTool) Description() string { return t.description }
func (t *FuncTool) Schema() *Schema     { return t.schema }

// Sandbox returns the tool's sandbox descriptor, nil for native tools.
func (t *FuncTool) Sandbox() *sandbox.Descriptor { return t.sandbox }

// Timeout returns the per-tool timeout override; zero means executor default.
func (t *FuncTool) Timeout() time.Duration { return t.timeout }

// SideEffects returns the declared effect tags.
func (t *FuncTool) SideEffects() []SideEffect { return t.sideEffects }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any, tc *ToolContext) (any, error) {
	return t.fn(ctx, args, tc)
}

// toolSchema projects a tool for the backend's function-calling channel.
func toolSchema(t Tool) models.ToolSchema {
	return models.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema().JSON(),
	}
}
