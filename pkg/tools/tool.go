// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools defines tool records, their registry and the invocation
// pipeline behind tools/call. A tool is registered on a scope under a short
// name; when a child scope is mounted, the parent's registry adopts the
// tool under a lineage-qualified id so names stay unique across apps.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/registry"
	"github.com/gantry-mcp/gantry/pkg/shape"
)

// defaultInputSchema accepts any object. Tools that declare no schema
// still advertise a valid one and skip argument validation.
var defaultInputSchema = json.RawMessage(`{"type":"object"}`)

// Annotations are behavior hints advertised with the tool.
type Annotations struct {
	// Title is a human-readable display name.
	Title string

	// ReadOnly marks a tool that does not modify its environment.
	ReadOnly bool

	// Destructive marks a tool that may perform destructive updates.
	Destructive bool

	// Idempotent marks a tool whose repeated calls with the same
	// arguments have no additional effect.
	Idempotent bool
}

// CacheConfig enables result caching for a tool. Its presence on a tool
// record opts the tool in.
type CacheConfig struct {
	// TTL bounds how long a cached result is served. Zero or negative
	// uses the cache's default.
	TTL time.Duration

	// PerPrincipal keys cached results by the calling principal so users
	// never see each other's results.
	PerPrincipal bool
}

// ApprovalConfig marks a tool as requiring an out-of-band approval before
// it executes. The approval plugin consults an Approver and converts a
// pending decision into an approval_url error.
type ApprovalConfig struct {
	// Required gates every invocation behind an approval check.
	Required bool

	// Message is shown to the approver alongside the request.
	Message string
}

// RetryConfig retries transient executor failures with exponential
// backoff. Control signals and taxonomy errors express a decision, not a
// fault, and are never retried.
type RetryConfig struct {
	// MaxRetries bounds additional attempts after the first. Capped at
	// ten to keep misconfigured tools from spinning.
	MaxRetries int

	// InitialDelay seeds the exponential backoff. Zero means one second.
	InitialDelay time.Duration
}

// Guard decides whether the tool is activatable for one invocation.
// Returning false aborts the call before any input handling.
type Guard func(ctx context.Context, inv *Invocation) (bool, error)

// Executor runs the tool and returns its raw output, which the pipeline
// shapes afterwards. An executor may return a ready *mcp.CallToolResult to
// bypass shaping.
type Executor func(ctx context.Context, inv *Invocation) (any, error)

// ExecutorFactory builds the executor against the invocation's provider
// views. Tools with per-request dependencies use this instead of a static
// Execute.
type ExecutorFactory func(ctx context.Context, views *provider.Views) (Executor, error)

// Invocation is the per-call context handed to guards, executors and
// pipeline hooks. One invocation is single-threaded; fields are mutated
// without locking.
type Invocation struct {
	// ToolID is the qualified id the tool was called under.
	ToolID string

	// ToolName is the tool's short name.
	ToolName string

	SessionID string
	RequestID string

	// Input holds the validated call arguments.
	Input map[string]any

	// Output is the executor's raw return value.
	Output any

	// Err records an executor failure for finalize hooks.
	Err error

	// Data is scratch space shared between hooks. The cache stages set
	// CacheHitKey here.
	Data map[string]any

	// Views are the provider views for this request.
	Views *provider.Views

	// Principal is the authenticated caller, if any.
	Principal *core.Principal

	// StartedAt is when the pipeline resolved the tool, for duration
	// metrics in finalize hooks.
	StartedAt time.Time
}

// CacheHit reports whether this invocation was served from the result
// cache.
func (inv *Invocation) CacheHit() bool {
	hit, _ := inv.Data[CacheHitKey].(bool)
	return hit
}

// Tool is one registered tool.
type Tool struct {
	// Name is the short name the tool was registered under.
	Name string

	// QualifiedName is the lineage-qualified id, set when a parent scope
	// adopts the tool. Empty for locally registered tools.
	QualifiedName string

	// Description is advertised in tools/list.
	Description string

	// DependsOn names tools that must initialize first.
	DependsOn []string

	// InputSchema is the JSON Schema the call arguments are validated
	// against. Empty defaults to an unconstrained object.
	InputSchema json.RawMessage

	// Output declares how the executor's raw output is shaped: a kind
	// name, a schema object, or an array of either. Empty output passes
	// through default shaping.
	Output json.RawMessage

	// Annotations are the advertised behavior hints.
	Annotations Annotations

	// Cache opts the tool into result caching.
	Cache *CacheConfig

	// Approval gates the tool behind an out-of-band approval.
	Approval *ApprovalConfig

	// Retry re-runs the executor on transient failures.
	Retry *RetryConfig

	// RequiredSkill names a skill that must be loaded in the session
	// before this tool activates. Empty disables the gate.
	RequiredSkill string

	// Guard is the activation check, run first.
	Guard Guard

	// Hooks are the tool's own pipeline hook bindings. They default to
	// the call flow and only fire for this tool's invocations.
	Hooks []flow.Hook

	// Providers are records bound onto the request view before input
	// handling, making tool-private dependencies resolvable.
	Providers []provider.Record

	// Execute is the tool body. Ignored when NewExecutor is set.
	Execute Executor

	// NewExecutor builds the body against the request's provider views.
	NewExecutor ExecutorFactory

	// schema is the compiled input schema, filled during normalization.
	schema *gojsonschema.Schema

	// descriptors is the parsed Output spec, filled during normalization.
	descriptors []shape.Descriptor
}

// ID returns the name the tool answers to: the qualified name once
// adopted, the short name otherwise.
func (t *Tool) ID() string {
	if t.QualifiedName != "" {
		return t.QualifiedName
	}
	return t.Name
}

// EntryName implements registry.Entry.
func (t *Tool) EntryName() string { return t.ID() }

// EntryDependsOn implements registry.Entry.
func (t *Tool) EntryDependsOn() []string { return t.DependsOn }

// EntryQualifiedName implements registry.Qualified.
func (t *Tool) EntryQualifiedName() string { return t.ID() }

// McpTool converts the record to its wire form for tools/list.
func (t *Tool) McpTool() mcp.Tool {
	out := mcp.Tool{
		Name:        t.ID(),
		Description: t.Description,
		Annotations: mcp.ToolAnnotation{
			Title:           t.Annotations.Title,
			ReadOnlyHint:    mcp.ToBoolPtr(t.Annotations.ReadOnly),
			DestructiveHint: mcp.ToBoolPtr(t.Annotations.Destructive),
			IdempotentHint:  mcp.ToBoolPtr(t.Annotations.Idempotent),
		},
	}
	out.RawInputSchema = t.InputSchema
	if len(out.RawInputSchema) == 0 {
		out.RawInputSchema = defaultInputSchema
	}
	return out
}

// BindHooks returns the tool's hooks scoped to this tool's invocations of
// the call flow. The returned hooks are safe to register on any scope the
// tool is visible from.
func (t *Tool) BindHooks() []flow.Hook {
	if len(t.Hooks) == 0 {
		return nil
	}
	id := t.ID()
	out := make([]flow.Hook, 0, len(t.Hooks))
	for _, h := range t.Hooks {
		if h.Name == "" {
			h.Name = fmt.Sprintf("%s/%s-%s", id, h.Kind, h.Stage)
		}
		if h.Flow == "" {
			h.Flow = CallFlowName
		}
		inner := h.Filter
		h.Filter = func(fc *flow.Ctx) bool {
			inv, ok := InvocationFrom(fc)
			if !ok || inv.ToolID != id {
				return false
			}
			return inner == nil || inner(fc)
		}
		out = append(out, h)
	}
	return out
}

// Registry stores tools by id.
type Registry = registry.Registry[*Tool]

// NewRegistry returns a tool registry that normalizes records on
// registration and requalifies adopted entries. Extra options, such as
// registry.WithLateRegistration for hot reload, are applied on top.
func NewRegistry(opts ...registry.Option[*Tool]) *Registry {
	base := []registry.Option[*Tool]{
		registry.WithNormalizer(normalizeTool),
		registry.WithAdopter(adoptTool),
	}
	return registry.New[*Tool]("tools", append(base, opts...)...)
}

func normalizeTool(t *Tool) (*Tool, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tool")
	}
	if t.Name == "" {
		return nil, fmt.Errorf("tool has no name")
	}
	if t.Execute == nil && t.NewExecutor == nil {
		return nil, fmt.Errorf("tool has no executor")
	}

	if len(t.InputSchema) == 0 {
		t.InputSchema = defaultInputSchema
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	t.schema = schema

	descriptors, err := shape.ParseOutputSpec(t.Output)
	if err != nil {
		return nil, err
	}
	t.descriptors = descriptors

	for i, h := range t.Hooks {
		if h.Flow == "" {
			h.Flow = CallFlowName
		}
		normalized, err := h.Normalize()
		if err != nil {
			return nil, err
		}
		t.Hooks[i] = normalized
	}
	return t, nil
}

func adoptTool(t *Tool, qualified string) *Tool {
	clone := *t
	clone.QualifiedName = qualified
	return &clone
}
