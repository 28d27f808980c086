// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/reqctx"
	"github.com/gantry-mcp/gantry/pkg/shape"
)

// Flow names served by the pipeline.
const (
	CallFlowName = "tools:call-tool"
	ListFlowName = "tools:list-tools"
)

// Stages of the call flow, in run order. Hooks bind to these names.
const (
	StageResolve       = "resolve"
	StageGuard         = "guard"
	StageBindProviders = "bindProviders"
	StageResolveInput  = "resolveInput"
	StageValidateInput = "validateInput"
	StageReadCache     = "readCache"
	StageExecute       = "execute"
	StageShapeOutput   = "shapeOutput"
	StageWriteCache    = "writeCache"
)

// CacheHitKey is set to true in Invocation.Data when the call was served
// from the result cache. A hit responds from readCache, so the execute,
// shapeOutput and writeCache stages never run.
const CacheHitKey = "__cache_hit__"

// Retry policy bounds.
const (
	maxRetryCount     = 10
	defaultRetryDelay = time.Second
)

// State keys the pipeline shares with hooks.
const (
	invocationStateKey = "tools.invocation"
	toolStateKey       = "tools.record"
	callInputStateKey  = "tools.callInput"
	cacheKeyStateKey   = "tools.cacheKey"
)

// InvocationFrom returns the invocation the pipeline stored in the flow
// state. Hooks use it to reach the tool call context.
func InvocationFrom(fc *flow.Ctx) (*Invocation, bool) {
	inv, ok := fc.State[invocationStateKey].(*Invocation)
	return inv, ok
}

// ToolFrom returns the resolved tool record from the flow state.
func ToolFrom(fc *flow.Ctx) (*Tool, bool) {
	t, ok := fc.State[toolStateKey].(*Tool)
	return t, ok
}

// CallInput is the parsed tools/call request payload.
type CallInput struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Finder resolves tools for the pipeline. *Registry satisfies it; scopes
// wrap it with parent fallback.
type Finder interface {
	FindQualified(name string) (*Tool, bool)
	List() []*Tool
}

// SkillGate answers whether a session has the named skill loaded. Tools
// with a RequiredSkill fail closed when the gate errors or is absent.
type SkillGate interface {
	Allowed(ctx context.Context, sessionID, skill string) (bool, error)
}

// Pipeline builds the tools/call and tools/list flows over a tool finder.
type Pipeline struct {
	finder Finder
	cache  ResultCache
	gate   SkillGate
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithResultCache enables result caching for tools that opt in.
func WithResultCache(cache ResultCache) PipelineOption {
	return func(p *Pipeline) { p.cache = cache }
}

// WithSkillGate enables skill gating for tools that declare RequiredSkill.
func WithSkillGate(gate SkillGate) PipelineOption {
	return func(p *Pipeline) { p.gate = gate }
}

// NewPipeline returns a pipeline over finder.
func NewPipeline(finder Finder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{finder: finder}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CallFlow returns the tools/call flow. Guarantees: the execute stage runs
// at most once and never on a cache hit or guard abort; finalize runs
// exactly once on every path. A tool with a retry policy may have its
// executor invoked several times within the one execute stage.
func (p *Pipeline) CallFlow() *flow.Flow {
	return &flow.Flow{
		Name: CallFlowName,
		RunPlan: []string{
			StageResolve,
			StageGuard,
			StageBindProviders,
			StageResolveInput,
			StageValidateInput,
			StageReadCache,
			StageExecute,
			StageShapeOutput,
			StageWriteCache,
			flow.StagePost,
			flow.StageFinalize,
		},
		Stages: map[string]flow.StageFunc{
			StageResolve:       p.resolve,
			StageGuard:         p.guard,
			StageBindProviders: p.bindProviders,
			StageResolveInput:  p.resolveInput,
			StageValidateInput: p.validateInput,
			StageReadCache:     p.readCache,
			StageExecute:       p.execute,
			StageShapeOutput:   p.shapeOutput,
			StageWriteCache:    p.writeCache,
		},
	}
}

// ListFlow returns the tools/list flow.
func (p *Pipeline) ListFlow() *flow.Flow {
	return &flow.Flow{
		Name:    ListFlowName,
		RunPlan: []string{"collect", flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			"collect": p.collect,
		},
	}
}

// resolve parses the call payload, looks the tool up and seeds the
// invocation context.
func (p *Pipeline) resolve(_ context.Context, fc *flow.Ctx) error {
	input, err := parseCallInput(fc.Input)
	if err != nil {
		return core.NewInvalidInputError("invalid tools/call params", err)
	}
	if input.Name == "" {
		return core.NewInvalidInputError("tool name is required", nil)
	}

	tool, ok := p.finder.FindQualified(input.Name)
	if !ok {
		return core.NewInvalidInputError(fmt.Sprintf("unknown tool: %s", input.Name), nil)
	}

	inv := &Invocation{
		ToolID:    tool.ID(),
		ToolName:  tool.Name,
		SessionID: fc.SessionID,
		RequestID: fc.RequestID,
		Data:      make(map[string]any),
		Views:     fc.Views,
		Principal: fc.Principal,
		StartedAt: time.Now(),
	}
	fc.State[invocationStateKey] = inv
	fc.State[toolStateKey] = tool
	fc.State[callInputStateKey] = input
	return nil
}

// guard runs the tool's activation check and the skill gate. Both fail
// closed.
func (p *Pipeline) guard(ctx context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	inv, _ := InvocationFrom(fc)

	if tool.Guard != nil {
		ok, err := tool.Guard(ctx, inv)
		if err != nil {
			return err
		}
		if !ok {
			return core.NewToolNotActivatedError(inv.ToolID)
		}
	}

	if tool.RequiredSkill == "" {
		return nil
	}
	if p.gate == nil {
		return core.NewToolNotAllowedError(inv.ToolID,
			fmt.Sprintf("requires skill %q but no skill gate is configured", tool.RequiredSkill))
	}
	allowed, err := p.gate.Allowed(ctx, inv.SessionID, tool.RequiredSkill)
	if err != nil {
		reqctx.Logger(ctx).Warnw("skill gate check failed",
			"tool", inv.ToolID, "skill", tool.RequiredSkill, "error", err)
		return core.NewToolNotAllowedError(inv.ToolID,
			fmt.Sprintf("skill %q check failed", tool.RequiredSkill))
	}
	if !allowed {
		return core.NewToolNotAllowedError(inv.ToolID,
			fmt.Sprintf("requires skill %q to be loaded in this session", tool.RequiredSkill))
	}
	return nil
}

// bindProviders overlays the tool's provider records onto the request view.
func (*Pipeline) bindProviders(_ context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	if len(tool.Providers) == 0 {
		return nil
	}
	if fc.Views == nil {
		return fmt.Errorf("tool %s declares providers but the flow has no views", tool.ID())
	}
	for _, rec := range tool.Providers {
		if err := fc.Views.Bind(rec); err != nil {
			return fmt.Errorf("binding provider for tool %s: %w", tool.ID(), err)
		}
	}
	return nil
}

// resolveInput fixes the invocation arguments.
func (*Pipeline) resolveInput(_ context.Context, fc *flow.Ctx) error {
	inv, _ := InvocationFrom(fc)
	input, _ := fc.State[callInputStateKey].(*CallInput)
	if input.Arguments != nil {
		inv.Input = input.Arguments
	} else {
		inv.Input = make(map[string]any)
	}
	return nil
}

// validateInput checks the arguments against the tool's input schema.
func (*Pipeline) validateInput(_ context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	inv, _ := InvocationFrom(fc)
	if tool.schema == nil {
		return nil
	}
	result, err := tool.schema.Validate(gojsonschema.NewGoLoader(inv.Input))
	if err != nil {
		return core.NewInvalidInputError("input validation failed", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, resErr := range result.Errors() {
		msgs = append(msgs, resErr.String())
	}
	return core.NewInvalidInputError(strings.Join(msgs, "; "), nil)
}

// readCache serves a cached result when the tool opted in and the key is
// present. A hit responds immediately so execute and writeCache never run;
// a backend failure logs and degrades to a miss.
func (p *Pipeline) readCache(ctx context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	inv, _ := InvocationFrom(fc)
	if tool.Cache == nil || p.cache == nil {
		return nil
	}

	subject := ""
	if tool.Cache.PerPrincipal && inv.Principal != nil {
		subject = inv.Principal.Subject
	}
	key, err := CacheKey(inv.ToolID, inv.Input, subject)
	if err != nil {
		reqctx.Logger(ctx).Warnw("result cache key failed", "tool", inv.ToolID, "error", err)
		return nil
	}
	fc.State[cacheKeyStateKey] = key

	cached, err := p.cache.Get(ctx, key)
	if err != nil {
		reqctx.Logger(ctx).Warnw("result cache read failed", "tool", inv.ToolID, "error", err)
		return nil
	}
	if cached == nil {
		return nil
	}
	inv.Data[CacheHitKey] = true
	return core.NewRespond(cached)
}

// execute runs the tool body. Factory-built executors see the request's
// provider views.
func (*Pipeline) execute(ctx context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	inv, _ := InvocationFrom(fc)

	executor := tool.Execute
	if tool.NewExecutor != nil {
		built, err := tool.NewExecutor(ctx, fc.Views)
		if err != nil {
			return fmt.Errorf("building executor for tool %s: %w", tool.ID(), err)
		}
		executor = built
	}

	out, err := runExecutor(ctx, tool, executor, inv)
	if err != nil {
		// Control signals steer the flow; only real failures land on the
		// invocation for finalize hooks.
		if !core.IsControl(err) {
			inv.Err = err
		}
		return err
	}
	inv.Output = out
	return nil
}

// runExecutor invokes the tool body, retrying transient failures for tools
// that carry a retry policy. Control signals and taxonomy errors express a
// decision rather than a fault and return without another attempt.
func runExecutor(ctx context.Context, tool *Tool, executor Executor, inv *Invocation) (any, error) {
	policy := tool.Retry
	if policy == nil || policy.MaxRetries <= 0 {
		return executor(ctx, inv)
	}

	retries := policy.MaxRetries
	if retries > maxRetryCount {
		retries = maxRetryCount
	}
	delay := policy.InitialDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = delay
	expBackoff.MaxInterval = 60 * delay
	expBackoff.Reset()

	operation := func() (any, error) {
		out, err := executor(ctx, inv)
		if err == nil {
			return out, nil
		}
		var coreErr *core.Error
		if core.IsControl(err) || errors.As(err, &coreErr) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	// +1 because the count includes the initial attempt.
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(retries+1)), // #nosec G115 -- capped at maxRetryCount
		backoff.WithNotify(func(err error, wait time.Duration) {
			reqctx.Logger(ctx).Debugw("retrying tool execution",
				"tool", inv.ToolID, "wait", wait, "error", err)
		}),
	)
}

// shapeOutput converts the raw executor output into the wire result.
func (*Pipeline) shapeOutput(ctx context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	inv, _ := InvocationFrom(fc)

	if len(tool.descriptors) > 0 {
		res := shape.Shape(ctx, tool.descriptors, inv.Output)
		fc.Output = &mcp.CallToolResult{
			Content:           res.Content,
			StructuredContent: res.StructuredContent,
		}
		return nil
	}

	result, err := defaultResult(inv.Output)
	if err != nil {
		return err
	}
	fc.Output = result
	return nil
}

// writeCache stores the shaped result for tools that opted in. Error
// results are never cached, and failures only log.
func (p *Pipeline) writeCache(ctx context.Context, fc *flow.Ctx) error {
	tool, _ := ToolFrom(fc)
	inv, _ := InvocationFrom(fc)
	if tool.Cache == nil || p.cache == nil {
		return nil
	}
	result, ok := fc.Output.(*mcp.CallToolResult)
	if !ok || result.IsError {
		return nil
	}

	key, ok := fc.State[cacheKeyStateKey].(string)
	if !ok {
		subject := ""
		if tool.Cache.PerPrincipal && inv.Principal != nil {
			subject = inv.Principal.Subject
		}
		var err error
		key, err = CacheKey(inv.ToolID, inv.Input, subject)
		if err != nil {
			reqctx.Logger(ctx).Warnw("result cache key failed", "tool", inv.ToolID, "error", err)
			return nil
		}
	}

	if err := p.cache.Set(ctx, key, result, tool.Cache.TTL); err != nil {
		reqctx.Logger(ctx).Warnw("result cache write failed", "tool", inv.ToolID, "error", err)
	}
	return nil
}

// collect builds the tools/list result, sorted by id for a stable wire
// order.
func (p *Pipeline) collect(_ context.Context, fc *flow.Ctx) error {
	tools := p.finder.List()
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID() < tools[j].ID() })

	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.McpTool())
	}
	fc.Output = &mcp.ListToolsResult{Tools: out}
	return nil
}

// parseCallInput accepts the payload shapes the dispatcher may hand over:
// an already-parsed CallInput, a raw params map, or unparsed JSON.
func parseCallInput(input any) (*CallInput, error) {
	switch v := input.(type) {
	case *CallInput:
		return v, nil
	case CallInput:
		return &v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out CallInput
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case json.RawMessage:
		var out CallInput
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case []byte:
		var out CallInput
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case nil:
		return nil, fmt.Errorf("missing params")
	default:
		return nil, fmt.Errorf("unsupported params type %T", input)
	}
}

// defaultResult shapes raw output for tools with no output descriptors.
func defaultResult(raw any) (*mcp.CallToolResult, error) {
	switch v := raw.(type) {
	case nil:
		return &mcp.CallToolResult{}, nil
	case *mcp.CallToolResult:
		return v, nil
	case string:
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(v)},
		}, nil
	default:
		sanitized := shape.Sanitize(v)
		data, err := json.Marshal(sanitized)
		if err != nil {
			return nil, fmt.Errorf("marshaling tool output: %w", err)
		}
		result := &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(data))},
		}
		if m, ok := sanitized.(map[string]any); ok {
			result.StructuredContent = m
		}
		return result, nil
	}
}
