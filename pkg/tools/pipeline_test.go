package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/provider"
)

func echoTool(calls *atomic.Int64) *Tool {
	return &Tool{
		Name:        "echo",
		Description: "echoes its text argument",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Execute: func(_ context.Context, inv *Invocation) (any, error) {
			if calls != nil {
				calls.Add(1)
			}
			return map[string]any{"echoed": inv.Input["text"]}, nil
		},
	}
}

func newTestPipeline(t *testing.T, tool *Tool, opts ...PipelineOption) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(tool))
	return NewPipeline(reg, opts...)
}

func runCall(t *testing.T, p *Pipeline, fc *flow.Ctx) error {
	t.Helper()
	return flow.NewEngine().Run(context.Background(), p.CallFlow(), fc)
}

func callCtx(name string, args map[string]any) *flow.Ctx {
	return flow.NewCtx(&CallInput{Name: name, Arguments: args}, nil)
}

func TestPipeline_CallHappyPath(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	p := newTestPipeline(t, echoTool(&calls))

	fc := callCtx("echo", map[string]any{"text": "hi"})
	require.NoError(t, runCall(t, p, fc))

	result, ok := fc.Output.(*mcp.CallToolResult)
	require.True(t, ok, "output should be a call result, got %T", fc.Output)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, result.IsError)
	assert.Equal(t, map[string]any{"echoed": "hi"}, result.StructuredContent)

	inv, ok := InvocationFrom(fc)
	require.True(t, ok)
	assert.Equal(t, "echo", inv.ToolID)
	assert.False(t, inv.CacheHit())
}

func TestPipeline_UnknownTool(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, echoTool(nil))
	err := runCall(t, p, callCtx("nope", nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestPipeline_InvalidInput(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	p := newTestPipeline(t, echoTool(&calls))

	err := runCall(t, p, callCtx("echo", map[string]any{"text": 42}))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.EqualValues(t, 0, calls.Load(), "executor must not run on invalid input")

	err = runCall(t, p, callCtx("echo", nil))
	require.Error(t, err, "missing required argument")
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestPipeline_GuardBlocks(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := echoTool(&calls)
	tool.Guard = func(context.Context, *Invocation) (bool, error) {
		return false, nil
	}
	p := newTestPipeline(t, tool)

	var finalized int
	engine := flow.NewEngine()
	require.NoError(t, engine.RegisterHook(flow.Hook{
		Name: "count-finalize", Stage: flow.StageFinalize, Kind: flow.HookWill,
		Func: func(context.Context, *flow.Ctx) error {
			finalized++
			return nil
		},
	}))

	fc := callCtx("echo", map[string]any{"text": "hi"})
	err := engine.Run(context.Background(), p.CallFlow(), fc)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindToolNotActivated))
	assert.EqualValues(t, 0, calls.Load(), "executor must not run after guard abort")
	assert.Equal(t, 1, finalized, "finalize runs exactly once on the failure path")
}

func TestPipeline_GuardErrorPropagates(t *testing.T) {
	t.Parallel()

	tool := echoTool(nil)
	tool.Guard = func(context.Context, *Invocation) (bool, error) {
		return false, errors.New("backend down")
	}
	p := newTestPipeline(t, tool)

	err := runCall(t, p, callCtx("echo", map[string]any{"text": "hi"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow tools:call-tool: stage guard")
	assert.Contains(t, err.Error(), "backend down")
}

type staticGate struct {
	allowed bool
	err     error
}

func (g staticGate) Allowed(context.Context, string, string) (bool, error) {
	return g.allowed, g.err
}

func TestPipeline_SkillGate(t *testing.T) {
	t.Parallel()

	newGated := func() *Tool {
		tool := echoTool(nil)
		tool.RequiredSkill = "summarize"
		return tool
	}
	args := map[string]any{"text": "hi"}

	t.Run("no gate configured fails closed", func(t *testing.T) {
		t.Parallel()
		p := newTestPipeline(t, newGated())
		err := runCall(t, p, callCtx("echo", args))
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindToolNotAllowed))
	})

	t.Run("gate error fails closed", func(t *testing.T) {
		t.Parallel()
		p := newTestPipeline(t, newGated(), WithSkillGate(staticGate{err: errors.New("boom")}))
		err := runCall(t, p, callCtx("echo", args))
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindToolNotAllowed))
	})

	t.Run("skill not loaded", func(t *testing.T) {
		t.Parallel()
		p := newTestPipeline(t, newGated(), WithSkillGate(staticGate{allowed: false}))
		err := runCall(t, p, callCtx("echo", args))
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindToolNotAllowed))
	})

	t.Run("skill loaded", func(t *testing.T) {
		t.Parallel()
		p := newTestPipeline(t, newGated(), WithSkillGate(staticGate{allowed: true}))
		require.NoError(t, runCall(t, p, callCtx("echo", args)))
	})
}

func TestPipeline_ExecutorError(t *testing.T) {
	t.Parallel()

	tool := &Tool{
		Name: "flaky",
		Execute: func(context.Context, *Invocation) (any, error) {
			return nil, errors.New("upstream timeout")
		},
	}
	p := newTestPipeline(t, tool)

	fc := callCtx("flaky", nil)
	err := runCall(t, p, fc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow tools:call-tool: stage execute")

	inv, ok := InvocationFrom(fc)
	require.True(t, ok)
	require.Error(t, inv.Err)
	assert.Contains(t, inv.Err.Error(), "upstream timeout")
}

func TestPipeline_ExecutorRespondShortCircuits(t *testing.T) {
	t.Parallel()

	want := &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("early")}}
	tool := &Tool{
		Name: "early",
		Execute: func(context.Context, *Invocation) (any, error) {
			return nil, core.NewRespond(want)
		},
	}
	p := newTestPipeline(t, tool)

	fc := callCtx("early", nil)
	require.NoError(t, runCall(t, p, fc))
	assert.Same(t, want, fc.Output)
}

func TestPipeline_RetryRecoversFromTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := &Tool{
		Name:  "wobbly",
		Retry: &RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond},
		Execute: func(context.Context, *Invocation) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("backend hiccup")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	p := newTestPipeline(t, tool)

	fc := callCtx("wobbly", nil)
	require.NoError(t, runCall(t, p, fc))
	assert.EqualValues(t, 3, calls.Load())

	result, ok := fc.Output.(*mcp.CallToolResult)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, result.StructuredContent)

	inv, ok := InvocationFrom(fc)
	require.True(t, ok)
	assert.NoError(t, inv.Err, "a recovered call must not surface the transient error")
}

func TestPipeline_RetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := &Tool{
		Name:  "down",
		Retry: &RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond},
		Execute: func(context.Context, *Invocation) (any, error) {
			calls.Add(1)
			return nil, errors.New("still down")
		},
	}
	p := newTestPipeline(t, tool)

	fc := callCtx("down", nil)
	err := runCall(t, p, fc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still down")
	assert.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")

	inv, ok := InvocationFrom(fc)
	require.True(t, ok)
	require.Error(t, inv.Err)
}

func TestPipeline_RetrySkipsTaxonomyErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := &Tool{
		Name:  "strict",
		Retry: &RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond},
		Execute: func(context.Context, *Invocation) (any, error) {
			calls.Add(1)
			return nil, core.NewInvalidInputError("argument rejected", nil)
		},
	}
	p := newTestPipeline(t, tool)

	err := runCall(t, p, callCtx("strict", nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.EqualValues(t, 1, calls.Load(), "deliberate errors must not be retried")
}

func TestPipeline_RetrySkipsControlSignals(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	want := &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("done")}}
	tool := &Tool{
		Name:  "short",
		Retry: &RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond},
		Execute: func(context.Context, *Invocation) (any, error) {
			calls.Add(1)
			return nil, core.NewRespond(want)
		},
	}
	p := newTestPipeline(t, tool)

	fc := callCtx("short", nil)
	require.NoError(t, runCall(t, p, fc))
	assert.EqualValues(t, 1, calls.Load())
	assert.Same(t, want, fc.Output)
}

func TestRunExecutor_CapsRetryCount(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := &Tool{
		Name:  "capped",
		Retry: &RetryConfig{MaxRetries: 50, InitialDelay: time.Microsecond},
		Execute: func(context.Context, *Invocation) (any, error) {
			calls.Add(1)
			return nil, errors.New("nope")
		},
	}

	_, err := runExecutor(context.Background(), tool, tool.Execute, &Invocation{ToolID: "capped"})
	require.Error(t, err)
	assert.EqualValues(t, maxRetryCount+1, calls.Load())
}

// countingCache wraps a ResultCache and counts writes, so tests can assert
// that a cache hit skips the write stage.
type countingCache struct {
	ResultCache
	sets atomic.Int64
}

func (c *countingCache) Set(ctx context.Context, key string, result *mcp.CallToolResult, ttl time.Duration) error {
	c.sets.Add(1)
	return c.ResultCache.Set(ctx, key, result, ttl)
}

func TestPipeline_CacheHit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := echoTool(&calls)
	tool.Cache = &CacheConfig{TTL: time.Minute}

	cache := &countingCache{ResultCache: NewMemoryCache()}
	p := newTestPipeline(t, tool, WithResultCache(cache))
	engine := flow.NewEngine()

	var finalized int
	require.NoError(t, engine.RegisterHook(flow.Hook{
		Name: "count-finalize", Stage: flow.StageFinalize, Kind: flow.HookWill,
		Func: func(context.Context, *flow.Ctx) error {
			finalized++
			return nil
		},
	}))

	args := map[string]any{"text": "hi"}

	first := callCtx("echo", args)
	require.NoError(t, engine.Run(context.Background(), p.CallFlow(), first))
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, 1, cache.sets.Load())

	second := callCtx("echo", args)
	require.NoError(t, engine.Run(context.Background(), p.CallFlow(), second))

	assert.EqualValues(t, 1, calls.Load(), "executor must not run on a cache hit")
	assert.EqualValues(t, 1, cache.sets.Load(), "cache hit must not rewrite the entry")

	inv, ok := InvocationFrom(second)
	require.True(t, ok)
	assert.True(t, inv.CacheHit())
	assert.Equal(t, true, inv.Data[CacheHitKey])

	firstResult := first.Output.(*mcp.CallToolResult)
	secondResult := second.Output.(*mcp.CallToolResult)
	assert.Equal(t, firstResult.StructuredContent, secondResult.StructuredContent)

	assert.Equal(t, 2, finalized, "finalize runs on hit and miss alike")
}

func TestPipeline_CacheKeyedByArguments(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := echoTool(&calls)
	tool.Cache = &CacheConfig{TTL: time.Minute}
	p := newTestPipeline(t, tool, WithResultCache(NewMemoryCache()))

	require.NoError(t, runCall(t, p, callCtx("echo", map[string]any{"text": "a"})))
	require.NoError(t, runCall(t, p, callCtx("echo", map[string]any{"text": "b"})))
	assert.EqualValues(t, 2, calls.Load(), "different arguments must not share cache entries")
}

func TestPipeline_CachePerPrincipal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := echoTool(&calls)
	tool.Cache = &CacheConfig{TTL: time.Minute, PerPrincipal: true}
	p := newTestPipeline(t, tool, WithResultCache(NewMemoryCache()))
	engine := flow.NewEngine()

	args := map[string]any{"text": "hi"}
	run := func(subject string) {
		fc := callCtx("echo", args)
		fc.Principal = &core.Principal{Subject: subject}
		require.NoError(t, engine.Run(context.Background(), p.CallFlow(), fc))
	}

	run("alice")
	run("bob")
	assert.EqualValues(t, 2, calls.Load(), "principals must not share cached results")

	run("alice")
	assert.EqualValues(t, 2, calls.Load(), "same principal should hit")
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*mcp.CallToolResult, error) {
	return nil, errors.New("redis gone")
}

func (failingCache) Set(context.Context, string, *mcp.CallToolResult, time.Duration) error {
	return errors.New("redis gone")
}

func (failingCache) Delete(context.Context, string) error { return nil }

func TestPipeline_CacheBackendFailureDegradesToMiss(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	tool := echoTool(&calls)
	tool.Cache = &CacheConfig{TTL: time.Minute}
	p := newTestPipeline(t, tool, WithResultCache(failingCache{}))

	fc := callCtx("echo", map[string]any{"text": "hi"})
	require.NoError(t, runCall(t, p, fc))
	assert.EqualValues(t, 1, calls.Load())

	result := fc.Output.(*mcp.CallToolResult)
	assert.Equal(t, map[string]any{"echoed": "hi"}, result.StructuredContent)
}

func TestPipeline_ProviderBinding(t *testing.T) {
	t.Parallel()

	greeting := provider.NewToken("greeting")
	container := provider.NewContainer(provider.NewRegistry())
	views := container.Views("sess-1")

	tool := &Tool{
		Name:      "greet",
		Providers: []provider.Record{provider.NewValue(greeting, "bonjour")},
		NewExecutor: func(_ context.Context, v *provider.Views) (Executor, error) {
			return func(ctx context.Context, inv *Invocation) (any, error) {
				word, err := provider.Resolve[string](ctx, v, greeting)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("%s, %s", word, inv.Input["name"]), nil
			}, nil
		},
	}
	p := newTestPipeline(t, tool)

	fc := flow.NewCtx(&CallInput{Name: "greet", Arguments: map[string]any{"name": "ada"}}, views)
	require.NoError(t, runCall(t, p, fc))

	result := fc.Output.(*mcp.CallToolResult)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "bonjour, ada", text.Text)
}

func TestPipeline_DefaultShaping(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, out any) *mcp.CallToolResult {
		t.Helper()
		tool := &Tool{
			Name: "emit",
			Execute: func(context.Context, *Invocation) (any, error) {
				return out, nil
			},
		}
		p := newTestPipeline(t, tool)
		fc := callCtx("emit", nil)
		require.NoError(t, runCall(t, p, fc))
		result, ok := fc.Output.(*mcp.CallToolResult)
		require.True(t, ok)
		return result
	}

	t.Run("nil output", func(t *testing.T) {
		t.Parallel()
		result := run(t, nil)
		assert.Empty(t, result.Content)
		assert.Nil(t, result.StructuredContent)
	})

	t.Run("string output", func(t *testing.T) {
		t.Parallel()
		result := run(t, "done")
		require.Len(t, result.Content, 1)
		assert.Equal(t, "done", result.Content[0].(mcp.TextContent).Text)
	})

	t.Run("result passthrough", func(t *testing.T) {
		t.Parallel()
		want := &mcp.CallToolResult{IsError: true}
		assert.Same(t, want, run(t, want))
	})

	t.Run("map output sanitized", func(t *testing.T) {
		t.Parallel()
		result := run(t, map[string]any{"data": "ok", "__proto__": "evil", "constructor": "bad"})
		require.NotNil(t, result.StructuredContent)
		assert.Equal(t, map[string]any{"data": "ok"}, result.StructuredContent)
	})
}

func TestPipeline_OutputDescriptors(t *testing.T) {
	t.Parallel()

	tool := &Tool{
		Name:   "upper",
		Output: json.RawMessage(`"string"`),
		Execute: func(context.Context, *Invocation) (any, error) {
			return "LOUD", nil
		},
	}
	p := newTestPipeline(t, tool)

	fc := callCtx("upper", nil)
	require.NoError(t, runCall(t, p, fc))

	result := fc.Output.(*mcp.CallToolResult)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "LOUD", result.Content[0].(mcp.TextContent).Text)
}

func TestPipeline_List(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	noop := func(context.Context, *Invocation) (any, error) { return nil, nil }
	require.NoError(t, reg.Register(
		&Tool{Name: "zeta", Execute: noop},
		&Tool{Name: "alpha", Description: "first", Execute: noop,
			Annotations: Annotations{Title: "Alpha", ReadOnly: true}},
	))
	p := NewPipeline(reg)

	fc := flow.NewCtx(nil, nil)
	require.NoError(t, flow.NewEngine().Run(context.Background(), p.ListFlow(), fc))

	result, ok := fc.Output.(*mcp.ListToolsResult)
	require.True(t, ok)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "alpha", result.Tools[0].Name)
	assert.Equal(t, "zeta", result.Tools[1].Name)
	assert.Equal(t, "first", result.Tools[0].Description)
	assert.Equal(t, "Alpha", result.Tools[0].Annotations.Title)
	require.NotNil(t, result.Tools[0].Annotations.ReadOnlyHint)
	assert.True(t, *result.Tools[0].Annotations.ReadOnlyHint)
}

func TestPipeline_ToolHooksRideTheFlow(t *testing.T) {
	t.Parallel()

	var seen []string
	tool := echoTool(nil)
	tool.Hooks = []flow.Hook{
		{
			Name: "audit", Stage: StageExecute, Kind: flow.HookDid,
			Func: func(_ context.Context, fc *flow.Ctx) error {
				inv, _ := InvocationFrom(fc)
				seen = append(seen, inv.ToolID)
				return nil
			},
		},
	}

	other := &Tool{
		Name:    "other",
		Execute: func(context.Context, *Invocation) (any, error) { return "ok", nil },
	}

	reg := NewRegistry()
	require.NoError(t, reg.Register(tool, other))
	p := NewPipeline(reg)

	engine := flow.NewEngine()
	src := hookSource(tool.BindHooks())

	require.NoError(t, engine.Run(context.Background(), p.CallFlow(),
		callCtx("echo", map[string]any{"text": "hi"}), src))
	require.NoError(t, engine.Run(context.Background(), p.CallFlow(),
		callCtx("other", nil), src))

	assert.Equal(t, []string{"echo"}, seen, "tool hooks fire only for their own tool")
}

type hookSource []flow.Hook

func (s hookSource) FlowHooks(string) []flow.Hook { return s }
