package prompts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
)

func newTestPipeline(t *testing.T, recs ...*Prompt) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(recs...))
	return NewPipeline(reg)
}

func run(t *testing.T, f *flow.Flow, fc *flow.Ctx) error {
	t.Helper()
	return flow.NewEngine().Run(context.Background(), f, fc)
}

func greetPrompt() *Prompt {
	return &Prompt{
		Name:        "greet",
		Description: "says hello",
		Arguments: []Argument{
			{Name: "who", Required: true},
			{Name: "tone"},
		},
		Render: func(_ context.Context, req *GetRequest) (*mcp.GetPromptResult, error) {
			text := "hello " + req.Arguments["who"]
			if tone := req.Arguments["tone"]; tone != "" {
				text += " (" + tone + ")"
			}
			return &mcp.GetPromptResult{
				Description: "greeting",
				Messages: []mcp.PromptMessage{
					{Role: mcp.RoleUser, Content: mcp.TextContent{Type: "text", Text: text}},
				},
			}, nil
		},
	}
}

func TestGetFlow_RendersWithArguments(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())
	fc := flow.NewCtx(map[string]any{
		"name":      "greet",
		"arguments": map[string]any{"who": "world", "tone": "warm"},
	}, nil)

	require.NoError(t, run(t, p.GetFlow(), fc))

	result, ok := fc.Output.(*mcp.GetPromptResult)
	require.True(t, ok)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcp.RoleUser, result.Messages[0].Role)
	assert.Equal(t, "hello world (warm)", result.Messages[0].Content.(mcp.TextContent).Text)
}

func TestGetFlow_UnknownPrompt(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())

	err := run(t, p.GetFlow(), flow.NewCtx(map[string]any{"name": "nope"}, nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Contains(t, err.Error(), "unknown prompt: nope")
}

func TestGetFlow_MissingName(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())

	err := run(t, p.GetFlow(), flow.NewCtx(map[string]any{}, nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestGetFlow_MissingRequiredArgument(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())

	err := run(t, p.GetFlow(), flow.NewCtx(map[string]any{"name": "greet"}, nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Contains(t, err.Error(), `missing required argument "who"`)
}

func TestGetFlow_NonStringArgumentRejected(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())
	fc := flow.NewCtx(map[string]any{
		"name":      "greet",
		"arguments": map[string]any{"who": 42},
	}, nil)

	err := run(t, p.GetFlow(), fc)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Contains(t, err.Error(), `argument "who" must be a string`)
}

func TestGetFlow_RendererErrorWrappedWithStage(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Prompt{
		Name: "flaky",
		Render: func(_ context.Context, _ *GetRequest) (*mcp.GetPromptResult, error) {
			return nil, errors.New("template store offline")
		},
	})

	err := run(t, p.GetFlow(), flow.NewCtx(map[string]any{"name": "flaky"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow prompts:get-prompt: stage render")
	assert.Contains(t, err.Error(), "template store offline")
}

func TestListFlow_SortedWireRecords(t *testing.T) {
	t.Parallel()

	zeta := greetPrompt()
	zeta.Name = "zeta"
	alpha := greetPrompt()
	alpha.Name = "alpha"

	p := newTestPipeline(t, zeta, alpha)
	fc := flow.NewCtx(nil, nil)
	require.NoError(t, run(t, p.ListFlow(), fc))

	list, ok := fc.Output.(*mcp.ListPromptsResult)
	require.True(t, ok)
	require.Len(t, list.Prompts, 2)
	assert.Equal(t, "alpha", list.Prompts[0].Name)
	assert.Equal(t, "zeta", list.Prompts[1].Name)
}

func completeCtx(refType, refName, argName, argValue string) *flow.Ctx {
	return flow.NewCtx(map[string]any{
		"ref":      map[string]any{"type": refType, "name": refName},
		"argument": map[string]any{"name": argName, "value": argValue},
	}, nil)
}

func TestCompleteFlow_SuggestsValues(t *testing.T) {
	t.Parallel()

	prompt := greetPrompt()
	prompt.Arguments[1].Complete = func(_ context.Context, prefix string) ([]string, error) {
		all := []string{"warm", "wary", "brisk"}
		var out []string
		for _, v := range all {
			if prefix == "" || v[:len(prefix)] == prefix {
				out = append(out, v)
			}
		}
		return out, nil
	}

	p := newTestPipeline(t, prompt)
	fc := completeCtx("ref/prompt", "greet", "tone", "wa")
	require.NoError(t, run(t, p.CompleteFlow(), fc))

	result, ok := fc.Output.(*CompleteResult)
	require.True(t, ok)
	assert.Equal(t, []string{"warm", "wary"}, result.Completion.Values)
	assert.Equal(t, 2, result.Completion.Total)
	assert.False(t, result.Completion.HasMore)
}

func TestCompleteFlow_CapsValues(t *testing.T) {
	t.Parallel()

	prompt := greetPrompt()
	prompt.Arguments[0].Complete = func(_ context.Context, _ string) ([]string, error) {
		out := make([]string, 150)
		for i := range out {
			out[i] = fmt.Sprintf("value-%03d", i)
		}
		return out, nil
	}

	p := newTestPipeline(t, prompt)
	fc := completeCtx("ref/prompt", "greet", "who", "")
	require.NoError(t, run(t, p.CompleteFlow(), fc))

	result := fc.Output.(*CompleteResult)
	assert.Len(t, result.Completion.Values, 100)
	assert.Equal(t, 150, result.Completion.Total)
	assert.True(t, result.Completion.HasMore)
}

func TestCompleteFlow_NoCompleterReturnsEmpty(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())
	fc := completeCtx("ref/prompt", "greet", "who", "w")
	require.NoError(t, run(t, p.CompleteFlow(), fc))

	result := fc.Output.(*CompleteResult)
	assert.Empty(t, result.Completion.Values)
	assert.NotNil(t, result.Completion.Values, "values marshals as [] not null")
}

func TestCompleteFlow_ResourceRefCompletesToNothing(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())
	fc := flow.NewCtx(map[string]any{
		"ref":      map[string]any{"type": "ref/resource", "uri": "notes://{id}"},
		"argument": map[string]any{"name": "id", "value": "4"},
	}, nil)
	require.NoError(t, run(t, p.CompleteFlow(), fc))

	result := fc.Output.(*CompleteResult)
	assert.Empty(t, result.Completion.Values)
}

func TestCompleteFlow_UnknownPromptOrArgument(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, greetPrompt())

	err := run(t, p.CompleteFlow(), completeCtx("ref/prompt", "nope", "who", ""))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	err = run(t, p.CompleteFlow(), completeCtx("ref/prompt", "greet", "missing", ""))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Contains(t, err.Error(), `no argument "missing"`)
}
