package resources

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
)

func newTestPipeline(t *testing.T, recs ...*Resource) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(recs...))
	return NewPipeline(reg, nil)
}

func run(t *testing.T, f *flow.Flow, fc *flow.Ctx) error {
	t.Helper()
	return flow.NewEngine().Run(context.Background(), f, fc)
}

func TestReadFlow_ExactURI(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Resource{
		Name: "readme", URI: "mem://readme", MIMEType: "text/plain",
		Read: staticReader("hello"),
	})

	fc := flow.NewCtx(map[string]any{"uri": "mem://readme"}, nil)
	require.NoError(t, run(t, p.ReadFlow(), fc))

	result, ok := fc.Output.(*mcp.ReadResourceResult)
	require.True(t, ok)
	require.Len(t, result.Contents, 1)
	text := result.Contents[0].(mcp.TextResourceContents)
	assert.Equal(t, "hello", text.Text)
	assert.Equal(t, "mem://readme", text.URI)
}

func TestReadFlow_TemplateVars(t *testing.T) {
	t.Parallel()

	var gotVars map[string]string
	p := newTestPipeline(t, &Resource{
		Name: "notes", Template: "notes://{folder}/{id}",
		Read: func(_ context.Context, req *ReadRequest) ([]mcp.ResourceContents, error) {
			gotVars = req.Vars
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.URI, Text: "note"},
			}, nil
		},
	})

	fc := flow.NewCtx(map[string]any{"uri": "notes://inbox/42"}, nil)
	require.NoError(t, run(t, p.ReadFlow(), fc))
	assert.Equal(t, map[string]string{"folder": "inbox", "id": "42"}, gotVars)
}

func TestReadFlow_ExactWinsOverTemplate(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t,
		&Resource{Name: "catchall", Template: "mem://{+rest}", Read: staticReader("template")},
		&Resource{Name: "pinned", URI: "mem://pinned", Read: staticReader("exact")},
	)

	fc := flow.NewCtx(map[string]any{"uri": "mem://pinned"}, nil)
	require.NoError(t, run(t, p.ReadFlow(), fc))

	result := fc.Output.(*mcp.ReadResourceResult)
	assert.Equal(t, "exact", result.Contents[0].(mcp.TextResourceContents).Text)
}

func TestReadFlow_UnknownURI(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Resource{Name: "readme", URI: "mem://readme", Read: staticReader("x")})

	err := run(t, p.ReadFlow(), flow.NewCtx(map[string]any{"uri": "mem://nope"}, nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))

	err = run(t, p.ReadFlow(), flow.NewCtx(map[string]any{}, nil))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestReadFlow_ReaderError(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Resource{
		Name: "flaky", URI: "mem://flaky",
		Read: func(context.Context, *ReadRequest) ([]mcp.ResourceContents, error) {
			return nil, errors.New("backing store offline")
		},
	})

	err := run(t, p.ReadFlow(), flow.NewCtx(map[string]any{"uri": "mem://flaky"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow resources:read-resource: stage read")
	assert.Contains(t, err.Error(), "backing store offline")
}

func TestListFlows_SplitExactAndTemplates(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t,
		&Resource{Name: "zeta", URI: "mem://z", Read: staticReader("z")},
		&Resource{Name: "alpha", URI: "mem://a", Description: "first", Read: staticReader("a")},
		&Resource{Name: "notes", Template: "notes://{id}", Read: staticReader("n")},
	)

	fc := flow.NewCtx(nil, nil)
	require.NoError(t, run(t, p.ListFlow(), fc))
	list := fc.Output.(*mcp.ListResourcesResult)
	require.Len(t, list.Resources, 2)
	assert.Equal(t, "alpha", list.Resources[0].Name)
	assert.Equal(t, "zeta", list.Resources[1].Name)
	assert.Equal(t, "first", list.Resources[0].Description)

	fc = flow.NewCtx(nil, nil)
	require.NoError(t, run(t, p.ListTemplatesFlow(), fc))
	templates := fc.Output.(*mcp.ListResourceTemplatesResult)
	require.Len(t, templates.ResourceTemplates, 1)
	assert.Equal(t, "notes", templates.ResourceTemplates[0].Name)
}

func TestSubscribeFlow_IdempotentSetOps(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Resource{Name: "readme", URI: "mem://readme", Read: staticReader("x")})
	ctx := context.Background()

	subscribe := func(session string) error {
		fc := flow.NewCtx(map[string]any{"uri": "mem://readme"}, nil)
		fc.SessionID = session
		return run(t, p.SubscribeFlow(), fc)
	}

	require.NoError(t, subscribe("s1"))
	require.NoError(t, subscribe("s1"), "resubscribe is a no-op")
	require.NoError(t, subscribe("s2"))

	subs, err := p.Subscriptions().Subscribers(ctx, "mem://readme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, subs)

	fc := flow.NewCtx(map[string]any{"uri": "mem://readme"}, nil)
	fc.SessionID = "s1"
	require.NoError(t, run(t, p.UnsubscribeFlow(), fc))
	require.NoError(t, run(t, p.UnsubscribeFlow(), func() *flow.Ctx {
		c := flow.NewCtx(map[string]any{"uri": "mem://readme"}, nil)
		c.SessionID = "s1"
		return c
	}()), "double unsubscribe is a no-op")

	subs, err = p.Subscriptions().Subscribers(ctx, "mem://readme")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, subs)
}

func TestSubscribeFlow_UnknownResourceRejected(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Resource{Name: "readme", URI: "mem://readme", Read: staticReader("x")})

	fc := flow.NewCtx(map[string]any{"uri": "mem://nope"}, nil)
	err := run(t, p.SubscribeFlow(), fc)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
}

func TestSubscriptions_DropSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	subs := NewMemorySubscriptions()
	require.NoError(t, subs.Subscribe(ctx, "s1", "mem://a"))
	require.NoError(t, subs.Subscribe(ctx, "s1", "mem://b"))
	require.NoError(t, subs.Subscribe(ctx, "s2", "mem://a"))

	require.NoError(t, subs.DropSession(ctx, "s1"))

	got, err := subs.Subscribers(ctx, "mem://a")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, got)

	got, err = subs.Subscribers(ctx, "mem://b")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscribeToTemplateBackedURI(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, &Resource{Name: "notes", Template: "notes://{id}", Read: staticReader("n")})

	fc := flow.NewCtx(map[string]any{"uri": "notes://42"}, nil)
	fc.SessionID = "s1"
	require.NoError(t, run(t, p.SubscribeFlow(), fc), "template-served URIs are subscribable")
}
