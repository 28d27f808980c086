package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-mcp/gantry/pkg/flow"
)

func noop(context.Context, *flow.Ctx) error { return nil }

func TestNormalizePlugin(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	require.Error(t, reg.Register(&Plugin{}), "nameless plugin")

	p := &Plugin{
		Name: "audit",
		Hooks: []flow.Hook{
			{Stage: "execute", Kind: flow.HookBefore, Func: noop},
		},
	}
	require.NoError(t, reg.Register(p))
	assert.Equal(t, flow.HookWill, p.Hooks[0].Kind, "alias kinds fold during registration")
	assert.Equal(t, "audit/before-execute", p.Hooks[0].Name)
	assert.Equal(t, flow.Wildcard, p.Hooks[0].Flow)

	bad := &Plugin{
		Name:  "broken",
		Hooks: []flow.Hook{{Stage: "execute", Kind: "sometimes", Func: noop}},
	}
	err := reg.Register(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin broken")
}

func TestPlugin_FlowHooks(t *testing.T) {
	t.Parallel()

	p := &Plugin{
		Name: "audit",
		Hooks: []flow.Hook{
			{Name: "any", Flow: flow.Wildcard, Stage: "execute", Kind: flow.HookWill, Func: noop},
			{Name: "calls", Flow: "tools:call-tool", Stage: "execute", Kind: flow.HookWill, Func: noop},
			{Name: "lists", Flow: "tools:list-tools", Stage: "collect", Kind: flow.HookWill, Func: noop},
		},
	}
	require.NoError(t, NewRegistry().Register(p))

	got := p.FlowHooks("tools:call-tool")
	names := make([]string, 0, len(got))
	for _, h := range got {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"any", "calls"}, names)
}

func TestPlugin_ReadyRunsSetup(t *testing.T) {
	t.Parallel()

	var order []string
	reg := NewRegistry()
	require.NoError(t, reg.Register(
		&Plugin{
			Name:      "dependent",
			DependsOn: []string{"base"},
			Setup: func(context.Context) error {
				order = append(order, "dependent")
				return nil
			},
		},
		&Plugin{
			Name: "base",
			Setup: func(context.Context) error {
				order = append(order, "base")
				return nil
			},
		},
	))

	require.NoError(t, reg.Init(context.Background()))
	assert.Equal(t, []string{"base", "dependent"}, order)
}

func TestPlugin_SetupFailureAbortsInit(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Plugin{
		Name:  "flaky",
		Setup: func(context.Context) error { return errors.New("no backend") },
	}))

	err := reg.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backend")
	assert.False(t, reg.Initialized())
}
