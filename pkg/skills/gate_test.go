package skills

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGate(t *testing.T) {
	t.Parallel()

	gate := NewSessionGate()
	ctx := context.Background()

	allowed, err := gate.Allowed(ctx, "s1", "incident-triage")
	require.NoError(t, err)
	assert.False(t, allowed, "nothing loaded yet")

	gate.MarkLoaded("s1", "incident-triage")

	allowed, err = gate.Allowed(ctx, "s1", "incident-triage")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = gate.Allowed(ctx, "s2", "incident-triage")
	require.NoError(t, err)
	assert.False(t, allowed, "sessions are isolated")

	allowed, err = gate.Allowed(ctx, "s1", "release-notes")
	require.NoError(t, err)
	assert.False(t, allowed, "skills are tracked individually")

	gate.DropSession("s1")
	allowed, err = gate.Allowed(ctx, "s1", "incident-triage")
	require.NoError(t, err)
	assert.False(t, allowed, "dropped session forgets its loads")
}

func TestSessionGate_IgnoresSessionlessLoads(t *testing.T) {
	t.Parallel()

	gate := NewSessionGate()
	gate.MarkLoaded("", "incident-triage")

	allowed, err := gate.Allowed(context.Background(), "", "incident-triage")
	require.NoError(t, err)
	assert.False(t, allowed, "stateless calls never unlock gated tools")
}
