package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

func TestMetricsPlugin_Shape(t *testing.T) {
	t.Parallel()

	p := MetricsPlugin(nil, nil)
	assert.Equal(t, "telemetry-metrics", p.Name)
	require.Len(t, p.Hooks, 3)

	flows := make([]string, 0, len(p.Hooks))
	for _, h := range p.Hooks {
		assert.Equal(t, flow.StageFinalize, h.Stage)
		assert.Equal(t, flow.HookWill, h.Kind)
		flows = append(flows, h.Flow)
	}
	assert.ElementsMatch(t, []string{
		tools.CallFlowName,
		dispatch.InitializeFlowName,
		dispatch.ElicitRequestFlowName,
	}, flows)
}

// The meters are nil-receiver safe, so the hooks must run cleanly when
// telemetry is disabled.
func TestMetricsPlugin_HooksTolerateNilMeters(t *testing.T) {
	t.Parallel()

	p := MetricsPlugin(nil, nil)
	fc := flow.NewCtx(nil, nil)
	fc.Output = &elicit.Result{Action: elicit.ActionDecline}

	for _, h := range p.Hooks {
		assert.NoError(t, h.Func(context.Background(), fc), h.Name)
	}
}

func TestElicitOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output any
		err    error
		want   string
	}{
		{
			name:   "accepted",
			output: &elicit.Result{Action: elicit.ActionAccept},
			want:   "accept",
		},
		{
			name:   "declined",
			output: &elicit.Result{Action: elicit.ActionDecline},
			want:   "decline",
		},
		{
			name:   "cancelled by client",
			output: &elicit.Result{Action: elicit.ActionCancel},
			want:   "cancel",
		},
		{
			name: "success without a result defaults to accept",
			want: "accept",
		},
		{
			name: "superseded by a newer request",
			err:  core.NewAbort(core.AbortElicitSuperseded, "superseded", 0),
			want: "superseded",
		},
		{
			name: "cancelled by session teardown",
			err:  core.NewAbort(core.AbortElicitCancelled, "session closed", 0),
			want: "cancelled",
		},
		{
			name: "timed out",
			err:  core.NewElicitationTimeoutError("elicit-1", time.Minute),
			want: "timeout",
		},
		{
			name: "other failure",
			err:  errors.New("store unreachable"),
			want: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fc := flow.NewCtx(nil, nil)
			fc.Output = tt.output
			fc.Err = tt.err
			assert.Equal(t, tt.want, elicitOutcome(fc))
		})
	}
}
