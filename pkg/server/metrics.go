// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"time"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/plugins"
	"github.com/gantry-mcp/gantry/pkg/telemetry"
	"github.com/gantry-mcp/gantry/pkg/tools"
	"github.com/gantry-mcp/gantry/pkg/transport"
)

// MetricsPlugin records the gateway meters from flow hooks: tool call
// outcomes at tools:call-tool finalize, session counts after a successful
// initialize, and elicitation outcomes at elicitation:request finalize.
// Finalize runs in every outcome, so each invocation is counted once.
func MetricsPlugin(meters *telemetry.Meters, reg *transport.Registry) *plugins.Plugin {
	return &plugins.Plugin{
		Name: "telemetry-metrics",
		Hooks: []flow.Hook{
			{
				Name:  "record-tool-invocation",
				Flow:  tools.CallFlowName,
				Stage: flow.StageFinalize,
				Kind:  flow.HookWill,
				Func:  recordToolInvocation(meters),
			},
			{
				Name:  "count-session-initialized",
				Flow:  dispatch.InitializeFlowName,
				Stage: flow.StageFinalize,
				Kind:  flow.HookWill,
				Func:  countSession(meters, reg),
			},
			{
				Name:  "record-elicitation-outcome",
				Flow:  dispatch.ElicitRequestFlowName,
				Stage: flow.StageFinalize,
				Kind:  flow.HookWill,
				Func:  recordElicitation(meters),
			},
		},
	}
}

func recordToolInvocation(meters *telemetry.Meters) flow.HookFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		inv, ok := tools.InvocationFrom(fc)
		if !ok {
			// The call failed before resolve; there is no tool to tag.
			return nil
		}
		err := fc.Err
		if err == nil {
			err = inv.Err
		}
		meters.RecordToolInvocation(ctx, inv.ToolID, inv.CacheHit(), time.Since(inv.StartedAt), err)
		return nil
	}
}

func countSession(meters *telemetry.Meters, reg *transport.Registry) flow.HookFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		if fc.Err != nil || fc.SessionID == "" {
			return nil
		}
		protocol := "unknown"
		if adapter, ok := reg.FindBySession(fc.SessionID); ok {
			protocol = string(adapter.Key().Protocol)
		}
		meters.RecordSessionCreated(ctx, protocol)
		return nil
	}
}

func recordElicitation(meters *telemetry.Meters) flow.HookFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		meters.RecordElicitation(ctx, elicitOutcome(fc))
		return nil
	}
}

// elicitOutcome labels one finished elicitation flow: the client's action
// on success, or the failure class (timeout, cancelled, superseded, error).
func elicitOutcome(fc *flow.Ctx) string {
	if fc.Err == nil {
		if res, ok := fc.Output.(*elicit.Result); ok && res.Action != "" {
			return res.Action
		}
		return elicit.ActionAccept
	}

	var abort *core.Abort
	if errors.As(fc.Err, &abort) {
		switch abort.Code {
		case core.AbortElicitSuperseded:
			return "superseded"
		case core.AbortElicitCancelled:
			return "cancelled"
		}
	}
	if core.IsKind(fc.Err, core.KindElicitationTimeout) {
		return "timeout"
	}
	return "error"
}
