// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval gates marked tools behind an out-of-band approval. The
// plugin consults an Approver from a will-execute hook: a pending answer
// surfaces as an approval-required error carrying the approval URL, a
// denial aborts the call, and only an explicit approval lets it through.
package approval

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/plugins"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// PluginName is the name the plugin registers under.
const PluginName = "approval"

// Status is the approver's verdict on one invocation.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusDenied   Status = "denied"
)

// Request describes the invocation awaiting a verdict.
type Request struct {
	ToolID    string
	SessionID string
	RequestID string
	Principal *core.Principal
	Arguments map[string]any

	// Message is the tool's configured approval prompt.
	Message string
}

// Decision is the approver's answer.
type Decision struct {
	Status Status

	// ApprovalURL is where a pending request gets settled. Returned to
	// the caller so it can complete the approval and retry.
	ApprovalURL string

	// Reason accompanies a denial.
	Reason string
}

// Approver decides whether a gated invocation may proceed. Implementations
// typically front a ticketing system or a human-in-the-loop UI.
type Approver interface {
	Check(ctx context.Context, req *Request) (*Decision, error)
}

// Func adapts a plain function to the Approver interface.
type Func func(ctx context.Context, req *Request) (*Decision, error)

// Check implements Approver.
func (f Func) Check(ctx context.Context, req *Request) (*Decision, error) {
	return f(ctx, req)
}

// New builds the approval plugin around approver. Tools opt in through
// their approval config; everything else passes untouched.
func New(approver Approver) (*plugins.Plugin, error) {
	if approver == nil {
		return nil, fmt.Errorf("approval: approver is required")
	}
	g := &gate{approver: approver}
	return &plugins.Plugin{
		Name: PluginName,
		Hooks: []flow.Hook{{
			Flow:  tools.CallFlowName,
			Stage: tools.StageExecute,
			Kind:  flow.HookWill,
			// Below the authz gate: a call denied by policy never asks
			// for approval.
			Priority: 90,
			Func:     g.check,
		}},
	}, nil
}

type gate struct {
	approver Approver
}

func (g *gate) check(ctx context.Context, fc *flow.Ctx) error {
	tool, ok := tools.ToolFrom(fc)
	if !ok || tool.Approval == nil || !tool.Approval.Required {
		return nil
	}
	inv, _ := tools.InvocationFrom(fc)

	decision, err := g.approver.Check(ctx, &Request{
		ToolID:    inv.ToolID,
		SessionID: inv.SessionID,
		RequestID: inv.RequestID,
		Principal: inv.Principal,
		Arguments: inv.Input,
		Message:   tool.Approval.Message,
	})
	if err != nil {
		return fmt.Errorf("approval check for tool %s: %w", inv.ToolID, err)
	}
	if decision == nil {
		return fmt.Errorf("approval check for tool %s: approver returned no decision", inv.ToolID)
	}

	switch decision.Status {
	case StatusApproved:
		return nil
	case StatusDenied:
		reason := decision.Reason
		if reason == "" {
			reason = "denied by approver"
		}
		return core.NewAbort(core.AbortApprovalDenied, reason, http.StatusForbidden)
	default:
		return core.NewApprovalRequiredError(inv.ToolID, decision.ApprovalURL)
	}
}
