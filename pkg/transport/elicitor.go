// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/jsonrpc2"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/plugins"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/reqctx"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// State keys the elicitation flow threads between its stages.
const (
	stateElicitRequest = "elicit.request"
	stateElicitAdapter = "elicit.adapter"
	stateElicitHandle  = "elicit.handle"
)

// ElicitFlow builds the elicitation flow: resolve the session's adapter,
// register the pending elicitation with the broker, push the
// elicitation/create call onto the session's event stream, and block
// until the client answers, the elicitation is cancelled, or the
// deadline passes. Both inbound dispatch and tool-side Requesters run
// this one flow, so hooks observe every elicitation the same way.
func ElicitFlow(broker *elicit.Broker, reg *Registry) *flow.Flow {
	return &flow.Flow{
		Name:    dispatch.ElicitRequestFlowName,
		RunPlan: []string{"resolve", "begin", "send", "await", flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			"resolve": resolveElicit(reg),
			"begin":   beginElicit(broker),
			"send":    sendElicit(broker),
			"await":   awaitElicit,
		},
	}
}

// resolveElicit parses the request and locates the adapter that will
// carry the elicitation. Sessions without an event stream cannot be
// elicited.
func resolveElicit(reg *Registry) flow.StageFunc {
	return func(_ context.Context, fc *flow.Ctx) error {
		req, err := parseElicitInput(fc.Input)
		if err != nil {
			return err
		}
		req.SessionID = fc.SessionID
		req.RelatedRequestID = fc.RequestID

		if fc.SessionID == "" {
			return core.NewCapabilityUnavailableError("elicitation/create")
		}
		adapter, ok := reg.FindBySession(fc.SessionID)
		if !ok {
			return core.NewCapabilityUnavailableError("elicitation/create")
		}

		fc.State[stateElicitRequest] = req
		fc.State[stateElicitAdapter] = adapter
		return nil
	}
}

func beginElicit(broker *elicit.Broker) flow.StageFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		req, ok := fc.State[stateElicitRequest].(elicit.Request)
		if !ok {
			return core.NewInternalError(fmt.Errorf("elicitation request missing from state"))
		}
		h, err := broker.Begin(ctx, req)
		if err != nil {
			return err
		}
		fc.State[stateElicitHandle] = h
		return nil
	}
}

// sendElicit encodes the elicitation/create call and enqueues it on the
// session's event stream. A delivery failure cancels the pending record
// so the session is not left blocked until the deadline.
func sendElicit(broker *elicit.Broker) flow.StageFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		h, ok := fc.State[stateElicitHandle].(*elicit.Handle)
		if !ok {
			return core.NewInternalError(fmt.Errorf("elicitation handle missing from state"))
		}
		adapter, ok := fc.State[stateElicitAdapter].(Transporter)
		if !ok {
			return core.NewInternalError(fmt.Errorf("elicitation adapter missing from state"))
		}

		rec := h.Record()
		params := map[string]any{
			"elicitId":  rec.ElicitID,
			"message":   rec.Message,
			"mode":      rec.Mode,
			"expiresAt": rec.ExpiresAt,
		}
		if len(rec.RequestedSchema) > 0 {
			params["requestedSchema"] = rec.RequestedSchema
		}
		raw, err := json.Marshal(params)
		if err != nil {
			_ = broker.CancelPending(ctx, rec.SessionID)
			return core.NewInternalError(fmt.Errorf("encoding elicitation params: %w", err))
		}
		call, err := jsonrpc2.NewCall(jsonrpc2.StringID(rec.ElicitID), "elicitation/create", json.RawMessage(raw))
		if err != nil {
			_ = broker.CancelPending(ctx, rec.SessionID)
			return core.NewInternalError(fmt.Errorf("building elicitation call: %w", err))
		}
		data, err := jsonrpc2.EncodeMessage(call)
		if err != nil {
			_ = broker.CancelPending(ctx, rec.SessionID)
			return core.NewInternalError(fmt.Errorf("encoding elicitation call: %w", err))
		}
		if err := adapter.Send(ctx, data); err != nil {
			_ = broker.CancelPending(ctx, rec.SessionID)
			return core.NewInternalError(fmt.Errorf("delivering elicitation: %w", err))
		}
		return nil
	}
}

func awaitElicit(ctx context.Context, fc *flow.Ctx) error {
	h, ok := fc.State[stateElicitHandle].(*elicit.Handle)
	if !ok {
		return core.NewInternalError(fmt.Errorf("elicitation handle missing from state"))
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	fc.Output = &res
	return nil
}

// parseElicitInput accepts the shapes the flow is invoked with: a typed
// request from tool code, or raw params from inbound dispatch.
func parseElicitInput(input any) (elicit.Request, error) {
	switch v := input.(type) {
	case *elicit.Request:
		if v == nil {
			return elicit.Request{}, core.NewInvalidInputError("missing params", nil)
		}
		return *v, nil
	case elicit.Request:
		return v, nil
	case json.RawMessage:
		return unmarshalElicitParams(v)
	case []byte:
		return unmarshalElicitParams(v)
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return elicit.Request{}, core.NewInvalidInputError("invalid params", err)
		}
		return unmarshalElicitParams(raw)
	case nil:
		return elicit.Request{}, core.NewInvalidInputError("missing params", nil)
	default:
		return elicit.Request{}, core.NewInvalidInputError(fmt.Sprintf("unsupported params type %T", input), nil)
	}
}

func unmarshalElicitParams(raw []byte) (elicit.Request, error) {
	var params struct {
		Message         string         `json:"message"`
		Mode            string         `json:"mode"`
		RequestedSchema map[string]any `json:"requestedSchema"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return elicit.Request{}, core.NewInvalidInputError("invalid params", err)
	}
	return elicit.Request{
		Message: params.Message,
		Mode:    params.Mode,
		Schema:  params.RequestedSchema,
	}, nil
}

// FlowElicitor satisfies elicit.Requester by running the elicitation
// flow through the engine. Tool handlers resolve it from their views and
// stay ignorant of which transport carries the session.
type FlowElicitor struct {
	engine *flow.Engine
	scope  *scope.Scope
}

// NewFlowElicitor binds a Requester to the scope serving the sessions.
func NewFlowElicitor(engine *flow.Engine, s *scope.Scope) *FlowElicitor {
	return &FlowElicitor{engine: engine, scope: s}
}

// RequestElicitation implements elicit.Requester.
func (fe *FlowElicitor) RequestElicitation(ctx context.Context, req elicit.Request) (elicit.Result, error) {
	f, ok := fe.scope.FindFlow(dispatch.ElicitRequestFlowName)
	if !ok {
		return elicit.Result{}, core.NewCapabilityUnavailableError("elicitation/create")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = reqctx.SessionID(ctx)
	}
	fc := flow.NewCtx(&req, fe.scope.Views(sessionID))
	fc.SessionID = sessionID
	fc.RequestID = req.RelatedRequestID
	if fc.RequestID == "" {
		fc.RequestID = reqctx.RequestID(ctx)
	}
	fc.Principal = reqctx.Principal(ctx)

	if err := fe.engine.Run(ctx, f, fc, fe.scope); err != nil {
		return elicit.Result{}, err
	}
	res, ok := fc.Output.(*elicit.Result)
	if !ok {
		return elicit.Result{}, core.NewInternalError(fmt.Errorf("elicitation flow returned %T", fc.Output))
	}
	return *res, nil
}

// ElicitationPlugin injects the flow-backed Requester into tool-call
// views under elicit.RequesterToken.
func ElicitationPlugin(engine *flow.Engine, s *scope.Scope) *plugins.Plugin {
	requester := NewFlowElicitor(engine, s)
	return &plugins.Plugin{
		Name: "transport-elicitation",
		Hooks: []flow.Hook{{
			Name:  "bind-elicit-requester",
			Flow:  tools.CallFlowName,
			Stage: tools.StageBindProviders,
			Kind:  flow.HookWill,
			Func: func(_ context.Context, fc *flow.Ctx) error {
				return fc.Views.Bind(provider.NewInjected(elicit.RequesterToken, elicit.Requester(requester)))
			},
		}},
	}
}
