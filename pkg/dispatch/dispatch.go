// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes inbound MCP messages onto registered flows.
//
// The dispatcher validates the JSON-RPC envelope, resolves the method through
// a fixed table, opens the ambient request context, runs the flow through the
// engine with the scope's hooks attached, and converts the flow's output or
// failure into a JSON-RPC reply. Transports stay protocol-dumb: they hand the
// dispatcher raw bytes and write back whatever reply it returns.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/gantry-mcp/gantry/pkg/auth"
	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/prompts"
	"github.com/gantry-mcp/gantry/pkg/reqctx"
	"github.com/gantry-mcp/gantry/pkg/resources"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/skills"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// Builtin flow names the server registers on the root scope. They live here
// because the dispatcher's method table is their only protocol binding.
const (
	InitializeFlowName    = "session:initialize"
	PingFlowName          = "session:ping"
	SetLevelFlowName      = "logging:set-level"
	ElicitRequestFlowName = "elicitation:request"
)

// methodFlows maps MCP methods onto flow names. Methods absent from this
// table do not exist as far as clients are concerned.
var methodFlows = map[string]string{
	"initialize":               InitializeFlowName,
	"ping":                     PingFlowName,
	"tools/call":               tools.CallFlowName,
	"tools/list":               tools.ListFlowName,
	"resources/read":           resources.ReadFlowName,
	"resources/list":           resources.ListFlowName,
	"resources/templates/list": resources.ListTemplatesFlowName,
	"resources/subscribe":      resources.SubscribeFlowName,
	"resources/unsubscribe":    resources.UnsubscribeFlowName,
	"prompts/get":              prompts.GetFlowName,
	"prompts/list":             prompts.ListFlowName,
	"completion/complete":      prompts.CompleteFlowName,
	"logging/setLevel":         SetLevelFlowName,
	"elicitation/create":       ElicitRequestFlowName,
	"skills/search":            skills.SearchFlowName,
	"skills/load":              skills.LoadFlowName,
	"skills/list":              skills.ListFlowName,
}

// Reply is the dispatcher's answer to one inbound message. A nil *Reply means
// the message needs no answer (notifications, dropped client responses).
type Reply struct {
	// Message is the JSON-RPC response to send back.
	Message *Message

	// Status is the HTTP status hint for transports that surface one.
	// Zero means 200.
	Status int

	// RetryAfter is non-zero when the client should back off before
	// retrying; HTTP transports surface it as a Retry-After header.
	RetryAfter time.Duration
}

// HTTPStatus returns the status hint, defaulting to 200 OK.
func (r *Reply) HTTPStatus() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}

// Dispatcher routes parsed MCP messages through the flow engine.
type Dispatcher struct {
	engine *flow.Engine
	scope  *scope.Scope
}

// New creates a dispatcher bound to a scope. The scope's plugin hooks join
// every flow run.
func New(engine *flow.Engine, s *scope.Scope) *Dispatcher {
	return &Dispatcher{engine: engine, scope: s}
}

// Dispatch parses raw bytes and dispatches the message. Parse failures
// produce an error reply with a null id, as the real id is unknowable.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, raw []byte) *Reply {
	msg, err := ParseMessage(raw)
	if err != nil {
		return ErrorReply(ctx, nil, err)
	}
	return d.DispatchMessage(ctx, sessionID, msg)
}

// DispatchMessage routes one parsed message. Requests return a reply;
// notifications and client responses return nil.
func (d *Dispatcher) DispatchMessage(ctx context.Context, sessionID string, msg *Message) *Reply {
	if err := msg.Validate(); err != nil {
		return ErrorReply(ctx, msg.ID, core.NewInvalidRequestError(err.Error(), nil))
	}

	// Client responses are routed by the transport layer (elicitation
	// results). One reaching the dispatcher has no pending counterpart.
	if msg.IsResponse() {
		reqctx.Logger(ctx).Debugw("dropping unmatched client response", "id", msg.ID)
		return nil
	}

	flowName, ok := methodFlows[msg.Method]
	if !ok {
		if msg.IsNotification() {
			reqctx.Logger(ctx).Debugw("ignoring unknown notification", "method", msg.Method)
			return nil
		}
		return ErrorReply(ctx, msg.ID, core.NewMethodNotFoundError(msg.Method))
	}

	f, found := d.scope.FindFlow(flowName)
	if !found {
		if msg.IsNotification() {
			return nil
		}
		return ErrorReply(ctx, msg.ID, core.NewCapabilityUnavailableError(msg.Method))
	}

	principal, _ := auth.PrincipalFromContext(ctx)
	info := &reqctx.RequestInfo{
		SessionID: sessionID,
		ScopeID:   d.scope.Path(),
		RequestID: ulid.Make().String(),
		Principal: principal,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		info.TraceID = sc.TraceID().String()
	}
	ctx = reqctx.WithInfo(ctx, info)

	var input any
	if msg.Params != nil {
		input = msg.Params
	}
	fc := flow.NewCtx(input, d.scope.Views(sessionID))
	fc.SessionID = sessionID
	fc.RequestID = info.RequestID
	fc.Principal = principal

	if err := d.engine.Run(ctx, f, fc, d.scope); err != nil {
		if msg.IsNotification() {
			if !core.IsControl(err) {
				reqctx.Logger(ctx).Warnw("notification flow failed",
					"method", msg.Method, "error", err)
			}
			return nil
		}
		return d.errorReplyFor(ctx, msg, err)
	}

	if msg.IsNotification() {
		return nil
	}

	resp, err := NewResponse(msg.ID, fc.Output)
	if err != nil {
		reqctx.Logger(ctx).Errorw("failed to marshal flow output",
			"method", msg.Method, "error", err)
		return ErrorReply(ctx, msg.ID, core.NewInternalError(err))
	}
	return &Reply{Message: resp}
}

// errorReplyFor converts a flow failure into a reply, routing tool-gating
// kinds in-band for tools/call so the model sees them as tool output.
func (d *Dispatcher) errorReplyFor(ctx context.Context, msg *Message, err error) *Reply {
	if msg.Method == "tools/call" {
		if reply, ok := inBandToolError(ctx, msg.ID, err); ok {
			return reply
		}
	}
	return ErrorReply(ctx, msg.ID, err)
}

// inBandToolError renders gating failures as an isError tool result.
// Approval, authorization, and elicitation-timeout outcomes are part of the
// tool conversation: the model needs to read them, not the transport.
func inBandToolError(ctx context.Context, id any, err error) (*Reply, bool) {
	var gw *core.Error
	if !errors.As(err, &gw) {
		return nil, false
	}

	switch gw.Kind {
	case core.KindApprovalRequired, core.KindAuthorizationRequired, core.KindElicitationTimeout:
	default:
		return nil, false
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(gw.Message)},
		IsError: true,
	}
	if len(gw.Data) > 0 {
		result.StructuredContent = gw.Data
	}

	resp, rerr := NewResponse(id, result)
	if rerr != nil {
		return ErrorReply(ctx, id, core.NewInternalError(rerr)), true
	}
	return &Reply{Message: resp}, true
}

// ErrorReply converts any error into a JSON-RPC error reply per the gateway
// taxonomy. Control signals map to their protocol shapes; public errors keep
// their kind and data; everything else is logged and sanitized. Transports
// use it for failures that never reach a flow, such as session lookups.
func ErrorReply(ctx context.Context, id any, err error) *Reply {
	var abort *core.Abort
	if errors.As(err, &abort) {
		data := map[string]any{"code": abort.Code}
		for k, v := range abort.Data {
			data[k] = v
		}
		msg, merr := NewErrorMessage(id, core.CodeServerError, abort.Message, data)
		if merr != nil {
			reqctx.Logger(ctx).Errorw("failed to build abort reply", "error", merr)
			return internalReply(id)
		}
		return &Reply{Message: msg, Status: abort.Status}
	}

	var retry *core.RetryAfter
	if errors.As(err, &retry) {
		msg, merr := NewErrorMessage(id, core.CodeServerError, "retry later",
			map[string]any{"retry_after_ms": retry.After.Milliseconds()})
		if merr != nil {
			reqctx.Logger(ctx).Errorw("failed to build retry reply", "error", merr)
			return internalReply(id)
		}
		return &Reply{
			Message:    msg,
			Status:     http.StatusTooManyRequests,
			RetryAfter: retry.After,
		}
	}

	var gw *core.Error
	if errors.As(err, &gw) {
		if gw.Kind == core.KindInternal {
			reqctx.Logger(ctx).Errorw("internal error", "error", err)
		} else {
			reqctx.Logger(ctx).Debugw("request failed",
				"kind", string(gw.Kind), "error", err)
		}
		data := gw.Data
		if data == nil && gw.JSONRPCCode() == core.CodeServerError {
			data = map[string]any{"kind": string(gw.Kind)}
		}
		msg, merr := NewErrorMessage(id, gw.JSONRPCCode(), gw.Message, data)
		if merr != nil {
			reqctx.Logger(ctx).Errorw("failed to build error reply", "error", merr)
			return internalReply(id)
		}
		return &Reply{Message: msg, Status: gw.Status}
	}

	reqctx.Logger(ctx).Errorw("unhandled error", "error", err)
	return internalReply(id)
}

// internalReply is the sanitized fallback: the cause stays server-side.
func internalReply(id any) *Reply {
	return &Reply{
		Message: &Message{
			JSONRPC: Version,
			ID:      id,
			Error:   &ErrorObject{Code: core.CodeInternal, Message: "internal error"},
		},
		Status: http.StatusInternalServerError,
	}
}
