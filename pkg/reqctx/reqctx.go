// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reqctx carries the ambient request context through the call graph:
// session id, scope id, request id, trace id, and the verified principal.
//
// The dispatcher opens one RequestInfo per inbound MCP request and binds it
// to the context.Context that flows through the engine, hooks, and tool
// executors, so logs and metrics can consult it without explicit plumbing.
package reqctx

import (
	"context"

	"go.uber.org/zap"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/logger"
)

// RequestInfo is the ambient per-request record.
type RequestInfo struct {
	// SessionID identifies the client conversation, empty for stateless
	// one-shot requests.
	SessionID string

	// ScopeID names the scope the request resolved against.
	ScopeID string

	// RequestID is the gateway-assigned id for this request, distinct
	// from the JSON-RPC message id.
	RequestID string

	// TraceID is the W3C trace id when tracing is enabled.
	TraceID string

	// Principal is the verified identity, nil when anonymous.
	Principal *core.Principal
}

// requestInfoKey is the context key for RequestInfo.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even if they have the same
// name in different packages.
type requestInfoKey struct{}

// WithInfo binds info to the context. A nil info returns the context
// unchanged.
func WithInfo(ctx context.Context, info *RequestInfo) context.Context {
	if info == nil {
		return ctx
	}
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// FromContext retrieves the ambient request info. Returns the info and true
// if present, nil and false otherwise.
func FromContext(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info, ok
}

// SessionID returns the ambient session id, or empty when none is bound.
func SessionID(ctx context.Context) string {
	if info, ok := FromContext(ctx); ok {
		return info.SessionID
	}
	return ""
}

// RequestID returns the ambient request id, or empty when none is bound.
func RequestID(ctx context.Context) string {
	if info, ok := FromContext(ctx); ok {
		return info.RequestID
	}
	return ""
}

// Principal returns the ambient principal, or nil when none is bound.
func Principal(ctx context.Context) *core.Principal {
	if info, ok := FromContext(ctx); ok {
		return info.Principal
	}
	return nil
}

// Logger returns the process logger with the ambient request fields
// attached. Safe to call with a bare context.
func Logger(ctx context.Context) *zap.SugaredLogger {
	info, ok := FromContext(ctx)
	if !ok {
		return logger.Get()
	}

	fields := make([]any, 0, 8)
	if info.SessionID != "" {
		fields = append(fields, "session_id", info.SessionID)
	}
	if info.RequestID != "" {
		fields = append(fields, "request_id", info.RequestID)
	}
	if info.ScopeID != "" {
		fields = append(fields, "scope", info.ScopeID)
	}
	if info.TraceID != "" {
		fields = append(fields, "trace_id", info.TraceID)
	}
	return logger.With(fields...)
}
