// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a public gateway error. The dispatcher maps kinds onto
// JSON-RPC error codes and HTTP status hints; everything that is not a
// *Error is treated as internal and its message is never echoed.
type Kind string

// Error kinds understood by the dispatcher and the transports.
const (
	KindInvalidRequest        Kind = "invalid_request"
	KindMethodNotFound        Kind = "method_not_found"
	KindInvalidInput          Kind = "invalid_input"
	KindInternal              Kind = "internal"
	KindToolNotActivated      Kind = "tool_not_activated"
	KindToolNotAllowed        Kind = "tool_not_allowed"
	KindApprovalRequired      Kind = "approval_required"
	KindAuthorizationRequired Kind = "authorization_required"
	KindElicitationTimeout    Kind = "elicitation_timeout"
	KindCapabilityUnavailable Kind = "capability_unavailable"
	KindSessionMismatch       Kind = "session_mismatch"
	KindInvalidSession        Kind = "invalid_session"
)

// JSON-RPC 2.0 error codes emitted by the dispatcher.
const (
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidInput   int64 = -32602
	CodeInternal       int64 = -32603
	CodeServerError    int64 = -32000
)

// Error is a public gateway error: its kind, message, and data are safe to
// echo to the client. Wrap internal detail in Cause; Cause is logged but
// never serialized.
type Error struct {
	// Kind is the error class.
	Kind Kind

	// Message is a client-safe description.
	Message string

	// Status is an HTTP status hint for transports that surface one.
	Status int

	// Data carries extra fields echoed in the JSON-RPC error data object.
	Data map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// JSONRPCCode maps the kind onto a JSON-RPC 2.0 error code. Kinds without a
// protocol-defined code use the implementation-defined server error code and
// identify themselves through data.kind.
func (e *Error) JSONRPCCode() int64 {
	switch e.Kind {
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindMethodNotFound:
		return CodeMethodNotFound
	case KindInvalidInput:
		return CodeInvalidInput
	case KindInternal:
		return CodeInternal
	default:
		return CodeServerError
	}
}

// NewError creates a new public error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewInvalidRequestError reports a malformed JSON-RPC envelope.
func NewInvalidRequestError(message string, cause error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message, Status: http.StatusBadRequest, Cause: cause}
}

// NewMethodNotFoundError reports an MCP method with no registered flow.
func NewMethodNotFoundError(method string) *Error {
	return &Error{
		Kind:    KindMethodNotFound,
		Message: fmt.Sprintf("method %q is not supported", method),
		Status:  http.StatusNotFound,
		Data:    map[string]any{"method": method},
	}
}

// NewInvalidInputError reports input that failed schema validation.
func NewInvalidInputError(message string, cause error) *Error {
	return &Error{Kind: KindInvalidInput, Message: message, Status: http.StatusBadRequest, Cause: cause}
}

// NewInternalError wraps an unexpected failure. The message is a generic
// placeholder; the cause stays server-side.
func NewInternalError(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Status: http.StatusInternalServerError, Cause: cause}
}

// NewToolNotActivatedError reports a tool whose activation guard returned
// false for this request.
func NewToolNotActivatedError(toolID string) *Error {
	return &Error{
		Kind:    KindToolNotActivated,
		Message: fmt.Sprintf("tool %q is not activated for this request", toolID),
		Status:  http.StatusForbidden,
		Data:    map[string]any{"kind": string(KindToolNotActivated), "tool": toolID},
	}
}

// NewToolNotAllowedError reports a tool call denied by authorization policy.
func NewToolNotAllowedError(toolID, reason string) *Error {
	e := &Error{
		Kind:    KindToolNotAllowed,
		Message: fmt.Sprintf("tool %q is not allowed", toolID),
		Status:  http.StatusForbidden,
		Data:    map[string]any{"kind": string(KindToolNotAllowed), "tool": toolID},
	}
	if reason != "" {
		e.Data["reason"] = reason
	}
	return e
}

// NewApprovalRequiredError reports a tool call waiting on an out-of-band
// approval. The call is not retried automatically; the client re-invokes
// after approving at the given URL.
func NewApprovalRequiredError(toolID, approvalURL string) *Error {
	return &Error{
		Kind:    KindApprovalRequired,
		Message: fmt.Sprintf("tool %q requires approval", toolID),
		Status:  http.StatusForbidden,
		Data:    map[string]any{"kind": string(KindApprovalRequired), "approval_url": approvalURL},
	}
}

// NewAuthorizationRequiredError reports a tool call that needs the user to
// complete an authorization handshake first.
func NewAuthorizationRequiredError(authURL string) *Error {
	return &Error{
		Kind:    KindAuthorizationRequired,
		Message: "authorization required",
		Status:  http.StatusForbidden,
		Data:    map[string]any{"kind": string(KindAuthorizationRequired), "auth_url": authURL},
	}
}

// NewElicitationTimeoutError reports an elicitation that expired before the
// client answered.
func NewElicitationTimeoutError(elicitID string, ttl time.Duration) *Error {
	return &Error{
		Kind:    KindElicitationTimeout,
		Message: fmt.Sprintf("elicitation %s timed out after %s", elicitID, ttl),
		Status:  http.StatusRequestTimeout,
		Data:    map[string]any{"kind": string(KindElicitationTimeout), "elicit_id": elicitID},
	}
}

// NewCapabilityUnavailableError reports a requested capability this server
// does not provide.
func NewCapabilityUnavailableError(capability string) *Error {
	return &Error{
		Kind:    KindCapabilityUnavailable,
		Message: fmt.Sprintf("capability %q is not available", capability),
		Status:  http.StatusNotImplemented,
		Data:    map[string]any{"kind": string(KindCapabilityUnavailable), "capability": capability},
	}
}

// NewSessionMismatchError reports a stored session whose authorization hash
// does not match the presented token. Callers must treat the session as
// absent; the message deliberately reveals nothing about the stored record.
func NewSessionMismatchError(sessionID string) *Error {
	return &Error{
		Kind:    KindSessionMismatch,
		Message: "session not found",
		Status:  http.StatusNotFound,
		Cause:   fmt.Errorf("authorization hash mismatch for session %s", sessionID),
	}
}

// NewInvalidSessionError reports an operation against a session that is not
// resident on this node.
func NewInvalidSessionError(sessionID string) *Error {
	return &Error{
		Kind:    KindInvalidSession,
		Message: fmt.Sprintf("session %s not found", sessionID),
		Status:  http.StatusNotFound,
	}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Public returns the client-safe form of err. Public errors pass through;
// anything else collapses into an internal error with a sanitized message.
func Public(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError(err)
}
