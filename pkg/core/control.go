// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Abort codes raised by pipeline stages and hooks.
const (
	AbortToolNotActivated = "TOOL_NOT_ACTIVATED"
	AbortInvalidInput     = "INVALID_INPUT"
	AbortToolNotAllowed   = "TOOL_NOT_ALLOWED"
	AbortApprovalDenied   = "APPROVAL_DENIED"
	AbortElicitCancelled  = "ELICIT_CANCELLED"
	AbortElicitSuperseded = "ELICIT_SUPERSEDED"
)

// Respond short-circuits the running flow with a successful value. Remaining
// stages are skipped except post and finalize; the flow's output becomes
// Value.
type Respond struct {
	Value any
}

// NewRespond creates a Respond signal carrying the flow output.
func NewRespond(value any) *Respond {
	return &Respond{Value: value}
}

// Error implements error so the signal can travel ordinary return paths.
func (*Respond) Error() string {
	return "flow responded early"
}

// Abort terminates the running flow as a failure with a public code and an
// HTTP status hint. Post stages are skipped; on-error and finalize still run.
type Abort struct {
	Code    string
	Message string
	Status  int
	Data    map[string]any
}

// NewAbort creates an Abort signal. A zero status defaults to 400.
func NewAbort(code, message string, status int) *Abort {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &Abort{Code: code, Message: message, Status: status}
}

// Error implements error.
func (a *Abort) Error() string {
	return fmt.Sprintf("flow aborted: %s: %s", a.Code, a.Message)
}

// RetryAfter asks the transport to have the client retry after a delay.
// On-error and finalize still run.
type RetryAfter struct {
	After time.Duration
	Cause error
}

// NewRetryAfter creates a RetryAfter signal.
func NewRetryAfter(after time.Duration, cause error) *RetryAfter {
	return &RetryAfter{After: after, Cause: cause}
}

// Error implements error.
func (r *RetryAfter) Error() string {
	return fmt.Sprintf("retry after %s", r.After)
}

// Unwrap returns the underlying cause.
func (r *RetryAfter) Unwrap() error {
	return r.Cause
}

// IsControl reports whether err is one of the flow control signals. Control
// signals are never logged as failures.
func IsControl(err error) bool {
	var (
		respond *Respond
		abort   *Abort
		retry   *RetryAfter
	)
	return errors.As(err, &respond) || errors.As(err, &abort) || errors.As(err, &retry)
}
