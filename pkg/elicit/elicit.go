// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elicit implements the elicitation broker: pending-elicit
// records, their shared store, cross-node result routing, and the
// at-most-one-pending-per-session rule. A tool that needs an answer from
// the human behind the client starts an elicitation through the broker;
// the result may be posted back on any gateway node and still settles the
// waiting call exactly once.
package elicit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Elicitation modes.
const (
	// ModeForm asks the client to collect fields matching the requested
	// schema.
	ModeForm = "form"

	// ModeURL directs the user to an external page; the answer carries no
	// content.
	ModeURL = "url"
)

// Result actions, mirroring the elicitation/result wire envelope.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
	ActionCancel  = "cancel"
)

// ReasonSuperseded marks a cancellation published because a newer
// elicitation replaced the pending one.
const ReasonSuperseded = "superseded"

// TTL bounds for pending elicitations.
const (
	DefaultTTL = 5 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = 24 * time.Hour
)

// Size limits on schemas and response content. Oversized payloads are
// rejected before they reach the store.
const (
	// maxSchemaSize is the maximum size in bytes for requested schemas.
	maxSchemaSize = 100 * 1024 // 100KB

	// maxSchemaDepth is the maximum nesting depth for requested schemas
	// and response content.
	maxSchemaDepth = 10

	// maxContentSize is the maximum size in bytes for response content.
	maxContentSize = 1 * 1024 * 1024 // 1MB
)

var (
	// ErrNoPending is returned when a session has no pending elicitation,
	// or a result names an elicitation that is no longer pending.
	ErrNoPending = errors.New("no pending elicitation")

	// ErrSchemaTooLarge is returned when the requested schema exceeds size
	// limits.
	ErrSchemaTooLarge = errors.New("schema too large")

	// ErrSchemaTooDeep is returned when the requested schema exceeds
	// nesting depth limits.
	ErrSchemaTooDeep = errors.New("schema nesting too deep")

	// ErrContentTooLarge is returned when response content exceeds size
	// limits.
	ErrContentTooLarge = errors.New("response content too large")
)

// Record is one pending elicitation. At most one exists per session;
// starting a new elicitation evicts and cancels the prior one.
type Record struct {
	ElicitID         string         `json:"elicitId"`
	SessionID        string         `json:"sessionId"`
	RelatedRequestID string         `json:"relatedRequestId,omitempty"`
	Mode             string         `json:"mode"`
	RequestedSchema  map[string]any `json:"requestedSchema,omitempty"`
	Message          string         `json:"message"`
	ExpiresAt        time.Time      `json:"expiresAt"`

	// Sealed holds the encrypted content fields when the record passed
	// through a sealed store. Plain stores leave it empty.
	Sealed []byte `json:"sealed,omitempty"`
}

// Expired reports whether the record's deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Result is the settled outcome of an elicitation as routed through the
// store: the client's answer, or a broker-made cancellation.
type Result struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`

	// Reason annotates broker-made cancellations; ReasonSuperseded means a
	// newer elicitation for the session replaced this one.
	Reason string `json:"reason,omitempty"`
}

// PendingStore persists pending elicitations and routes their results.
// Implementations must be safe for concurrent use; the broker serializes
// state transitions per session on top of it.
type PendingStore interface {
	// PutPending replaces the session's pending record, returning the
	// evicted record when a live one existed.
	PutPending(ctx context.Context, sessionID string, rec Record) (*Record, error)

	// GetPending returns the session's active record. Returns ErrNoPending
	// when there is none or it has expired.
	GetPending(ctx context.Context, sessionID string) (*Record, error)

	// DeletePending removes the session's pending record. Removing an
	// absent record is not an error.
	DeletePending(ctx context.Context, sessionID string) error

	// PublishResult delivers the result blob to whichever node subscribed
	// for the elicitation. Publishing with no subscriber is not an error.
	PublishResult(ctx context.Context, elicitID string, result []byte, sessionID string) error

	// SubscribeResult registers a handler for the elicitation's result.
	// The handler runs at most once. The returned function unsubscribes
	// and may be called more than once.
	SubscribeResult(ctx context.Context, elicitID string, handler func([]byte), sessionID string) (func(), error)

	// Close releases store resources.
	Close() error
}

// validateSchemaSize checks the schema against size and depth limits.
func validateSchemaSize(schema map[string]any) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	if len(data) > maxSchemaSize {
		return ErrSchemaTooLarge
	}
	return validateDepth(schema, 0)
}

// validateContentSize checks response content against size and depth
// limits.
func validateContentSize(content map[string]any) error {
	if content == nil {
		return nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	if len(data) > maxContentSize {
		return ErrContentTooLarge
	}
	return validateDepth(content, 0)
}

func validateDepth(obj any, depth int) error {
	if depth > maxSchemaDepth {
		return ErrSchemaTooDeep
	}
	switch v := obj.(type) {
	case map[string]any:
		for _, val := range v {
			if err := validateDepth(val, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range v {
			if err := validateDepth(val, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
