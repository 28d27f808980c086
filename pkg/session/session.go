// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package session defines the session records shared between gateway nodes
// and the storage contract used to persist them. A record binds a session
// to the hash of the bearer token that created it; the transport registry
// refuses to recreate a session for a caller whose token hashes to a
// different value.
package session

import (
	"encoding/json"
	"time"

	"github.com/gantry-mcp/gantry/pkg/core"
)

// Session is the transport-facing identity of one client conversation.
type Session struct {
	// ID is the value carried in the Mcp-Session-Id header.
	ID string `json:"id"`

	// Protocol names the transport flavor serving the session.
	Protocol core.Protocol `json:"protocol"`

	// CreatedAt is when the session first initialized.
	CreatedAt time.Time `json:"createdAt"`

	// NodeID identifies the gateway node that created the session.
	NodeID string `json:"nodeId"`

	// Payload carries adapter state that must survive recreation on
	// another node, such as the negotiated protocol version and the
	// client's advertised capabilities.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Record is the unit the shared store persists per session.
type Record struct {
	Session Session `json:"session"`

	// AuthorizationID is the hex SHA-256 of the bearer token that created
	// the session. The raw token is never stored.
	AuthorizationID string `json:"authorizationId"`

	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// NewRecord builds the record persisted when a session is created,
// hashing the bearer token into the authorization id. A zero
// Session.CreatedAt is stamped with the record's creation time.
func NewRecord(sess Session, token string) Record {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	return Record{
		Session:         sess,
		AuthorizationID: core.HashToken(token),
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
}

// Touch refreshes the record's last-accessed timestamp.
func (r *Record) Touch() {
	r.LastAccessedAt = time.Now().UTC()
}

// Matches reports whether token hashes to the record's authorization id.
// Loads from the shared store are honored only on a match.
func (r *Record) Matches(token string) bool {
	return r.AuthorizationID == core.HashToken(token)
}
