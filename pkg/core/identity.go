// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Protocol identifies a transport flavor. Transport adapters, session
// records, and transport keys are all typed by protocol.
type Protocol string

// Supported transport protocols.
const (
	ProtocolStreamable Protocol = "streamable-http"
	ProtocolSSE        Protocol = "sse"
	ProtocolStateless  Protocol = "stateless-http"
	ProtocolLocal      Protocol = "local"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolStreamable, ProtocolSSE, ProtocolStateless, ProtocolLocal:
		return true
	default:
		return false
	}
}

// Persistent reports whether session records for this protocol are written
// to the shared session store. Only streamable HTTP sessions survive a node
// failover.
func (p Protocol) Persistent() bool {
	return p == ProtocolStreamable
}

// HashToken returns the hex-encoded SHA-256 of a bearer token. The hash is
// the session's binding identity in the shared store; an empty token hashes
// like any other value so anonymous sessions remain addressable.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TransportKey addresses exactly one transport adapter: the content hash of
// who is talking (AuthHash), over what (Protocol), in which conversation
// (SessionID).
type TransportKey struct {
	Protocol  Protocol
	AuthHash  string
	SessionID string
}

// NewTransportKey builds a key from the raw bearer token.
func NewTransportKey(protocol Protocol, token, sessionID string) TransportKey {
	return TransportKey{
		Protocol:  protocol,
		AuthHash:  HashToken(token),
		SessionID: sessionID,
	}
}

// String renders the key in map-key form. The separator cannot appear in a
// protocol name or a hex hash, and session ids are generated without it.
func (k TransportKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Protocol, k.AuthHash, k.SessionID)
}
