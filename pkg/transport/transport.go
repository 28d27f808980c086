// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport manages the channels clients talk to the gateway over.
//
// A Transporter is one live conversation: it owns the session's outbound
// event stream and a small state machine. The Registry tracks resident
// adapters by transport key, records streamable sessions in the shared
// session store so another node can recreate them, and serializes
// creation per key. HTTP endpoints (streamable, SSE, stateless) translate
// requests into dispatcher calls and ride replies back; the local adapter
// does the same over in-process channels.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantry-mcp/gantry/pkg/core"
)

// Endpoint paths served by the HTTP adapters.
const (
	StreamableEndpointPath = "/mcp"
	SSEEndpointPath        = "/sse"
	MessagesEndpointPath   = "/messages"
)

// HeaderSessionID carries the session id on streamable HTTP requests and
// responses.
const HeaderSessionID = "Mcp-Session-Id"

const (
	// eventBufferSize bounds the per-adapter outbound queue.
	eventBufferSize = 100

	// keepAliveInterval paces SSE comment keep-alives on idle streams.
	keepAliveInterval = 30 * time.Second

	// gracefulTimeout bounds how long a destroyed adapter may drain its
	// outbound queue before the stream is cut.
	gracefulTimeout = 5 * time.Second

	// maxBodySize caps inbound request bodies.
	maxBodySize = 4 << 20 // 4 MB
)

// State is the adapter lifecycle. Adapters move strictly forward:
// Created → Ready → Initialized → Destroyed.
type State int32

// Adapter lifecycle states.
const (
	StateCreated State = iota
	StateReady
	StateInitialized
	StateDestroyed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transporter is one live conversation channel. Implementations are safe
// for concurrent use; the outbound queue has exactly one consumer (the
// stream writer), so send order is preserved end to end.
type Transporter interface {
	// Key addresses the adapter: protocol, auth hash, session id.
	Key() core.TransportKey

	// State reports the adapter's lifecycle position.
	State() State

	// MarkInitialized advances the adapter past the initialize handshake.
	// Recreated adapters are marked immediately: the client already
	// initialized against the node that died.
	MarkInitialized()

	// Send enqueues one encoded JSON-RPC message for the session's event
	// stream. Fails when the queue is full or the adapter is destroyed.
	Send(ctx context.Context, data []byte) error

	// Payload is adapter state carried across node recreation, such as
	// the negotiated protocol version.
	Payload() json.RawMessage

	// SetPayload replaces the carried state.
	SetPayload(payload json.RawMessage)

	// LastActive is the time of the adapter's most recent traffic.
	LastActive() time.Time

	// Touch refreshes the activity clock.
	Touch()

	// Close destroys the adapter. It waits for the outbound queue to
	// drain until ctx expires, then cuts the stream. Idempotent.
	Close(ctx context.Context) error

	// Done closes when the adapter is destroyed.
	Done() <-chan struct{}
}

// adapterCore is the state machine and outbound queue shared by the
// concrete adapters.
type adapterCore struct {
	key   core.TransportKey
	state atomic.Int32

	events chan []byte
	done   chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	payload    json.RawMessage
	lastActive time.Time
}

func newAdapterCore(key core.TransportKey) *adapterCore {
	a := &adapterCore{
		key:    key,
		events: make(chan []byte, eventBufferSize),
		done:   make(chan struct{}),
	}
	a.state.Store(int32(StateReady))
	a.lastActive = time.Now()
	return a
}

func (a *adapterCore) Key() core.TransportKey { return a.key }

func (a *adapterCore) State() State { return State(a.state.Load()) }

func (a *adapterCore) MarkInitialized() {
	// Never resurrect a destroyed adapter.
	a.state.CompareAndSwap(int32(StateReady), int32(StateInitialized))
	a.state.CompareAndSwap(int32(StateCreated), int32(StateInitialized))
}

func (a *adapterCore) Send(_ context.Context, data []byte) error {
	select {
	case <-a.done:
		return fmt.Errorf("transport for session %s is destroyed", a.key.SessionID)
	default:
	}
	select {
	case a.events <- data:
		a.Touch()
		return nil
	case <-a.done:
		return fmt.Errorf("transport for session %s is destroyed", a.key.SessionID)
	default:
		return fmt.Errorf("outbound queue full for session %s", a.key.SessionID)
	}
}

func (a *adapterCore) Payload() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payload
}

func (a *adapterCore) SetPayload(payload json.RawMessage) {
	a.mu.Lock()
	a.payload = payload
	a.mu.Unlock()
}

func (a *adapterCore) LastActive() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}

func (a *adapterCore) Touch() {
	a.mu.Lock()
	a.lastActive = time.Now()
	a.mu.Unlock()
}

func (a *adapterCore) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		// Drain grace: let the stream writer flush what is already
		// queued before done unblocks the consumers.
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	drain:
		for len(a.events) > 0 {
			select {
			case <-ctx.Done():
				break drain
			case <-ticker.C:
			}
		}
		a.state.Store(int32(StateDestroyed))
		close(a.done)
	})
	return nil
}

func (a *adapterCore) Done() <-chan struct{} { return a.done }

// sseEvent renders one Server-Sent Events frame. Multi-line data is split
// into one data: line per line, per the SSE framing rules.
func sseEvent(event, data string) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}
