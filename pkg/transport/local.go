// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
)

type localAdapter struct {
	*adapterCore
}

func newLocalAdapter(key core.TransportKey) (Transporter, error) {
	return &localAdapter{adapterCore: newAdapterCore(key)}, nil
}

// LocalTransport drives one session in-process, without HTTP. Embedders
// and the CLI hand it raw JSON-RPC bytes and read server-initiated
// messages from Events.
type LocalTransport struct {
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	broker     *elicit.Broker
	adapter    Transporter
	key        core.TransportKey
}

// NewLocalTransport registers a fresh local session and returns the
// transport bound to it.
func NewLocalTransport(ctx context.Context, reg *Registry, d *dispatch.Dispatcher, broker *elicit.Broker) (*LocalTransport, error) {
	key := core.NewTransportKey(core.ProtocolLocal, "", uuid.NewString())
	adapter, err := reg.Create(ctx, key, newLocalAdapter)
	if err != nil {
		return nil, err
	}
	return &LocalTransport{
		registry:   reg,
		dispatcher: d,
		broker:     broker,
		adapter:    adapter,
		key:        key,
	}, nil
}

// SessionID returns the session this transport serves.
func (t *LocalTransport) SessionID() string {
	return t.key.SessionID
}

// Call dispatches one raw JSON-RPC message and returns its reply. Nil
// means the message needed no answer.
func (t *LocalTransport) Call(ctx context.Context, raw []byte) *dispatch.Reply {
	t.adapter.Touch()
	if isElicitResult(raw) {
		return settleElicitResult(ctx, t.broker, t.key.SessionID, raw)
	}
	reply := t.dispatcher.Dispatch(ctx, t.key.SessionID, raw)
	if isInitialize(raw) && reply != nil && reply.Message != nil && reply.Message.Error == nil {
		t.adapter.MarkInitialized()
	}
	return reply
}

// Events exposes server-initiated messages, such as elicitation requests
// and resource-updated notifications.
func (t *LocalTransport) Events() <-chan []byte {
	if la, ok := t.adapter.(*localAdapter); ok {
		return la.events
	}
	return nil
}

// Close destroys the session.
func (t *LocalTransport) Close(ctx context.Context) error {
	return t.registry.Destroy(ctx, t.key)
}
