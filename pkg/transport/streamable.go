// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/logger"
)

// streamableAdapter serves one streamable-HTTP session. Responses ride the
// POST that carried the request; server-initiated messages ride a single
// long-lived GET stream.
type streamableAdapter struct {
	*adapterCore
	streaming atomic.Bool
}

func newStreamableAdapter(key core.TransportKey) (Transporter, error) {
	return &streamableAdapter{adapterCore: newAdapterCore(key)}, nil
}

// attachStream claims the session's event stream. Only one GET may hold it.
func (a *streamableAdapter) attachStream() bool {
	return a.streaming.CompareAndSwap(false, true)
}

func (a *streamableAdapter) detachStream() {
	a.streaming.Store(false)
}

// StreamableEndpoint is the HTTP handler for the streamable transport.
// POST carries client messages, GET attaches the server event stream, and
// DELETE tears the session down.
type StreamableEndpoint struct {
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	broker     *elicit.Broker
}

// NewStreamableEndpoint builds the handler for StreamableEndpointPath.
func NewStreamableEndpoint(reg *Registry, d *dispatch.Dispatcher, broker *elicit.Broker) *StreamableEndpoint {
	return &StreamableEndpoint{registry: reg, dispatcher: d, broker: broker}
}

func (e *StreamableEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		e.handlePost(w, r)
	case http.MethodGet:
		e.handleGet(w, r)
	case http.MethodDelete:
		e.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e *StreamableEndpoint) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, nil, core.NewInvalidRequestError("request body unreadable", err), "")
		return
	}

	token := bearerToken(r)
	sessionID := r.Header.Get(HeaderSessionID)
	initializing := isInitialize(body)

	if sessionID == "" && !initializing {
		writeError(ctx, w, messageID(body),
			core.NewInvalidRequestError("missing "+HeaderSessionID+" header", nil), "")
		return
	}

	var (
		adapter Transporter
		key     core.TransportKey
	)
	if sessionID == "" {
		sessionID = uuid.NewString()
		key = core.NewTransportKey(core.ProtocolStreamable, token, sessionID)
		adapter, err = e.registry.Create(ctx, key, newStreamableAdapter)
	} else {
		key = core.NewTransportKey(core.ProtocolStreamable, token, sessionID)
		adapter, err = e.resolveAdapter(r, key)
	}
	if err != nil {
		writeError(ctx, w, messageID(body), err, "")
		return
	}
	adapter.Touch()

	if isElicitResult(body) {
		writeReply(w, settleElicitResult(ctx, e.broker, sessionID, body), sessionID)
		return
	}

	reply := e.dispatcher.Dispatch(ctx, sessionID, body)
	if initializing && reply != nil && reply.Message != nil && reply.Message.Error == nil {
		adapter.MarkInitialized()
		if payload := initPayload(body, reply.Message.Result); payload != nil {
			e.registry.SavePayload(ctx, key, payload)
		}
	}
	writeReply(w, reply, sessionID)
}

// resolveAdapter finds the resident adapter for key, recreating it from
// the shared store when another node owns the session. Unknown sessions
// are invalid-session errors.
func (e *StreamableEndpoint) resolveAdapter(r *http.Request, key core.TransportKey) (Transporter, error) {
	if adapter, ok := e.registry.Get(key); ok {
		return adapter, nil
	}
	rec, found := e.registry.StoredSession(r.Context(), key)
	if !found {
		return nil, core.NewInvalidSessionError(key.SessionID)
	}
	logger.Infow("recreating session from shared store",
		"session_id", key.SessionID, "origin_node", rec.Session.NodeID)
	return e.registry.Recreate(r.Context(), key, rec, newStreamableAdapter)
}

func (e *StreamableEndpoint) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeError(ctx, w, nil, core.NewInvalidRequestError("missing "+HeaderSessionID+" header", nil), "")
		return
	}
	key := core.NewTransportKey(core.ProtocolStreamable, bearerToken(r), sessionID)
	adapter, err := e.resolveAdapter(r, key)
	if err != nil {
		writeError(ctx, w, nil, err, "")
		return
	}

	sa, ok := adapter.(*streamableAdapter)
	if !ok {
		writeError(ctx, w, nil, core.NewInternalError(nil), "")
		return
	}
	if !sa.attachStream() {
		http.Error(w, "event stream already attached", http.StatusConflict)
		return
	}
	defer sa.detachStream()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(HeaderSessionID, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	serveEventStream(w, flusher, sa.adapterCore, r.Context().Done())
}

func (e *StreamableEndpoint) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		writeError(ctx, w, nil, core.NewInvalidRequestError("missing "+HeaderSessionID+" header", nil), "")
		return
	}
	key := core.NewTransportKey(core.ProtocolStreamable, bearerToken(r), sessionID)
	if err := e.registry.Destroy(ctx, key); err != nil {
		writeError(ctx, w, nil, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveEventStream pumps the adapter's outbound queue onto an SSE
// response until the client leaves or the adapter is destroyed.
func serveEventStream(w http.ResponseWriter, flusher http.Flusher, a *adapterCore, clientGone <-chan struct{}) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case data := <-a.events:
			if _, err := w.Write([]byte(sseEvent("message", string(data)))); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-a.done:
			return
		case <-clientGone:
			return
		}
	}
}

// initPayload captures what must survive session recreation on another
// node: the negotiated protocol version and the client's advertised
// capabilities.
func initPayload(body []byte, result json.RawMessage) json.RawMessage {
	payload := map[string]any{}
	if v := gjson.GetBytes(result, "protocolVersion"); v.Exists() {
		payload["protocolVersion"] = v.Value()
	}
	if c := gjson.GetBytes(body, "params.capabilities"); c.Exists() {
		payload["clientCapabilities"] = c.Value()
	}
	if ci := gjson.GetBytes(body, "params.clientInfo"); ci.Exists() {
		payload["clientInfo"] = ci.Value()
	}
	if len(payload) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
