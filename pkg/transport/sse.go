// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/logger"
)

type sseAdapter struct {
	*adapterCore
}

func newSSEAdapter(key core.TransportKey) (Transporter, error) {
	return &sseAdapter{adapterCore: newAdapterCore(key)}, nil
}

// SSEEndpoint serves the legacy HTTP+SSE transport. GET on the SSE path
// opens the event stream and announces the per-session message endpoint;
// POSTs to that endpoint are acknowledged with 202 while their responses
// ride the stream. SSE sessions live and die with their stream: they are
// never persisted or recreated.
type SSEEndpoint struct {
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	broker     *elicit.Broker
}

// NewSSEEndpoint builds the handler pair for SSEEndpointPath and
// MessagesEndpointPath.
func NewSSEEndpoint(reg *Registry, d *dispatch.Dispatcher, broker *elicit.Broker) *SSEEndpoint {
	return &SSEEndpoint{registry: reg, dispatcher: d, broker: broker}
}

// ServeSSE handles GET <SSEEndpointPath>: it creates the session, emits
// the endpoint event, and pumps the outbound queue until the client
// disconnects.
func (e *SSEEndpoint) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	key := core.NewTransportKey(core.ProtocolSSE, bearerToken(r), sessionID)
	adapter, err := e.registry.Create(r.Context(), key, newSSEAdapter)
	if err != nil {
		writeError(r.Context(), w, nil, err, "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s%s?session_id=%s", baseURL(r), MessagesEndpointPath, sessionID)
	if _, err := w.Write([]byte(sseEvent("endpoint", endpoint))); err != nil {
		logger.Debugw("writing endpoint event failed", "session_id", sessionID, "error", err)
		return
	}
	flusher.Flush()
	logger.Infow("sse session opened", "session_id", sessionID)

	sa, _ := adapter.(*sseAdapter)
	serveEventStream(w, flusher, sa.adapterCore, r.Context().Done())

	// The stream is the session; tear it down once the client is gone.
	if err := e.registry.Destroy(context.Background(), key); err != nil {
		logger.Debugw("sse session teardown failed", "session_id", sessionID, "error", err)
	}
	logger.Infow("sse session closed", "session_id", sessionID)
}

// ServeMessages handles POST <MessagesEndpointPath>?session_id=<id>. The
// response to the carried message rides the session's event stream; the
// POST itself is acknowledged with 202 Accepted.
func (e *SSEEndpoint) ServeMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(ctx, w, nil, core.NewInvalidRequestError("missing session_id query parameter", nil), "")
		return
	}
	key := core.NewTransportKey(core.ProtocolSSE, bearerToken(r), sessionID)
	adapter, ok := e.registry.Get(key)
	if !ok {
		writeError(ctx, w, nil, core.NewInvalidSessionError(sessionID), "")
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, nil, core.NewInvalidRequestError("request body unreadable", err), "")
		return
	}
	adapter.Touch()

	var reply *dispatch.Reply
	if isElicitResult(body) {
		reply = settleElicitResult(ctx, e.broker, sessionID, body)
	} else {
		reply = e.dispatcher.Dispatch(ctx, sessionID, body)
		if isInitialize(body) && reply != nil && reply.Message != nil && reply.Message.Error == nil {
			adapter.MarkInitialized()
		}
	}

	if reply != nil && reply.Message != nil {
		raw, merr := json.Marshal(reply.Message)
		if merr != nil {
			writeError(ctx, w, messageID(body), core.NewInternalError(merr), "")
			return
		}
		if serr := adapter.Send(ctx, raw); serr != nil {
			http.Error(w, "event stream backlogged", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("Accepted")); err != nil {
		logger.Debugw("writing accept failed", "session_id", sessionID, "error", err)
	}
}

// baseURL reconstructs the scheme and host the client used, honoring
// X-Forwarded-Proto so the endpoint event survives TLS-terminating proxies.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
