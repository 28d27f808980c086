// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/http"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
)

// StatelessEndpoint answers each POST in isolation: no session header, no
// registry entry, no event stream. Flows observe an empty session id, so
// anything session-bound (subscriptions, elicitation) reports the
// capability as unavailable.
type StatelessEndpoint struct {
	dispatcher *dispatch.Dispatcher
}

// NewStatelessEndpoint builds the single-shot HTTP handler.
func NewStatelessEndpoint(d *dispatch.Dispatcher) *StatelessEndpoint {
	return &StatelessEndpoint{dispatcher: d}
}

func (e *StatelessEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	body, err := readBody(w, r)
	if err != nil {
		writeError(ctx, w, nil, core.NewInvalidRequestError("request body unreadable", err), "")
		return
	}
	writeReply(w, e.dispatcher.Dispatch(ctx, "", body), "")
}
