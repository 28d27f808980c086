// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/gantry-mcp/gantry/pkg/auth"
	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/logger"
)

// bearerToken returns the raw bearer token the auth middleware attached to
// the request, or "" for anonymous callers.
func bearerToken(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal.Token
	}
	return ""
}

// readBody drains the request body up to maxBodySize.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return body, nil
}

// writeReply renders a dispatcher reply as a JSON HTTP response. A nil
// reply acknowledges with 202 Accepted and no body.
func writeReply(w http.ResponseWriter, reply *dispatch.Reply, sessionID string) {
	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}
	if reply == nil || reply.Message == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate")
	if reply.RetryAfter > 0 {
		secs := int(reply.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(reply.HTTPStatus())
	if err := json.NewEncoder(w).Encode(reply.Message); err != nil {
		logger.Debugw("writing response failed", "error", err)
	}
}

// writeError converts err into a JSON-RPC error reply and writes it.
func writeError(ctx context.Context, w http.ResponseWriter, id any, err error, sessionID string) {
	writeReply(w, dispatch.ErrorReply(ctx, id, err), sessionID)
}

// messageID extracts the JSON-RPC id from a raw message for error replies
// written before the message is dispatched.
func messageID(raw []byte) any {
	return gjson.GetBytes(raw, "id").Value()
}

// isInitialize reports whether raw is the MCP initialize request.
func isInitialize(raw []byte) bool {
	return gjson.GetBytes(raw, "method").String() == "initialize"
}

// isElicitResult reports whether raw is the client's elicitation/result
// call. These bypass the dispatcher: they settle a pending elicitation
// instead of starting a flow.
func isElicitResult(raw []byte) bool {
	return gjson.GetBytes(raw, "method").String() == "elicitation/result"
}

// settleElicitResult resolves a pending elicitation from the client's
// elicitation/result message. Requests are acknowledged with an empty
// result; notifications settle silently.
func settleElicitResult(ctx context.Context, broker *elicit.Broker, sessionID string, raw []byte) *dispatch.Reply {
	id := messageID(raw)

	elicitID := gjson.GetBytes(raw, "params.elicitId").String()
	if elicitID == "" {
		return settleError(ctx, id, core.NewInvalidInputError("elicitation result missing elicitId", nil))
	}
	res := elicit.Result{
		Action: gjson.GetBytes(raw, "params.action").String(),
	}
	if content := gjson.GetBytes(raw, "params.content"); content.Exists() {
		if m, ok := content.Value().(map[string]any); ok {
			res.Content = m
		}
	}

	if err := broker.Resolve(ctx, sessionID, elicitID, res); err != nil {
		if errors.Is(err, elicit.ErrNoPending) {
			err = core.NewInvalidRequestError("no pending elicitation for this session", err)
		}
		return settleError(ctx, id, err)
	}
	if id == nil {
		return nil
	}
	msg, err := dispatch.NewResponse(id, nil)
	if err != nil {
		return settleError(ctx, id, err)
	}
	return &dispatch.Reply{Message: msg}
}

func settleError(ctx context.Context, id any, err error) *dispatch.Reply {
	logger.Debugw("elicitation result rejected", "error", err)
	if id == nil {
		// A notification cannot carry an error back.
		return nil
	}
	return dispatch.ErrorReply(ctx, id, err)
}
