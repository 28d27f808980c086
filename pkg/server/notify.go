// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"

	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/logger"
	"github.com/gantry-mcp/gantry/pkg/resources"
	"github.com/gantry-mcp/gantry/pkg/transport"
)

// Notifier pushes server-initiated notifications onto session event
// streams: log records for sessions that opted in via logging/setLevel,
// and resources/updated fan-out to subscribers. Delivery is local-node:
// only sessions with a resident adapter receive anything.
type Notifier struct {
	registry *transport.Registry
	levels   *SessionLevels
	subs     resources.Subscriptions
}

// NewNotifier builds a notifier over the node's transport registry.
func NewNotifier(reg *transport.Registry, levels *SessionLevels, subs resources.Subscriptions) *Notifier {
	return &Notifier{registry: reg, levels: levels, subs: subs}
}

// Log forwards one record to the session as notifications/message when it
// passes the session's minimum level. Sessions without a level, or without
// a resident event stream, are skipped silently.
func (n *Notifier) Log(ctx context.Context, sessionID string, level logger.Level, loggerName string, data any) error {
	minimum, ok := n.levels.Get(sessionID)
	if !ok || !level.Enabled(minimum) {
		return nil
	}
	adapter, ok := n.registry.FindBySession(sessionID)
	if !ok {
		return nil
	}

	params := map[string]any{
		"level": level.String(),
		"data":  data,
	}
	if loggerName != "" {
		params["logger"] = loggerName
	}
	return n.send(ctx, adapter, "notifications/message", params)
}

// PublishResourceUpdate tells every subscribed session that uri's content
// changed and returns how many sessions were reached. A failed delivery is
// logged and skipped; the next update tries the session again.
func (n *Notifier) PublishResourceUpdate(ctx context.Context, uri string) int {
	sessionIDs, err := n.subs.Subscribers(ctx, uri)
	if err != nil {
		logger.Warnw("listing resource subscribers failed", "uri", uri, "error", err)
		return 0
	}

	notified := 0
	for _, sessionID := range sessionIDs {
		adapter, ok := n.registry.FindBySession(sessionID)
		if !ok {
			continue
		}
		err := n.send(ctx, adapter, "notifications/resources/updated", map[string]any{"uri": uri})
		if err != nil {
			logger.Warnw("resource update delivery failed",
				"session_id", sessionID, "uri", uri, "error", err)
			continue
		}
		notified++
	}
	return notified
}

func (n *Notifier) send(ctx context.Context, adapter transport.Transporter, method string, params any) error {
	note, err := dispatch.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return adapter.Send(ctx, data)
}
