// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package elicit

import (
	"context"
	"time"

	"github.com/gantry-mcp/gantry/pkg/provider"
)

//go:generate mockgen -destination=mocks/mock_requester.go -package=mocks -source=requester.go Requester

// Request describes one elicitation to pose to the session's client.
type Request struct {
	SessionID        string
	RelatedRequestID string

	// Mode selects form or url elicitation; empty means form.
	Mode string

	// Schema is the requested content schema. Required for form mode.
	Schema map[string]any

	// Message is the human-readable prompt shown to the user.
	Message string

	// TTL bounds how long the elicitation stays pending. Zero applies the
	// broker default; out-of-range values are clamped to [MinTTL, MaxTTL].
	TTL time.Duration
}

// Requester poses an elicitation to the client behind a session and
// blocks until it settles. Transports implement it on top of the Broker;
// tool handlers resolve it from their request views.
type Requester interface {
	RequestElicitation(ctx context.Context, req Request) (Result, error)
}

// RequesterToken resolves the session's Requester from request views.
var RequesterToken = provider.NewToken("elicit.requester")
