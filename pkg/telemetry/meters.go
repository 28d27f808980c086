// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Meters holds the gateway-level instruments recorded outside the HTTP
// middleware: tool pipeline finalize, transport lifecycle, elicitation.
type Meters struct {
	toolInvocations metric.Int64Counter
	toolDuration    metric.Float64Histogram
	cacheHits       metric.Int64Counter
	sessionsCreated metric.Int64Counter
	elicitations    metric.Int64Counter
}

// NewMeters creates the gateway instruments on the given provider.
func NewMeters(meterProvider metric.MeterProvider) *Meters {
	meter := meterProvider.Meter(instrumentationName)

	toolInvocations, _ := meter.Int64Counter(
		"gantry_mcp_tool_calls",
		metric.WithDescription("Total number of MCP tool invocations"),
	)
	toolDuration, _ := meter.Float64Histogram(
		"gantry_mcp_tool_duration",
		metric.WithDescription("Duration of MCP tool invocations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestDurationBuckets...),
	)
	cacheHits, _ := meter.Int64Counter(
		"gantry_mcp_tool_cache_hits",
		metric.WithDescription("Total number of tool result cache hits"),
	)
	sessionsCreated, _ := meter.Int64Counter(
		"gantry_mcp_sessions_created",
		metric.WithDescription("Total number of transport sessions created"),
	)
	elicitations, _ := meter.Int64Counter(
		"gantry_mcp_elicitations",
		metric.WithDescription("Total number of elicitation requests by outcome"),
	)

	return &Meters{
		toolInvocations: toolInvocations,
		toolDuration:    toolDuration,
		cacheHits:       cacheHits,
		sessionsCreated: sessionsCreated,
		elicitations:    elicitations,
	}
}

// RecordToolInvocation records one tool call outcome from finalize.
func (m *Meters) RecordToolInvocation(ctx context.Context, toolID string, cacheHit bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", toolID),
		attribute.String("status", status),
	)
	m.toolInvocations.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if cacheHit {
		m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolID)))
	}
}

// RecordSessionCreated records a new transport session.
func (m *Meters) RecordSessionCreated(ctx context.Context, protocol string) {
	if m == nil {
		return
	}
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// RecordElicitation records an elicitation outcome
// ("accept", "decline", "cancel", "timeout", "superseded").
func (m *Meters) RecordElicitation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.elicitations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
