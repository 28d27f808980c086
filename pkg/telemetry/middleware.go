// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// maxSniffBody bounds how much of a POST body the middleware reads to
// discover the JSON-RPC method.
const maxSniffBody = 1 << 20 // 1 MB

// requestDurationBuckets are the histogram bucket boundaries for request
// duration metrics, in seconds.
var requestDurationBuckets = []float64{
	0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 120, 300,
}

// HTTPMiddleware instruments gateway endpoints with request spans and
// count/duration metrics tagged with protocol and MCP method.
type HTTPMiddleware struct {
	tracer   trace.Tracer
	protocol string

	requestCounter    metric.Int64Counter
	requestDuration   metric.Float64Histogram
	activeConnections metric.Int64UpDownCounter
}

// NewHTTPMiddleware creates an instrumentation middleware for one protocol
// endpoint ("streamable-http", "sse", "stateless-http").
func NewHTTPMiddleware(
	tracerProvider trace.TracerProvider,
	meterProvider metric.MeterProvider,
	protocol string,
) func(http.Handler) http.Handler {
	meter := meterProvider.Meter(instrumentationName)

	requestCounter, _ := meter.Int64Counter(
		"gantry_mcp_requests", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of MCP requests"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"gantry_mcp_request_duration",
		metric.WithDescription("Duration of MCP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestDurationBuckets...),
	)
	activeConnections, _ := meter.Int64UpDownCounter(
		"gantry_mcp_active_connections",
		metric.WithDescription("Number of active MCP connections"),
	)

	m := &HTTPMiddleware{
		tracer:            tracerProvider.Tracer(instrumentationName),
		protocol:          protocol,
		requestCounter:    requestCounter,
		requestDuration:   requestDuration,
		activeConnections: activeConnections,
	}
	return m.Handler
}

// Handler wraps an HTTP handler with instrumentation.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		connAttrs := metric.WithAttributes(attribute.String("protocol", m.protocol))
		m.activeConnections.Add(ctx, 1, connAttrs)
		defer m.activeConnections.Add(ctx, -1, connAttrs)

		mcpMethod := sniffMethod(r)

		spanName := mcpMethod
		if spanName == "" {
			spanName = fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}
		ctx, span := m.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("mcp.protocol", m.protocol),
		)
		if mcpMethod != "" {
			span.SetAttributes(attribute.String("mcp.method.name", mcpMethod))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", rw.statusCode),
			attribute.Int64("http.response_content_length", rw.bytesWritten),
		)
		status := "success"
		if rw.statusCode >= 400 {
			status = "error"
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.statusCode))
		} else {
			span.SetStatus(codes.Ok, "")
		}

		if mcpMethod == "" {
			mcpMethod = "unknown"
		}
		attrs := metric.WithAttributes(
			attribute.String("protocol", m.protocol),
			attribute.String("mcp_method", mcpMethod),
			attribute.String("status", status),
			attribute.String("status_code", strconv.Itoa(rw.statusCode)),
		)
		m.requestCounter.Add(ctx, 1, attrs)
		m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	})
}

// sniffMethod peeks at a POST body for the JSON-RPC method without
// consuming it; the body is restored for downstream handlers.
func sniffMethod(r *http.Request) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSniffBody))
	if err != nil {
		return ""
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return gjson.GetBytes(body, "method").String()
}

// responseWriter wraps http.ResponseWriter to capture response details.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	headerWritten bool
}

// WriteHeader captures the status code. Guards against duplicate calls.
func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the number of bytes written. Write() implicitly sends a
// 200 header when none was written, so the status is fixed after it.
func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.headerWritten = true
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
