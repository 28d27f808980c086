// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry instrumentation for the gateway:
// a combined meter/tracer provider, the HTTP middleware that instruments
// every protocol endpoint, and the gateway meters recorded by the tool
// pipeline.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

// instrumentationName is the name of this instrumentation package.
const instrumentationName = "github.com/gantry-mcp/gantry/pkg/telemetry"

// shutdownTimeout bounds provider shutdown.
const shutdownTimeout = 5 * time.Second

// Config holds the telemetry provider configuration.
type Config struct {
	// ServiceName identifies the gateway in exported telemetry.
	ServiceName string

	// ServiceVersion identifies the gateway version.
	ServiceVersion string

	// OTLPEndpoint enables OTLP HTTP push when non-empty (host:port).
	OTLPEndpoint string

	// Headers are additional headers sent with OTLP requests.
	Headers map[string]string

	// Insecure disables TLS for the OTLP endpoint.
	Insecure bool

	// SamplingRate controls trace sampling (0.0 to 1.0).
	SamplingRate float64
}

// Option configures the telemetry provider.
type Option func(*Config) error

// WithServiceName sets the service name.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		c.ServiceName = name
		return nil
	}
}

// WithServiceVersion sets the service version.
func WithServiceVersion(version string) Option {
	return func(c *Config) error {
		c.ServiceVersion = version
		return nil
	}
}

// WithOTLPEndpoint enables OTLP HTTP push to the given host:port.
func WithOTLPEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.OTLPEndpoint = endpoint
		return nil
	}
}

// WithHeaders sets additional OTLP request headers.
func WithHeaders(headers map[string]string) Option {
	return func(c *Config) error {
		c.Headers = headers
		return nil
	}
}

// WithInsecure disables TLS for the OTLP endpoint.
func WithInsecure(insecure bool) Option {
	return func(c *Config) error {
		c.Insecure = insecure
		return nil
	}
}

// WithSamplingRate sets the trace sampling ratio.
func WithSamplingRate(rate float64) Option {
	return func(c *Config) error {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("sampling rate must be in [0.0, 1.0], got %v", rate)
		}
		c.SamplingRate = rate
		return nil
	}
}

// Provider bundles the gateway's meter and tracer providers. The
// Prometheus exporter is always wired so /metrics works out of the box;
// OTLP push is added when an endpoint is configured.
type Provider struct {
	config            Config
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider creates the telemetry provider and installs it as the global
// OTel provider pair.
func NewProvider(ctx context.Context, options ...Option) (*Provider, error) {
	config := Config{SamplingRate: 0.05}
	for _, option := range options {
		if err := option(&config); err != nil {
			return nil, err
		}
	}
	if config.ServiceName == "" {
		config.ServiceName = "gantry"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	p := &Provider{config: config}

	if err := p.buildMeterProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.buildTracerProvider(ctx, res); err != nil {
		return nil, err
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return p, nil
}

func (p *Provider) buildMeterProvider(ctx context.Context, res *resource.Resource) error {
	registry := prom.NewRegistry()
	promExporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	readers := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if p.config.OTLPEndpoint != "" {
		otlpReader, err := p.newOTLPMetricReader(ctx)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.WithReader(otlpReader))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	p.meterProvider = mp
	p.prometheusHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	return nil
}

func (p *Provider) newOTLPMetricReader(ctx context.Context) (sdkmetric.Reader, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(p.config.OTLPEndpoint),
	}
	if len(p.config.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(p.config.Headers))
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exporter), nil
}

func (p *Provider) buildTracerProvider(ctx context.Context, res *resource.Resource) error {
	if p.config.OTLPEndpoint == "" {
		p.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(p.config.OTLPEndpoint),
	}
	if len(p.config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(p.config.Headers))
	}
	if p.config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(p.config.SamplingRate)),
	)
	p.tracerProvider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the handler serving /metrics.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown gracefully shuts down all providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown failed with %d errors: %v", len(errs), errs)
	}
	return nil
}
