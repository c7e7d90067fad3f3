// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config holds the configuration for metrics.
type Config struct {
	// ServiceName is the service.name resource attribute.
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// CustomAttributes are extra resource attributes as "k=v,k2=v2".
	CustomAttributes string `yaml:"customAttributes,omitempty"`

	// IncludeRuntimeMetrics adds the Go runtime and process collectors.
	IncludeRuntimeMetrics bool `yaml:"includeRuntimeMetrics,omitempty"`
}

// Provider owns the meter provider and its Prometheus registry.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	handler       http.Handler
}

// NewProvider creates a meter provider exporting to a private Prometheus
// registry and installs it as the global meter provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	custom, err := ParseCustomAttributes(cfg.CustomAttributes)
	if err != nil {
		return nil, err
	}

	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}, toAttributes(custom)...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource for service %q: %w", cfg.ServiceName, err)
	}

	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{
		meterProvider: mp,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler serves the metrics in Prometheus exposition format.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}
