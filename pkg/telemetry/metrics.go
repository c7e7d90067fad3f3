// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/authserver/token"
)

const instrumentationName = "github.com/stacklok/oidcd/pkg/telemetry"

// RequestDurationBuckets are the histogram boundaries, in seconds, for HTTP
// request durations.
var RequestDurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics records provider and resource server events.
//
// It implements flow.Observer and exposes callbacks suitable for
// token.WithIssueHook and keys.WithRotationHook.
type Metrics struct {
	tokensIssued       metric.Int64Counter
	authorizations     metric.Int64Counter
	codeReplays        metric.Int64Counter
	tokenVerifications metric.Int64Counter
	keyRotations       metric.Int64Counter
	requestDuration    metric.Float64Histogram
}

var _ flow.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.tokensIssued, err = meter.Int64Counter(
		"oidcd_tokens_issued_total",
		metric.WithDescription("Tokens signed, by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}
	if m.authorizations, err = meter.Int64Counter(
		"oidcd_authorizations_total",
		metric.WithDescription("Authorizations that reached a final state, by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create authorizations counter: %w", err)
	}
	if m.codeReplays, err = meter.Int64Counter(
		"oidcd_code_replays_total",
		metric.WithDescription("Authorization codes presented after they were exchanged"),
	); err != nil {
		return nil, fmt.Errorf("failed to create code replays counter: %w", err)
	}
	if m.tokenVerifications, err = meter.Int64Counter(
		"oidcd_token_verifications_total",
		metric.WithDescription("Bearer token verifications at the resource server, by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token verifications counter: %w", err)
	}
	if m.keyRotations, err = meter.Int64Counter(
		"oidcd_key_rotations_total",
		metric.WithDescription("Signing key rotations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create key rotations counter: %w", err)
	}
	if m.requestDuration, err = meter.Float64Histogram(
		"oidcd_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(RequestDurationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	return m, nil
}

// AuthorizationFinished counts an authorization outcome.
func (m *Metrics) AuthorizationFinished(ctx context.Context, outcome flow.State) {
	m.authorizations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// CodeReplayed counts a replayed authorization code.
func (m *Metrics) CodeReplayed(ctx context.Context) {
	m.codeReplays.Add(ctx, 1)
}

// TokenIssued counts a signed token.
func (m *Metrics) TokenIssued(ctx context.Context, kind token.Kind) {
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// KeyRotated counts a signing key rotation.
func (m *Metrics) KeyRotated(string) {
	m.keyRotations.Add(context.Background(), 1)
}

// TokenVerified counts a bearer token verification. result is "valid" or the
// failure reason.
func (m *Metrics) TokenVerified(ctx context.Context, result string) {
	m.tokenVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
