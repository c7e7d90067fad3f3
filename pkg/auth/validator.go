// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/networking"
	"github.com/stacklok/oidcd/pkg/oauth"
)

// TokenValidator authenticates bearer tokens issued by one OIDC provider.
type TokenValidator struct {
	issuer      string
	audience    string
	kind        token.Kind
	resourceURL string
	jwksURL     string
	keys        *jwksCache
	verifier    *token.Verifier
	onVerify    func(ctx context.Context, result string)
}

// Option configures a TokenValidator.
type Option func(*validatorOptions)

type validatorOptions struct {
	client   networking.HTTPClient
	now      func() time.Time
	onVerify func(ctx context.Context, result string)
}

// WithHTTPClient replaces the client built from Config.
func WithHTTPClient(c networking.HTTPClient) Option {
	return func(o *validatorOptions) { o.client = c }
}

// WithClock overrides the time source for expiry and cache checks.
func WithClock(now func() time.Time) Option {
	return func(o *validatorOptions) { o.now = now }
}

// WithVerificationHook registers a callback run after every Authenticate
// with the result label from ResultOf.
func WithVerificationHook(fn func(ctx context.Context, result string)) Option {
	return func(o *validatorOptions) { o.onVerify = fn }
}

// NewTokenValidator resolves the issuer's discovery document and prepares a
// JWKS cache. Keys are fetched on first use.
func NewTokenValidator(ctx context.Context, cfg Config, opts ...Option) (*TokenValidator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	options := validatorOptions{now: time.Now, onVerify: func(context.Context, string) {}}
	for _, opt := range opts {
		opt(&options)
	}
	if options.client == nil {
		client, err := networking.NewHTTPClientBuilder().
			WithCABundle(cfg.CACertPath).
			WithLoopbackHTTP(cfg.AllowLoopbackHTTP).
			WithTimeout(cfg.FetchTimeout).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		options.client = client
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		doc, err := discover(ctx, options.client, &cfg)
		if err != nil {
			return nil, err
		}
		jwksURL = doc.JWKSURI
	}

	keys := newJWKSCache(jwksURL, options.client, &cfg, options.now)
	return &TokenValidator{
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		kind:        cfg.TokenKind,
		resourceURL: cfg.ResourceURL,
		jwksURL:     jwksURL,
		keys:        keys,
		verifier: token.NewVerifier(cfg.Issuer, keys,
			token.WithVerifierClock(options.now),
			token.WithLeeway(cfg.Leeway)),
		onVerify: options.onVerify,
	}, nil
}

func discover(ctx context.Context, client networking.HTTPClient, cfg *Config) (*oauth.OIDCDiscoveryDocument, error) {
	url := oauth.DiscoveryURL(cfg.Issuer)
	res, err := networking.FetchJSON[oauth.OIDCDiscoveryDocument](ctx, client, url,
		networking.WithRetry(uint(*cfg.FetchRetries)+1, 100*time.Millisecond), // #nosec G115 -- validated non-negative
	)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %w", ErrFetchFailed, err)
	}
	doc := res.Data
	if doc.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return nil, ErrMissingJWKSURL
	}
	logger.Infow("discovered issuer", "issuer", doc.Issuer, "jwks_uri", doc.JWKSURI)
	return &doc, nil
}

// Issuer returns the configured issuer.
func (v *TokenValidator) Issuer() string { return v.issuer }

// JWKSURL returns the discovered or configured JWKS location.
func (v *TokenValidator) JWKSURL() string { return v.jwksURL }

// Authenticate verifies raw and returns the identity it carries. Rejections
// wrap a token.VerificationError; fetch failures wrap ErrFetchFailed.
func (v *TokenValidator) Authenticate(ctx context.Context, raw string) (*Identity, error) {
	id, err := v.authenticate(ctx, raw)
	v.onVerify(ctx, ResultOf(err))
	return id, err
}

func (v *TokenValidator) authenticate(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	claims, err := v.verifier.Verify(ctx, raw, token.Expectation{Kind: v.kind, Audience: v.audience})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, &token.VerificationError{Kind: token.ErrMalformedToken, Detail: "missing sub claim"}
	}
	return identityFromClaims(claims, raw), nil
}

// ResultOf labels the outcome of Authenticate for metrics and logs.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrNoToken):
		return "missing"
	case errors.Is(err, token.ErrMalformedToken):
		return "malformed"
	case errors.Is(err, token.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, token.ErrSignatureInvalid):
		return "invalid_signature"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrAudienceMismatch):
		return "audience_mismatch"
	default:
		return "unavailable"
	}
}
