// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/token"
)

// Defaults for JWKS caching and fetching.
const (
	DefaultMinRefreshInterval = 30 * time.Second
	DefaultMaxRefreshInterval = time.Hour
	DefaultRefreshInterval    = 5 * time.Minute
	DefaultFetchTimeout       = 5 * time.Second
	DefaultFetchRetries       = 1
)

// Common errors.
var (
	ErrNoToken          = errors.New("no token provided")
	ErrFetchFailed      = errors.New("failed to fetch issuer metadata")
	ErrIssuerMismatch   = errors.New("discovered issuer does not match configured issuer")
	ErrMissingJWKSURL   = errors.New("discovery document is missing jwks_uri")
	ErrMissingIssuer    = errors.New("issuer is required")
	ErrInvalidKeyWindow = errors.New("minRefreshInterval must not exceed maxRefreshInterval")
)

// Config configures a TokenValidator.
type Config struct {
	// Issuer is the expected iss claim and the discovery base URL.
	Issuer string `yaml:"issuer"`

	// Audience, when set, must appear in the token's aud claim.
	Audience string `yaml:"audience,omitempty"`

	// JWKSURL skips discovery when set.
	JWKSURL string `yaml:"jwksUrl,omitempty"`

	// ResourceURL is advertised in WWW-Authenticate and the protected
	// resource metadata (RFC 9728).
	ResourceURL string `yaml:"resourceUrl,omitempty"`

	// CACertPath is a CA bundle for talking to the issuer.
	CACertPath string `yaml:"caCertPath,omitempty"`

	// AllowLoopbackHTTP permits plain HTTP to a loopback issuer.
	AllowLoopbackHTTP bool `yaml:"allowLoopbackHttp,omitempty"`

	// MinRefreshInterval bounds how often the JWKS is refetched, including
	// refreshes forced by an unknown kid.
	MinRefreshInterval time.Duration `yaml:"minRefreshInterval,omitempty"`

	// MaxRefreshInterval caps the lifetime of a cached JWKS.
	MaxRefreshInterval time.Duration `yaml:"maxRefreshInterval,omitempty"`

	// FetchTimeout limits each HTTP attempt.
	FetchTimeout time.Duration `yaml:"fetchTimeout,omitempty"`

	// FetchRetries is the number of retries after a failed fetch.
	FetchRetries *int `yaml:"fetchRetries,omitempty"`

	// Leeway tolerates clock skew on exp.
	Leeway time.Duration `yaml:"leeway,omitempty"`

	// TokenKind is the expected token_use. Defaults to access.
	TokenKind token.Kind `yaml:"tokenKind,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if c.MaxRefreshInterval == 0 {
		c.MaxRefreshInterval = DefaultMaxRefreshInterval
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.FetchRetries == nil {
		retries := DefaultFetchRetries
		c.FetchRetries = &retries
	}
	if c.TokenKind == "" {
		c.TokenKind = token.KindAccess
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return ErrMissingIssuer
	}
	if c.MinRefreshInterval > c.MaxRefreshInterval {
		return ErrInvalidKeyWindow
	}
	if *c.FetchRetries < 0 {
		return errors.New("fetchRetries must not be negative")
	}
	return nil
}
