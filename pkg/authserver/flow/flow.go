// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow implements the authorization-code state machine of the
// provider: authorize requests, the login and consent interaction, the token
// endpoint grants, userinfo, introspection and revocation.
//
// Every operation validates its input completely before the single storage
// write that commits it, and checks the context right before that write, so
// a rejected or cancelled request leaves no partial state behind.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/authserver/users"
)

// Default lifetimes.
const (
	DefaultAccessTokenTTL   = time.Hour
	DefaultIDTokenTTL       = time.Hour
	DefaultRefreshTokenTTL  = 24 * time.Hour
	DefaultCodeTTL          = 10 * time.Minute
	DefaultInteractionTTL   = time.Hour
	DefaultSessionTTL       = 24 * time.Hour
	DefaultMaxLoginAttempts = 5
)

// Config holds the flow lifetimes and limits. Zero values take the defaults.
type Config struct {
	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
	InteractionTTL  time.Duration
	SessionTTL      time.Duration
	// ConsentTTL bounds remembered consent. Zero keeps consent until restart
	// (memory) or forever (Redis).
	ConsentTTL       time.Duration
	MaxLoginAttempts int
}

func (c *Config) applyDefaults() {
	setDefault(&c.AccessTokenTTL, DefaultAccessTokenTTL)
	setDefault(&c.IDTokenTTL, DefaultIDTokenTTL)
	setDefault(&c.RefreshTokenTTL, DefaultRefreshTokenTTL)
	setDefault(&c.CodeTTL, DefaultCodeTTL)
	setDefault(&c.InteractionTTL, DefaultInteractionTTL)
	setDefault(&c.SessionTTL, DefaultSessionTTL)
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Observer receives flow events, typically for metrics.
type Observer interface {
	// AuthorizationFinished is called when an authorization reaches a
	// terminal or code-issued state.
	AuthorizationFinished(ctx context.Context, outcome State)
	// CodeReplayed is called when an exchanged code is presented again.
	CodeReplayed(ctx context.Context)
}

type noopObserver struct{}

func (noopObserver) AuthorizationFinished(context.Context, State) {}
func (noopObserver) CodeReplayed(context.Context)                 {}

// TokenIssuer mints tokens.
type TokenIssuer interface {
	IssuerID() string
	Issue(ctx context.Context, kind token.Kind, req token.Request) (string, *token.Claims, error)
}

// TokenVerifier checks tokens minted by this provider.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, want token.Expectation) (*token.Claims, error)
}

// Provider runs the authorization flow.
type Provider struct {
	cfg      Config
	store    storage.Storage
	users    users.Store
	issuer   TokenIssuer
	verifier TokenVerifier
	observer Observer
	now      func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(p *Provider) { p.observer = o }
}

// NewProvider assembles a Provider.
func NewProvider(
	cfg Config,
	store storage.Storage,
	userStore users.Store,
	issuer TokenIssuer,
	verifier TokenVerifier,
	opts ...Option,
) (*Provider, error) {
	if store == nil || userStore == nil || issuer == nil || verifier == nil {
		return nil, errors.New("storage, users, issuer and verifier are required")
	}
	cfg.applyDefaults()
	p := &Provider{
		cfg:      cfg,
		store:    store,
		users:    userStore,
		issuer:   issuer,
		verifier: verifier,
		observer: noopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// Issuer returns the issuer identifier.
func (p *Provider) Issuer() string {
	return p.issuer.IssuerID()
}

// Storage returns the backing store.
func (p *Provider) Storage() storage.Storage {
	return p.store
}

func (p *Provider) finished(ctx context.Context, s State) {
	p.observer.AuthorizationFinished(ctx, s)
}

// storeErr maps a storage failure to a flow error. notFound is used for
// missing or expired entities.
func storeErr(err error, notFound *Error) *Error {
	if errors.Is(err, storage.ErrNotFound) {
		if notFound.Cause == nil {
			notFound.Cause = err
		}
		return notFound
	}
	return transientErr(err)
}
