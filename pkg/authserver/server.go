// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/authserver/server/handlers"
	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/authserver/users"
	"github.com/stacklok/oidcd/pkg/logger"
)

// Server is an assembled OpenID Connect provider.
type Server struct {
	cfg      Config
	keys     *keys.Manager
	store    storage.Storage
	provider *flow.Provider
	handler  http.Handler
}

// Option configures server construction.
type Option func(*serverOptions)

type serverOptions struct {
	store       storage.Storage
	observer    flow.Observer
	issueHook   func(context.Context, token.Kind)
	rotateHook  func(string)
	middlewares []func(http.Handler) http.Handler
	now         func() time.Time
}

// WithStorage uses store instead of building one from the configuration.
func WithStorage(store storage.Storage) Option {
	return func(o *serverOptions) { o.store = store }
}

// WithObserver registers a flow observer, typically metrics.
func WithObserver(obs flow.Observer) Option {
	return func(o *serverOptions) { o.observer = obs }
}

// WithIssueHook is called for every minted token.
func WithIssueHook(fn func(context.Context, token.Kind)) Option {
	return func(o *serverOptions) { o.issueHook = fn }
}

// WithRotationHook is called after every key rotation.
func WithRotationHook(fn func(newKeyID string)) Option {
	return func(o *serverOptions) { o.rotateHook = fn }
}

// WithMiddleware wraps every route.
func WithMiddleware(mws ...func(http.Handler) http.Handler) Option {
	return func(o *serverOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.now = now }
}

// New validates cfg and assembles the key manager, store, token issuer and
// verifier, flow and HTTP handlers. The caller owns the returned Server and
// must Close it.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	options := &serverOptions{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}

	if err := cfg.Resolve(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir, err := users.NewDirectory(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	keyOpts := []keys.ManagerOption{keys.WithClock(options.now)}
	if options.rotateHook != nil {
		keyOpts = append(keyOpts, keys.WithRotationHook(options.rotateHook))
	}
	km, err := keys.NewManagerFromConfig(ctx, cfg.Keys, keyOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}

	store := options.store
	if store == nil {
		store, err = storage.New(ctx, &cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}
	if err := registerClients(ctx, store, cfg.Clients); err != nil {
		_ = store.Close()
		return nil, err
	}

	issuerOpts := []token.IssuerOption{token.WithIssuerClock(options.now)}
	if options.issueHook != nil {
		issuerOpts = append(issuerOpts, token.WithIssueHook(options.issueHook))
	}
	issuer := token.NewIssuer(cfg.Issuer, km, issuerOpts...)
	verifier := token.NewVerifier(cfg.Issuer, token.NewKeySetResolver(km), token.WithVerifierClock(options.now))

	flowOpts := []flow.Option{flow.WithClock(options.now)}
	if options.observer != nil {
		flowOpts = append(flowOpts, flow.WithObserver(options.observer))
	}
	provider, err := flow.NewProvider(cfg.flowConfig(), store, dir, issuer, verifier, flowOpts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}

	h := handlers.NewHandler(provider, km, handlers.Options{
		JWKSMaxAge:      cfg.JWKSMaxAge,
		SecureCookies:   *cfg.SecureCookies,
		ScopesSupported: cfg.ScopesSupported,
	})

	logger.Infow("OpenID provider initialized",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Type,
		"clients", len(cfg.Clients),
		"users", len(cfg.Users),
	)

	return &Server{
		cfg:      cfg,
		keys:     km,
		store:    store,
		provider: provider,
		handler:  h.Routes(options.middlewares...),
	}, nil
}

func registerClients(ctx context.Context, store storage.Storage, clients []ClientConfig) error {
	for i := range clients {
		client, err := clients[i].toClient()
		if err != nil {
			return err
		}
		if err := store.RegisterClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register client %q: %w", client.ID, err)
		}
	}
	return nil
}

// Handler returns the HTTP handler serving every provider endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Provider returns the authorization flow.
func (s *Server) Provider() *flow.Provider {
	return s.provider
}

// Keys returns the key manager.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// Config returns the effective configuration with defaults applied.
func (s *Server) Config() Config {
	return s.cfg
}

// RunKeyRotation rotates and purges signing keys until ctx is cancelled.
func (s *Server) RunKeyRotation(ctx context.Context) {
	s.keys.Run(ctx)
}

// Close releases the storage backend.
func (s *Server) Close() error {
	logger.Debugw("closing OpenID provider")
	if err := s.store.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
