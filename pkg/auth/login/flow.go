// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package login runs the OpenID Connect authorization code flow with PKCE
// for command-line clients. The redirect lands on a short-lived loopback
// server (RFC 8252).
package login

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/logger"
)

const (
	defaultCallbackHost = "127.0.0.1"
	defaultCallbackPath = "/callback"
	defaultTimeout      = 5 * time.Minute
)

// Config configures a Flow.
type Config struct {
	// Issuer is the provider's issuer URL, used for discovery.
	Issuer string

	// ClientID is the registered client.
	ClientID string

	// ClientSecret is empty for public clients.
	ClientSecret string

	// Scopes are requested in addition to openid.
	Scopes []string

	// CallbackHost and CallbackPort select the loopback listener. Port 0
	// picks a free port.
	CallbackHost string
	CallbackPort int

	// CallbackPath defaults to /callback.
	CallbackPath string

	// SkipBrowser prints the URL instead of opening a browser.
	SkipBrowser bool

	// Timeout bounds the whole flow. Defaults to five minutes.
	Timeout time.Duration

	// HTTPClient is used for discovery, token and userinfo requests.
	HTTPClient *http.Client
}

// Result is the outcome of a completed flow.
type Result struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	IDToken      string
	Subject      string
	Claims       map[string]any
	UserInfo     map[string]any
}

// Option customizes a Flow.
type Option func(*Flow)

// WithBrowserOpener replaces the function that opens the authorization URL.
func WithBrowserOpener(fn func(url string) error) Option {
	return func(f *Flow) { f.openURL = fn }
}

// Flow is a single authorization attempt. It is not reusable.
type Flow struct {
	cfg          Config
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	listener     net.Listener
	openURL      func(string) error

	codeVerifier string
	state        string
	nonce        string
}

// NewFlow discovers the provider and binds the callback listener.
func NewFlow(ctx context.Context, cfg Config, opts ...Option) (*Flow, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.CallbackHost == "" {
		cfg.CallbackHost = defaultCallbackHost
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = defaultCallbackPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	provider, err := oidc.NewProvider(clientContext(ctx, cfg.HTTPClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.CallbackHost, strconv.Itoa(cfg.CallbackPort)))
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	f := &Flow{
		cfg:      cfg,
		provider: provider,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  fmt.Sprintf("http://%s%s", net.JoinHostPort(cfg.CallbackHost, strconv.Itoa(port)), cfg.CallbackPath),
			Endpoint:     provider.Endpoint(),
			Scopes:       withOpenID(cfg.Scopes),
		},
		verifier:     provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		listener:     listener,
		openURL:      browser.OpenURL,
		codeVerifier: servercrypto.GeneratePKCEVerifier(),
	}
	if cfg.ClientSecret == "" {
		f.oauth2Config.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.state, err = servercrypto.RandomToken(16); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	if f.nonce, err = servercrypto.RandomToken(16); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return f, nil
}

func withOpenID(scopes []string) []string {
	out := []string{oidc.ScopeOpenID}
	for _, s := range scopes {
		if s != oidc.ScopeOpenID {
			out = append(out, s)
		}
	}
	return out
}

func clientContext(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, client)
}

// RedirectURL is the loopback callback URL registered with the request.
func (f *Flow) RedirectURL() string {
	return f.oauth2Config.RedirectURL
}

// AuthCodeURL is the authorization request URL.
func (f *Flow) AuthCodeURL() string {
	return f.oauth2Config.AuthCodeURL(f.state,
		oauth2.SetAuthURLParam("code_challenge", servercrypto.ComputePKCEChallenge(f.codeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oidc.Nonce(f.nonce),
	)
}

type callbackResult struct {
	result *Result
	err    error
}

// Start opens the authorization URL and waits for the callback. It returns
// once the code is exchanged and the ID token is verified.
func (f *Flow) Start(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(f.cfg.CallbackPath, f.handleCallback(ctx, results))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Debugw("callback server listening", "addr", f.listener.Addr().String())
		if err := server.Serve(f.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- callbackResult{err: fmt.Errorf("callback server failed: %w", err)}:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shut down callback server: %v", err)
		}
	}()

	authURL := f.AuthCodeURL()
	if f.cfg.SkipBrowser {
		logger.Infof("Please open this URL in your browser: %s", authURL)
	} else if err := f.openURL(authURL); err != nil {
		logger.Warnf("Failed to open browser: %v", err)
		logger.Infof("Please manually open this URL in your browser: %s", authURL)
	}

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("login failed: %w", r.err)
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("login cancelled: %w", ctx.Err())
	}
}

func (f *Flow) handleCallback(ctx context.Context, results chan<- callbackResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := f.complete(ctx, r)
		if err != nil {
			writePage(w, http.StatusBadRequest, "Authentication Failed", err.Error())
		} else {
			writePage(w, http.StatusOK, "Authentication Successful", "You can close this window and return to the terminal.")
		}
		select {
		case results <- callbackResult{result: res, err: err}:
		default:
		}
	}
}

func (f *Flow) complete(ctx context.Context, r *http.Request) (*Result, error) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		return nil, fmt.Errorf("authorization error: %s: %s", errParam, q.Get("error_description"))
	}
	if q.Get("state") != f.state {
		return nil, errors.New("invalid state parameter")
	}
	if iss := q.Get("iss"); iss != "" && iss != f.cfg.Issuer {
		return nil, fmt.Errorf("unexpected issuer %q in authorization response", iss)
	}
	code := q.Get("code")
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	ctx = clientContext(ctx, f.cfg.HTTPClient)
	tok, err := f.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(f.codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}
	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := f.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid id_token: %w", err)
	}
	if idToken.Nonce != f.nonce {
		return nil, errors.New("id_token nonce mismatch")
	}
	if err := idToken.VerifyAccessToken(tok.AccessToken); err != nil && idToken.AccessTokenHash != "" {
		return nil, fmt.Errorf("access token does not match id_token: %w", err)
	}

	res := &Result{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		IDToken:      rawID,
		Subject:      idToken.Subject,
	}
	if err := idToken.Claims(&res.Claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}

	info, err := f.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		logger.Debugw("userinfo request failed", "error", err)
		return res, nil
	}
	if err := info.Claims(&res.UserInfo); err != nil {
		logger.Debugw("failed to decode userinfo", "error", err)
	}
	return res, nil
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.WriteHeader(status)
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%[1]s</title>
<style>body { font-family: sans-serif; margin: 40px; text-align: center; }</style>
</head>
<body><h1>%[1]s</h1><p>%[2]s</p></body>
</html>`, html.EscapeString(title), html.EscapeString(message))
	if err != nil {
		logger.Warnf("Failed to write callback page: %v", err)
	}
}
