// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/authserver/users"
)

const demoCallback = "http://localhost:8080/callback"

type countingHooks struct {
	mu     sync.Mutex
	issued map[token.Kind]int
}

func (h *countingHooks) onIssue(_ context.Context, kind token.Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.issued[kind]++
}

func (h *countingHooks) count(kind token.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.issued[kind]
}

// startServer serves a provider whose issuer is the test server URL.
func startServer(t *testing.T, opts ...Option) (*httptest.Server, *Server) {
	t.Helper()
	hash, err := servercrypto.HashSecret("wonderland")
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(nil)
	issuer := "http://" + ts.Listener.Addr().String()

	srv, err := New(context.Background(), Config{
		Issuer: issuer,
		Clients: []ClientConfig{{
			ID:           "demo",
			Name:         "Demo App",
			Public:       true,
			RedirectURIs: []string{demoCallback},
			Scopes:       []string{"openid", "email", "profile"},
		}},
		Users: []users.Config{{
			Subject:       "user-1",
			Username:      "alice",
			PasswordHash:  string(hash),
			Email:         "alice@example.com",
			EmailVerified: true,
		}},
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ts.Config.Handler = srv.Handler()
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, srv
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Issuer: "http://example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestEndToEnd_DemoClient(t *testing.T) {
	t.Parallel()
	hooks := &countingHooks{issued: map[token.Kind]int{}}
	store := storage.NewMemoryStorage()
	ts, srv := startServer(t, WithStorage(store), WithIssueHook(hooks.onIssue))
	ctx := context.Background()

	provider, err := oidc.NewProvider(ctx, ts.URL)
	require.NoError(t, err)

	conf := &oauth2.Config{
		ClientID:    "demo",
		RedirectURL: demoCallback,
		Endpoint:    provider.Endpoint(),
		Scopes:      []string{oidc.ScopeOpenID, "email"},
	}
	conf.Endpoint.AuthStyle = oauth2.AuthStyleInParams

	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("state-123", oauth2.S256ChallengeOption(verifier), oidc.Nonce("nonce-456"))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := browser.Get(authURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	interaction := ts.URL + resp.Header.Get("Location")

	resp, err = browser.PostForm(interaction+"/login", url.Values{"username": {"alice"}, "password": {"wonderland"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, err = browser.PostForm(interaction+"/consent", url.Values{"scope": {"openid", "email"}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(callback.String(), demoCallback))
	assert.Equal(t, "state-123", callback.Query().Get("state"))
	assert.Equal(t, ts.URL, callback.Query().Get("iss"))

	tok, err := conf.Exchange(ctx, callback.Query().Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	rawID, ok := tok.Extra("id_token").(string)
	require.True(t, ok)

	idToken, err := provider.Verifier(&oidc.Config{
		ClientID:             "demo",
		SupportedSigningAlgs: []string{oidc.ES256},
	}).Verify(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", idToken.Subject)
	assert.Equal(t, "nonce-456", idToken.Nonce)
	require.NoError(t, idToken.VerifyAccessToken(tok.AccessToken))

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	require.NoError(t, idToken.Claims(&claims))
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	assert.Equal(t, "user-1", info.Subject)
	assert.Equal(t, "alice@example.com", info.Email)

	// The refresh token rotates; the old one is then rejected.
	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)

	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)

	assert.Equal(t, 2, hooks.count(token.KindAccess))
	assert.Equal(t, 2, hooks.count(token.KindID))
	assert.Equal(t, 2, hooks.count(token.KindRefresh))
	assert.Same(t, store, srv.Provider().Storage())
}

func TestServer_JWKSTracksRotation(t *testing.T) {
	t.Parallel()
	var rotated []string
	ts, srv := startServer(t, WithRotationHook(func(kid string) { rotated = append(rotated, kid) }))
	ctx := context.Background()

	before, err := srv.Keys().PublicJWKS(ctx)
	require.NoError(t, err)
	require.Len(t, before.Keys, 1)

	require.NoError(t, srv.Keys().Rotate(ctx))
	require.Len(t, rotated, 1)

	resp, err := http.Get(ts.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	after, err := srv.Keys().PublicJWKS(ctx)
	require.NoError(t, err)
	require.Len(t, after.Keys, 2)
	assert.Len(t, after.Key(before.Keys[0].KeyID), 1, "retired key stays published")
	assert.Len(t, after.Key(rotated[0]), 1)
}
