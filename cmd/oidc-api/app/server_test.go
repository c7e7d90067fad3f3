// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcd/pkg/auth"
	"github.com/stacklok/oidcd/pkg/authserver"
	"github.com/stacklok/oidcd/pkg/authserver/flow"
	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/users"
	"github.com/stacklok/oidcd/pkg/oauth"
)

const (
	demoCallback = "http://localhost:8080/callback"
	codeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testProvider struct {
	srv *httptest.Server
	op  *authserver.Server
}

// newTestProvider serves a provider with one public client and one user.
func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	hash, err := servercrypto.HashSecret("wonderland")
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(nil)
	op, err := authserver.New(context.Background(), authserver.Config{
		Issuer: "http://" + ts.Listener.Addr().String(),
		Clients: []authserver.ClientConfig{{
			ID:           "demo",
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
			Name:          "Alice",
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = op.Close() })

	ts.Config.Handler = op.Handler()
	ts.Start()
	t.Cleanup(ts.Close)
	return &testProvider{srv: ts, op: op}
}

// accessToken logs alice in for scope and redeems the code.
func (tp *testProvider) accessToken(t *testing.T, scope string) string {
	t.Helper()
	ctx := context.Background()
	p := tp.op.Provider()

	out, err := p.Authorize(ctx, flow.AuthorizeRequest{
		ClientID:            "demo",
		RedirectURI:         demoCallback,
		ResponseType:        flow.ResponseTypeCode,
		Scope:               scope,
		State:               "state-1",
		CodeChallenge:       servercrypto.ComputePKCEChallenge(codeVerifier),
		CodeChallengeMethod: servercrypto.PKCEChallengeMethodS256,
	}, "")
	require.NoError(t, err)
	require.Equal(t, flow.StateLoginPending, out.State)

	out, err = p.SubmitLogin(ctx, out.InteractionUID, "alice", "wonderland")
	require.NoError(t, err)
	if out.State == flow.StateConsentPending {
		out, err = p.SubmitConsent(ctx, out.InteractionUID, strings.Fields(scope))
		require.NoError(t, err)
	}
	require.Equal(t, flow.StateCodeIssued, out.State)

	u, err := url.Parse(out.RedirectURL)
	require.NoError(t, err)
	resp, err := p.Exchange(ctx, flow.TokenRequest{
		Client:       flow.ClientAuth{ID: "demo"},
		GrantType:    flow.GrantTypeAuthorizationCode,
		Code:         u.Query().Get("code"),
		RedirectURI:  demoCallback,
		CodeVerifier: codeVerifier,
	})
	require.NoError(t, err)
	return resp.AccessToken
}

func newTestRouter(t *testing.T) (http.Handler, *testProvider) {
	t.Helper()
	tp := newTestProvider(t)
	v, err := auth.NewTokenValidator(context.Background(), auth.Config{
		Issuer:            tp.srv.URL,
		ResourceURL:       "https://api.example.com",
		AllowLoopbackHTTP: true,
	})
	require.NoError(t, err)
	return NewRouter(v), tp
}

func TestRouter(t *testing.T) {
	t.Parallel()
	router, tp := newTestRouter(t)

	withOpenID := tp.accessToken(t, "openid email")
	withProfile := tp.accessToken(t, "openid profile")
	emailOnly := tp.accessToken(t, "email")

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "health",
			path:       "/health",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				t.Helper()
				assert.Equal(t, "ok", body["status"])
			},
		},
		{
			name:       "resource metadata",
			path:       oauth.WellKnownOAuthResourcePath,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				t.Helper()
				assert.Equal(t, "https://api.example.com", body["resource"])
			},
		},
		{name: "protected without token", path: "/api/protected", wantStatus: http.StatusUnauthorized},
		{name: "protected with garbage", path: "/api/protected", token: "not.a.jwt", wantStatus: http.StatusUnauthorized},
		{
			name:       "protected",
			path:       "/api/protected",
			token:      withOpenID,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				t.Helper()
				assert.Equal(t, "This is a protected resource", body["message"])
				user, ok := body["user"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "user-1", user["subject"])
				assert.Equal(t, "REDACTED", user["token"])
			},
		},
		{
			name:       "profile",
			path:       "/api/profile",
			token:      withOpenID,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				t.Helper()
				assert.Equal(t, map[string]any{"id": "user-1", "email": "alice@example.com"}, body)
			},
		},
		{
			name:       "profile with profile scope",
			path:       "/api/profile",
			token:      withProfile,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				t.Helper()
				assert.Equal(t, map[string]any{"id": "user-1", "name": "Alice"}, body)
			},
		},
		{
			name:       "profile without openid scope",
			path:       "/api/profile",
			token:      emailOnly,
			wantStatus: http.StatusForbidden,
			check: func(t *testing.T, body map[string]any) {
				t.Helper()
				assert.Equal(t, "insufficient_scope", body["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.check == nil {
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			tt.check(t, body)
		})
	}
}

func TestErrorHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "client error", err: httperr.WithCode(errors.New("bad input"), http.StatusBadRequest), wantStatus: http.StatusBadRequest, wantError: "bad input"},
		{name: "server error hides details", err: errors.New("database password is hunter2"), wantStatus: http.StatusInternalServerError, wantError: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := ErrorHandler(func(http.ResponseWriter, *http.Request) error { return tt.err })
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}
