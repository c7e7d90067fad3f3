// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) demoTokens(t *testing.T, scopes ...string) *TokenResponse {
	t.Helper()
	req := demoRequest("")
	for i, s := range scopes {
		if i > 0 {
			req.Scope += " "
		}
		req.Scope += s
	}
	code, _ := f.codeFor(t, req, scopes...)
	resp, err := f.provider.Exchange(context.Background(), demoExchange(code))
	require.NoError(t, err)
	return resp
}

func TestUserInfo(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	full := f.demoTokens(t, "openid", "email", "profile")
	claims, err := f.provider.UserInfo(ctx, full.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"sub":            testSubject,
		"email":          "alice@example.com",
		"email_verified": true,
		"name":           "Alice",
	}, claims)

	openidOnly := f.demoTokens(t, "openid")
	claims, err = f.provider.UserInfo(ctx, openidOnly.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sub": testSubject}, claims)
}

func TestUserInfo_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	withOpenID := f.demoTokens(t, "openid")
	emailOnly := f.demoTokens(t, "email")

	tests := []struct {
		name  string
		token string
		class Class
		code  string
	}{
		{name: "missing token", token: "", class: ClassAuthentication, code: "invalid_token"},
		{name: "garbage", token: "not.a.jwt", class: ClassAuthentication, code: "invalid_token"},
		{name: "id token", token: withOpenID.IDToken, class: ClassAuthentication, code: "invalid_token"},
		{name: "refresh token", token: withOpenID.RefreshToken, class: ClassAuthentication, code: "invalid_token"},
		{name: "no openid scope", token: emailOnly.AccessToken, class: ClassAuthorization, code: "insufficient_scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.provider.UserInfo(ctx, tt.token)
			requireFlowError(t, err, tt.class, tt.code)
		})
	}
}

func TestUserInfo_ExpiredToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.demoTokens(t, "openid")
	f.clock.Advance(DefaultAccessTokenTTL + time.Second)

	_, err := f.provider.UserInfo(context.Background(), resp.AccessToken)
	requireFlowError(t, err, ClassAuthentication, "invalid_token")
}

func TestIntrospect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp := f.demoTokens(t, "openid", "email")

	info, err := f.provider.Introspect(ctx, backendAuth(), resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "openid email", info.Scope)
	assert.Equal(t, demoClientID, info.ClientID)
	assert.Equal(t, testSubject, info.Subject)
	assert.Equal(t, "access_token", info.TokenType)
	assert.Equal(t, testIssuer, info.Issuer)
	assert.Equal(t, f.clock.Now().Add(DefaultAccessTokenTTL).Unix(), info.ExpiresAt)
	assert.NotEmpty(t, info.JTI)

	info, err = f.provider.Introspect(ctx, backendAuth(), resp.RefreshToken)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, "refresh_token", info.TokenType)

	info, err = f.provider.Introspect(ctx, backendAuth(), "garbage")
	require.NoError(t, err)
	assert.Equal(t, &Introspection{Active: false}, info)

	// A rotated refresh token is no longer active.
	_, err = f.provider.Exchange(ctx, TokenRequest{
		Client:       ClientAuth{ID: demoClientID},
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: resp.RefreshToken,
	})
	require.NoError(t, err)
	info, err = f.provider.Introspect(ctx, backendAuth(), resp.RefreshToken)
	require.NoError(t, err)
	assert.False(t, info.Active)
}

func TestIntrospect_ClientRequirements(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.provider.Introspect(ctx, ClientAuth{ID: demoClientID}, "x")
	requireFlowError(t, err, ClassAuthorization, "unauthorized_client")

	_, err = f.provider.Introspect(ctx, ClientAuth{ID: backendClientID, Secret: "wrong"}, "x")
	requireFlowError(t, err, ClassAuthentication, "invalid_client")

	_, err = f.provider.Introspect(ctx, backendAuth(), "")
	requireFlowError(t, err, ClassClient, "invalid_request")
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp := f.demoTokens(t, "openid")
	demo := ClientAuth{ID: demoClientID}

	// Unknown tokens are accepted silently.
	require.NoError(t, f.provider.Revoke(ctx, demo, "garbage"))

	// Another client cannot revoke demo's tokens.
	err := f.provider.Revoke(ctx, backendAuth(), resp.RefreshToken)
	requireFlowError(t, err, ClassAuthorization, "unauthorized_client")

	require.NoError(t, f.provider.Revoke(ctx, demo, resp.RefreshToken))

	// Revoking the refresh token kills the access token of the same grant.
	info, err := f.provider.Introspect(ctx, backendAuth(), resp.AccessToken)
	require.NoError(t, err)
	assert.False(t, info.Active)

	_, err = f.provider.UserInfo(ctx, resp.AccessToken)
	requireFlowError(t, err, ClassAuthentication, "invalid_token")

	// Revocation is idempotent.
	require.NoError(t, f.provider.Revoke(ctx, demo, resp.AccessToken))

	err = f.provider.Revoke(ctx, demo, "")
	requireFlowError(t, err, ClassClient, "invalid_request")
}
