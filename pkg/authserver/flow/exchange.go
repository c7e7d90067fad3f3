// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/authserver/users"
	"github.com/stacklok/oidcd/pkg/logger"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// TokenTypeBearer is the token_type of every access token.
const TokenTypeBearer = "Bearer"

// ClientAuth carries the credentials a client presented.
type ClientAuth struct {
	ID     string
	Secret string
}

// TokenRequest is a token endpoint request.
type TokenRequest struct {
	Client       ClientAuth
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// ParseTokenRequest reads a TokenRequest from form values. Client
// credentials sent with HTTP Basic must be set by the caller.
func ParseTokenRequest(form url.Values) TokenRequest {
	return TokenRequest{
		Client: ClientAuth{
			ID:     form.Get("client_id"),
			Secret: form.Get("client_secret"),
		},
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
	}
}

// TokenResponse is the successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// grant is what a set of tokens is minted for.
type grant struct {
	ID       string
	Subject  string
	Scopes   []string
	AuthTime time.Time
	Nonce    string

	// RefreshScopes, when non-nil, is carried by the refresh token instead
	// of Scopes. Down-scoped refreshes keep the original scope.
	RefreshScopes []string
}

// Exchange runs the token endpoint.
func (p *Provider) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials:
	case "":
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The grant_type parameter is required."))
	default:
		return nil, clientErr(fosite.ErrUnsupportedGrantType)
	}

	client, ferr := p.authenticateClient(ctx, req.Client)
	if ferr != nil {
		return nil, ferr
	}
	if !client.GetGrantTypes().Has(req.GrantType) {
		return nil, authzErr(fosite.ErrUnauthorizedClient.WithHintf("The client may not use the %s grant.", req.GrantType))
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return p.exchangeCode(ctx, client, req)
	case GrantTypeRefreshToken:
		return p.exchangeRefreshToken(ctx, client, req)
	default:
		return p.exchangeClientCredentials(ctx, client, req)
	}
}

// authenticateClient checks the presented credentials. Public clients must
// not send a secret; confidential clients must send the registered one.
func (p *Provider) authenticateClient(ctx context.Context, auth ClientAuth) (*storage.Client, *Error) {
	if auth.ID == "" {
		return nil, authnErr(fosite.ErrInvalidClient.WithHint("Client authentication is required."), nil)
	}
	client, err := p.store.GetClient(ctx, auth.ID)
	if err != nil {
		return nil, storeErr(err, authnErr(fosite.ErrInvalidClient, nil))
	}
	if client.IsPublic() {
		if auth.Secret != "" {
			return nil, authnErr(fosite.ErrInvalidClient.WithHint("Public clients must not send a secret."), nil)
		}
		return client, nil
	}
	if err := servercrypto.CompareSecret(client.SecretHash, auth.Secret); err != nil {
		return nil, authnErr(fosite.ErrInvalidClient, err)
	}
	return client, nil
}

func (p *Provider) exchangeCode(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The code parameter is required."))
	}
	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}

	code, err := p.store.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrCodeAlreadyUsed):
		p.codeReplayed(ctx, code)
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The authorization code has already been used."), err)
	case errors.Is(err, storage.ErrNotFound):
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The authorization code is invalid or expired."), err)
	case err != nil:
		return nil, transientErr(fmt.Errorf("failed to consume authorization code: %w", err))
	}

	if code.ClientID != client.ID {
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The authorization code was issued to another client."), nil)
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The redirect_uri does not match the authorize request."), nil)
	}
	switch {
	case code.CodeChallenge != "":
		if !servercrypto.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
			return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The code_verifier does not match the code_challenge."), nil)
		}
	case req.CodeVerifier != "":
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("A code_verifier was sent for a request without PKCE."), nil)
	}

	resp, refresh, ferr := p.mint(ctx, client, grant{
		ID:       code.GrantID,
		Subject:  code.Subject,
		Scopes:   code.Scopes,
		AuthTime: code.AuthTime,
		Nonce:    code.Nonce,
	})
	if ferr != nil {
		return nil, ferr
	}
	if refresh != nil {
		if err := p.store.StoreRefreshToken(ctx, refresh); err != nil {
			return nil, transientErr(fmt.Errorf("failed to store refresh token: %w", err))
		}
	}
	p.finished(ctx, StateTokenExchanged)
	return resp, nil
}

// codeReplayed revokes everything issued from a code that was presented twice.
func (p *Provider) codeReplayed(ctx context.Context, code *storage.AuthorizationCode) {
	p.observer.CodeReplayed(ctx)
	if code == nil || code.GrantID == "" {
		return
	}
	if err := p.store.RevokeGrant(ctx, code.GrantID); err != nil {
		logger.Errorw("failed to revoke grant after code replay", "grant_id", code.GrantID, "error", err)
		return
	}
	logger.Warnw("authorization code replay detected, grant revoked",
		"grant_id", code.GrantID, "client_id", code.ClientID)
}

func (p *Provider) exchangeRefreshToken(
	ctx context.Context, client *storage.Client, req TokenRequest,
) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The refresh_token parameter is required."))
	}
	claims, err := p.verifier.Verify(ctx, req.RefreshToken, token.Expectation{Kind: token.KindRefresh, Audience: client.ID})
	if err != nil {
		if token.KindOf(err) == nil {
			return nil, transientErr(err)
		}
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The refresh token is invalid."), err)
	}
	if claims.ClientID != client.ID {
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The refresh token was issued to another client."), nil)
	}

	rec, err := p.store.GetRefreshToken(ctx, claims.ID)
	switch {
	case errors.Is(err, storage.ErrTokenRevoked):
		p.refreshReplayed(ctx, claims)
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The refresh token has been revoked."), err)
	case errors.Is(err, storage.ErrNotFound):
		return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The refresh token is invalid."), err)
	case err != nil:
		return nil, transientErr(fmt.Errorf("failed to load refresh token: %w", err))
	}

	scopes := rec.Scopes
	if requested := strings.Fields(req.Scope); len(requested) > 0 {
		for _, s := range requested {
			if !slices.Contains(rec.Scopes, s) {
				return nil, clientErr(fosite.ErrInvalidScope.WithHintf("Scope %q was not originally granted.", s))
			}
		}
		scopes = requested
	}

	resp, next, ferr := p.mint(ctx, client, grant{
		ID:            rec.GrantID,
		Subject:       rec.Subject,
		Scopes:        scopes,
		AuthTime:      rec.AuthTime,
		RefreshScopes: rec.Scopes,
	})
	if ferr != nil {
		return nil, ferr
	}
	if next == nil {
		return nil, authzErr(fosite.ErrUnauthorizedClient.WithHint("The client may not use refresh tokens."))
	}

	if err := ctx.Err(); err != nil {
		return nil, transientErr(err)
	}
	if _, err := p.store.RotateRefreshToken(ctx, rec.ID, next); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrNotFound) {
			return nil, authnErr(fosite.ErrInvalidGrant.WithHint("The refresh token has been revoked."), err)
		}
		return nil, transientErr(fmt.Errorf("failed to rotate refresh token: %w", err))
	}
	return resp, nil
}

// refreshReplayed revokes the grant of a rotated refresh token presented again.
func (p *Provider) refreshReplayed(ctx context.Context, claims *token.Claims) {
	if claims.GrantID == "" {
		return
	}
	if err := p.store.RevokeGrant(ctx, claims.GrantID); err != nil {
		logger.Errorw("failed to revoke grant after refresh token reuse", "grant_id", claims.GrantID, "error", err)
		return
	}
	logger.Warnw("revoked refresh token presented", "grant_id", claims.GrantID, "client_id", claims.ClientID)
}

func (p *Provider) exchangeClientCredentials(
	ctx context.Context, client *storage.Client, req TokenRequest,
) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, authzErr(fosite.ErrUnauthorizedClient.WithHint("Public clients may not use client_credentials."))
	}
	var scopes []string
	if requested := strings.Fields(req.Scope); len(requested) > 0 {
		for _, s := range requested {
			if !client.GetScopes().Has(s) {
				return nil, clientErr(fosite.ErrInvalidScope.WithHintf("The client may not request scope %q.", s))
			}
		}
		scopes = requested
	} else {
		scopes = slices.Clone([]string(client.Scopes))
	}
	scopes = slices.DeleteFunc(scopes, func(s string) bool { return s == ScopeOpenID })

	access, _, err := p.issuer.Issue(ctx, token.KindAccess, token.Request{
		Subject:  client.ID,
		ClientID: client.ID,
		Scopes:   scopes,
		TTL:      p.cfg.AccessTokenTTL,
		GrantID:  uuid.NewString(),
	})
	if err != nil {
		return nil, issueErr(err)
	}
	return &TokenResponse{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(p.cfg.AccessTokenTTL / time.Second),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// mint issues the access token, the ID token when openid was granted, and a
// refresh token when the client may refresh. The refresh record is returned
// for the caller to persist.
func (p *Provider) mint(
	ctx context.Context, client *storage.Client, g grant,
) (*TokenResponse, *storage.RefreshToken, *Error) {
	user, err := p.users.Get(ctx, g.Subject)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, nil, authnErr(fosite.ErrInvalidGrant.WithHint("The user no longer exists."), err)
		}
		return nil, nil, transientErr(err)
	}
	profile := user.Claims(g.Scopes)
	delete(profile, "sub")

	access, _, err := p.issuer.Issue(ctx, token.KindAccess, token.Request{
		Subject:  g.Subject,
		ClientID: client.ID,
		Scopes:   g.Scopes,
		TTL:      p.cfg.AccessTokenTTL,
		GrantID:  g.ID,
		Extra:    profile,
	})
	if err != nil {
		return nil, nil, issueErr(err)
	}
	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(p.cfg.AccessTokenTTL / time.Second),
		Scope:       strings.Join(g.Scopes, " "),
	}

	if slices.Contains(g.Scopes, ScopeOpenID) {
		idToken, ferr := p.mintIDToken(ctx, client, g, profile, access)
		if ferr != nil {
			return nil, nil, ferr
		}
		resp.IDToken = idToken
	}

	if !client.GetGrantTypes().Has(GrantTypeRefreshToken) {
		return resp, nil, nil
	}
	refreshScopes := g.Scopes
	if g.RefreshScopes != nil {
		refreshScopes = g.RefreshScopes
	}
	raw, claims, err := p.issuer.Issue(ctx, token.KindRefresh, token.Request{
		Subject:  g.Subject,
		ClientID: client.ID,
		Scopes:   refreshScopes,
		TTL:      p.cfg.RefreshTokenTTL,
		GrantID:  g.ID,
	})
	if err != nil {
		return nil, nil, issueErr(err)
	}
	resp.RefreshToken = raw
	return resp, &storage.RefreshToken{
		ID:        claims.ID,
		GrantID:   g.ID,
		ClientID:  client.ID,
		Subject:   g.Subject,
		Scopes:    slices.Clone(refreshScopes),
		AuthTime:  g.AuthTime,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.Expiry,
	}, nil
}

// mintIDToken issues the ID token carrying the profile claims released for
// the grant's scopes.
func (p *Provider) mintIDToken(
	ctx context.Context, client *storage.Client, g grant, profile map[string]any, access string,
) (string, *Error) {
	extra := maps.Clone(profile)
	if !g.AuthTime.IsZero() {
		extra["auth_time"] = g.AuthTime.Unix()
	}
	if g.Nonce != "" {
		extra["nonce"] = g.Nonce
	}
	raw, _, err := p.issuer.Issue(ctx, token.KindID, token.Request{
		Subject:     g.Subject,
		ClientID:    client.ID,
		Scopes:      g.Scopes,
		TTL:         p.cfg.IDTokenTTL,
		GrantID:     g.ID,
		Extra:       extra,
		AccessToken: access,
	})
	if err != nil {
		return "", issueErr(err)
	}
	return raw, nil
}

func issueErr(err error) *Error {
	logger.Errorw("failed to issue token", "error", err)
	return newError(ClassFatal, fosite.ErrServerError, err)
}
