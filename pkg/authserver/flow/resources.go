// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ory/fosite"

	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/authserver/users"
	"github.com/stacklok/oidcd/pkg/logger"
)

// UserInfo returns the claims of the access token's subject, filtered by the
// token's scopes.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if accessToken == "" {
		return nil, authnErr(ErrInvalidToken, nil)
	}
	claims, err := p.verifier.Verify(ctx, accessToken, token.Expectation{Kind: token.KindAccess})
	if err != nil {
		if token.KindOf(err) == nil {
			return nil, transientErr(err)
		}
		return nil, authnErr(ErrInvalidToken, err)
	}
	if ferr := p.checkGrant(ctx, claims); ferr != nil {
		return nil, ferr
	}
	if !claims.HasScope(ScopeOpenID) {
		return nil, authzErr(ErrInsufficientScope)
	}
	user, err := p.users.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, authnErr(ErrInvalidToken, err)
		}
		return nil, transientErr(err)
	}
	return user.Claims(claims.Scopes), nil
}

func (p *Provider) checkGrant(ctx context.Context, claims *token.Claims) *Error {
	if claims.GrantID == "" {
		return nil
	}
	revoked, err := p.store.IsGrantRevoked(ctx, claims.GrantID)
	if err != nil {
		return transientErr(fmt.Errorf("failed to check grant: %w", err))
	}
	if revoked {
		return authnErr(ErrInvalidToken, storage.ErrTokenRevoked)
	}
	return nil
}

// Introspection is an RFC 7662 response. Only Active is set for unusable
// tokens.
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	JTI       string   `json:"jti,omitempty"`
}

// Introspect reports whether raw is an active token. The caller must be a
// confidential client.
func (p *Provider) Introspect(ctx context.Context, auth ClientAuth, raw string) (*Introspection, error) {
	client, ferr := p.authenticateClient(ctx, auth)
	if ferr != nil {
		return nil, ferr
	}
	if client.IsPublic() {
		return nil, authzErr(fosite.ErrUnauthorizedClient.WithHint("Public clients may not introspect tokens."))
	}
	if raw == "" {
		return nil, clientErr(fosite.ErrInvalidRequest.WithHint("The token parameter is required."))
	}

	claims, active, err := p.activeToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !active {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:    true,
		Scope:     claims.Scope(),
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		ExpiresAt: claims.Expiry.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
		TokenType: introspectionType(claims.Kind),
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		JTI:       claims.ID,
	}, nil
}

// Revoke implements RFC 7009. Revoking any token of a grant revokes the whole
// grant. Unknown or invalid tokens are not an error.
func (p *Provider) Revoke(ctx context.Context, auth ClientAuth, raw string) error {
	client, ferr := p.authenticateClient(ctx, auth)
	if ferr != nil {
		return ferr
	}
	if raw == "" {
		return clientErr(fosite.ErrInvalidRequest.WithHint("The token parameter is required."))
	}

	claims, err := p.verifier.Verify(ctx, raw, token.Expectation{})
	if err != nil {
		if token.KindOf(err) == nil {
			return transientErr(err)
		}
		logger.Debugw("ignoring revocation of an invalid token", "client_id", client.ID)
		return nil
	}
	if claims.ClientID != client.ID {
		return authzErr(fosite.ErrUnauthorizedClient.WithHint("The token was issued to another client."))
	}
	if claims.GrantID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return transientErr(err)
	}
	if err := p.store.RevokeGrant(ctx, claims.GrantID); err != nil {
		return transientErr(fmt.Errorf("failed to revoke grant: %w", err))
	}
	logger.Infow("grant revoked", "grant_id", claims.GrantID, "client_id", client.ID)
	return nil
}

// activeToken verifies raw and checks it against revocation and rotation.
func (p *Provider) activeToken(ctx context.Context, raw string) (*token.Claims, bool, error) {
	claims, err := p.verifier.Verify(ctx, raw, token.Expectation{})
	if err != nil {
		if token.KindOf(err) == nil {
			return nil, false, transientErr(err)
		}
		return nil, false, nil
	}
	if ferr := p.checkGrant(ctx, claims); ferr != nil {
		if ferr.Class == ClassTransient {
			return nil, false, ferr
		}
		return nil, false, nil
	}
	if claims.Kind == token.KindRefresh {
		if _, err := p.store.GetRefreshToken(ctx, claims.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrTokenRevoked) {
				return nil, false, nil
			}
			return nil, false, transientErr(err)
		}
	}
	return claims, true, nil
}

func introspectionType(k token.Kind) string {
	switch k {
	case token.KindAccess:
		return "access_token"
	case token.KindRefresh:
		return "refresh_token"
	default:
		return "id_token"
	}
}
