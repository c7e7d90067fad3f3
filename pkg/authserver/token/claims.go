// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
)

// Kind distinguishes the tokens the provider mints.
type Kind string

// Supported token kinds.
const (
	KindAccess  Kind = "access"
	KindID      Kind = "id"
	KindRefresh Kind = "refresh"
)

// Kinds lists every supported Kind.
var Kinds = []Kind{KindAccess, KindID, KindRefresh}

// Claims is the verified content of a token.
type Claims struct {
	ID       string
	Issuer   string
	Subject  string
	ClientID string
	Audience []string
	Scopes   []string
	GrantID  string
	Kind     Kind
	KeyID    string
	IssuedAt time.Time
	Expiry   time.Time

	// Extra holds non-registered claims such as email or nonce.
	Extra map[string]any
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Scope renders Scopes as a space separated string.
func (c *Claims) Scope() string {
	return strings.Join(c.Scopes, " ")
}

// privateClaims are the provider specific claims every token carries.
type privateClaims struct {
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	GrantID  string `json:"grant_id,omitempty"`
	TokenUse Kind   `json:"token_use"`
}

// reservedClaims cannot be set through Request.Extra.
var reservedClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"client_id": {}, "scope": {}, "grant_id": {}, "token_use": {},
}

func toClaims(std jwt.Claims, priv privateClaims, all map[string]any, kid string) *Claims {
	c := &Claims{
		ID:       std.ID,
		Issuer:   std.Issuer,
		Subject:  std.Subject,
		ClientID: priv.ClientID,
		Audience: []string(std.Audience),
		Scopes:   strings.Fields(priv.Scope),
		GrantID:  priv.GrantID,
		Kind:     priv.TokenUse,
		KeyID:    kid,
	}
	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		c.Expiry = std.Expiry.Time()
	}
	for k, v := range all {
		if _, ok := reservedClaims[k]; ok {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return c
}
