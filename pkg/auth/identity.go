// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/token"
)

// Identity is the principal behind a verified bearer token.
type Identity struct {
	// Subject is the sub claim.
	Subject string

	// ClientID is the client the token was issued to.
	ClientID string

	// Scopes are the granted scopes.
	Scopes []string

	// Name and Email are copied from the token when present.
	Name  string
	Email string

	// ExpiresAt is the token expiry.
	ExpiresAt time.Time

	// Claims holds the non-registered claims of the token.
	Claims map[string]any

	// Token is the raw bearer token. It is redacted in String and MarshalJSON.
	Token string
}

// HasScope reports whether scope was granted.
func (i *Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

// String returns a representation with the token redacted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, ClientID:%q}", i.Subject, i.ClientID)
}

// MarshalJSON redacts the raw token.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type SafeIdentity struct {
		Subject   string         `json:"subject"`
		ClientID  string         `json:"clientId"`
		Scopes    []string       `json:"scopes"`
		Name      string         `json:"name,omitempty"`
		Email     string         `json:"email,omitempty"`
		ExpiresAt time.Time      `json:"expiresAt"`
		Claims    map[string]any `json:"claims,omitempty"`
		Token     string         `json:"token,omitempty"`
	}

	tok := i.Token
	if tok != "" {
		tok = "REDACTED"
	}

	return json.Marshal(&SafeIdentity{
		Subject:   i.Subject,
		ClientID:  i.ClientID,
		Scopes:    i.Scopes,
		Name:      i.Name,
		Email:     i.Email,
		ExpiresAt: i.ExpiresAt,
		Claims:    i.Claims,
		Token:     tok,
	})
}

func identityFromClaims(c *token.Claims, raw string) *Identity {
	id := &Identity{
		Subject:   c.Subject,
		ClientID:  c.ClientID,
		Scopes:    c.Scopes,
		ExpiresAt: c.Expiry,
		Claims:    c.Extra,
		Token:     raw,
	}
	if name, ok := c.Extra["name"].(string); ok {
		id.Name = name
	}
	if email, ok := c.Extra["email"].(string); ok {
		id.Email = email
	}
	return id
}
