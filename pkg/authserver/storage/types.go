// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage is the provider's grant and session store: clients,
// authorization codes, refresh-token lineage, interactions, consents and
// login sessions.
//
// Every expiring entity is checked lazily on lookup and removed by a periodic
// sweep. Code consumption, refresh-token rotation and interaction updates are
// linearizable per entity.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"
)

// kindError is a sentinel with one or more parent sentinels, so that for
// example an expired code also matches ErrNotFound.
type kindError struct {
	msg     string
	parents []error
}

func (e *kindError) Error() string   { return e.msg }
func (e *kindError) Unwrap() []error { return e.parents }

var (
	// ErrNotFound is returned when an entity does not exist. Expired entities
	// also match it.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when an entity was found but its lifetime has passed.
	ErrExpired error = &kindError{"expired", []error{ErrNotFound}}

	// ErrCodeNotFound is returned by ConsumeAuthorizationCode for unknown codes.
	ErrCodeNotFound error = &kindError{"authorization code not found", []error{ErrNotFound}}

	// ErrCodeExpired is returned by ConsumeAuthorizationCode for expired codes.
	ErrCodeExpired error = &kindError{"authorization code expired", []error{ErrExpired}}

	// ErrCodeAlreadyUsed is returned when a code is presented a second time.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")

	// ErrTokenNotFound is returned for unknown or expired refresh tokens.
	ErrTokenNotFound error = &kindError{"refresh token not found", []error{ErrNotFound}}

	// ErrTokenRevoked is returned for refresh tokens that were rotated away or
	// whose grant was revoked.
	ErrTokenRevoked = errors.New("refresh token revoked")

	// ErrAlreadyExists is returned when creating an entity whose key is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Client is a registered relying party. Clients are immutable once registered.
type Client struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	SecretHash []byte `json:"secret_hash,omitempty"`

	RedirectURIs  []string         `json:"redirect_uris"`
	GrantTypes    fosite.Arguments `json:"grant_types"`
	ResponseTypes fosite.Arguments `json:"response_types"`
	Scopes        fosite.Arguments `json:"scopes"`

	Public                  bool   `json:"public"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
	RequirePKCE             bool   `json:"require_pkce"`
}

// GetID implements fosite.Client.
func (c *Client) GetID() string { return c.ID }

// GetHashedSecret implements fosite.Client.
func (c *Client) GetHashedSecret() []byte { return c.SecretHash }

// GetRedirectURIs implements fosite.Client.
func (c *Client) GetRedirectURIs() []string { return c.RedirectURIs }

// GetGrantTypes implements fosite.Client.
func (c *Client) GetGrantTypes() fosite.Arguments { return c.GrantTypes }

// GetResponseTypes implements fosite.Client.
func (c *Client) GetResponseTypes() fosite.Arguments { return c.ResponseTypes }

// GetScopes implements fosite.Client.
func (c *Client) GetScopes() fosite.Arguments { return c.Scopes }

// GetAudience implements fosite.Client.
func (c *Client) GetAudience() fosite.Arguments { return fosite.Arguments{c.ID} }

// IsPublic implements fosite.Client.
func (c *Client) IsPublic() bool { return c.Public }

var _ fosite.Client = (*Client)(nil)

// AuthorizationCode is a single-use grant handed to the client after consent.
type AuthorizationCode struct {
	// Code is the raw value handed to the client. Backends store codes under
	// their signature and never persist this field.
	Code     string `json:"-"`
	GrantID  string `json:"grant_id"`
	ClientID string `json:"client_id"`
	Subject  string `json:"subject"`

	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	Nonce       string    `json:"nonce,omitempty"`
	AuthTime    time.Time `json:"auth_time"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedAt    time.Time `json:"used_at,omitzero"`
}

// Used reports whether the code has been exchanged.
func (c *AuthorizationCode) Used() bool { return !c.UsedAt.IsZero() }

// RefreshToken is the stored state of an issued refresh token. ID is the
// token's jti. Tokens sharing a GrantID form one rotation lineage.
type RefreshToken struct {
	ID       string    `json:"id"`
	GrantID  string    `json:"grant_id"`
	ParentID string    `json:"parent_id,omitempty"`
	ClientID string    `json:"client_id"`
	Subject  string    `json:"subject"`
	Scopes   []string  `json:"scopes"`
	AuthTime time.Time `json:"auth_time"`

	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RotatedAt  time.Time `json:"rotated_at,omitzero"`
	ReplacedBy string    `json:"replaced_by,omitempty"`
}

// AuthorizeParams are the parameters of the authorize request that started
// an interaction.
type AuthorizeParams struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	ResponseType        string   `json:"response_type"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Prompt              string   `json:"prompt,omitempty"`
}

// Interaction is a pending authorize request waiting for login or consent.
type Interaction struct {
	UID           string          `json:"uid"`
	State         string          `json:"state"`
	Params        AuthorizeParams `json:"params"`
	Subject       string          `json:"subject,omitempty"`
	AuthTime      time.Time       `json:"auth_time,omitzero"`
	LoginAttempts int             `json:"login_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Consent records the scopes a subject approved for a client.
type Consent struct {
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Session is an authenticated browser session.
type Session struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	AuthTime  time.Time `json:"auth_time"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Storage is the grant and session store.
type Storage interface {
	// RegisterClient adds or replaces a client.
	RegisterClient(ctx context.Context, client *Client) error
	// GetClient returns ErrNotFound for unknown clients.
	GetClient(ctx context.Context, id string) (*Client, error)

	// CreateAuthorizationCode stores a fresh code.
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeAuthorizationCode atomically marks the code used and returns it.
	// A second consumption returns ErrCodeAlreadyUsed together with the code,
	// so the caller can revoke its grant.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// StoreRefreshToken records a newly issued refresh token.
	StoreRefreshToken(ctx context.Context, token *RefreshToken) error
	// GetRefreshToken returns ErrTokenNotFound or ErrTokenRevoked for unusable tokens.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// RotateRefreshToken supersedes oldID with next and returns the old record.
	// Presenting an already rotated token revokes the whole grant.
	RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken) (*RefreshToken, error)

	// RevokeGrant invalidates every token derived from grantID.
	RevokeGrant(ctx context.Context, grantID string) error
	// IsGrantRevoked reports whether RevokeGrant was called for grantID.
	IsGrantRevoked(ctx context.Context, grantID string) (bool, error)

	// CreateInteraction stores a new interaction.
	CreateInteraction(ctx context.Context, interaction *Interaction) error
	// GetInteraction returns ErrNotFound or ErrExpired.
	GetInteraction(ctx context.Context, uid string) (*Interaction, error)
	// UpdateInteraction applies fn to the stored interaction under the
	// interaction's lock and persists the result. If fn returns an error
	// nothing is written and that error is returned.
	UpdateInteraction(ctx context.Context, uid string, fn func(*Interaction) error) (*Interaction, error)
	// CompleteInteraction removes the interaction and stores code in one step.
	CompleteInteraction(ctx context.Context, uid string, code *AuthorizationCode) error
	// DeleteInteraction removes the interaction.
	DeleteInteraction(ctx context.Context, uid string) error

	// SaveConsent remembers approved scopes.
	SaveConsent(ctx context.Context, consent *Consent) error
	// GetConsent returns ErrNotFound when no consent exists.
	GetConsent(ctx context.Context, subject, clientID string) (*Consent, error)

	// CreateSession stores a login session.
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns ErrNotFound or ErrExpired.
	GetSession(ctx context.Context, id string) (*Session, error)
	// DeleteSession ends a login session.
	DeleteSession(ctx context.Context, id string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error
	// Close releases background resources.
	Close() error
}
