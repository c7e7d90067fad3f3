// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the provider's signed JWTs.
//
// Every token carries the signing key id in its header. Verification looks
// up exactly that key through a KeyResolver and never falls back to another
// key in the set.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
)

// SigningKeySource supplies the key that signs new tokens.
type SigningKeySource interface {
	SigningKey(ctx context.Context) (*keys.SigningKeyData, error)
}

// Request describes a token to mint.
type Request struct {
	Subject  string
	ClientID string
	// Audience defaults to ClientID when empty.
	Audience []string
	Scopes   []string
	TTL      time.Duration
	GrantID  string
	Extra    map[string]any

	// AccessToken, when set on an ID token request, adds the at_hash claim
	// computed with the same key that signs the ID token.
	AccessToken string
}

// Issuer signs tokens for one issuer identifier.
type Issuer struct {
	issuer  string
	keys    SigningKeySource
	now     func() time.Time
	onIssue func(ctx context.Context, kind Kind)
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithIssueHook registers a callback run after each token is signed.
func WithIssueHook(fn func(ctx context.Context, kind Kind)) IssuerOption {
	return func(i *Issuer) { i.onIssue = fn }
}

// NewIssuer creates an Issuer that signs with keys from src.
func NewIssuer(issuer string, src SigningKeySource, opts ...IssuerOption) *Issuer {
	i := &Issuer{issuer: issuer, keys: src, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssuerID returns the configured issuer identifier.
func (i *Issuer) IssuerID() string {
	return i.issuer
}

// Issue signs a token of kind for req and returns the compact serialization
// together with the claims it carries.
func (i *Issuer) Issue(ctx context.Context, kind Kind, req Request) (string, *Claims, error) {
	if !slices.Contains(Kinds, kind) {
		return "", nil, fmt.Errorf("unsupported token kind %q", kind)
	}
	if req.TTL <= 0 {
		return "", nil, errors.New("token lifetime must be positive")
	}
	if req.Subject == "" || req.ClientID == "" {
		return "", nil, errors.New("subject and client are required")
	}

	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(key.Algorithm),
			Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID, Algorithm: key.Algorithm},
		},
		(&jose.SignerOptions{}).WithType(typeHeader(kind)),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create signer: %w", err)
	}

	audience := req.Audience
	if len(audience) == 0 {
		audience = []string{req.ClientID}
	}

	now := i.now().Truncate(time.Second)
	std := jwt.Claims{
		ID:       uuid.NewString(),
		Issuer:   i.issuer,
		Subject:  req.Subject,
		Audience: jwt.Audience(audience),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(req.TTL)),
	}
	priv := privateClaims{
		ClientID: req.ClientID,
		Scope:    strings.Join(req.Scopes, " "),
		GrantID:  req.GrantID,
		TokenUse: kind,
	}

	extra := make(map[string]any, len(req.Extra))
	for k, v := range req.Extra {
		if _, reserved := reservedClaims[k]; !reserved {
			extra[k] = v
		}
	}

	if kind == KindID && req.AccessToken != "" {
		atHash, err := AccessTokenHash(req.AccessToken, key.Algorithm)
		if err != nil {
			return "", nil, err
		}
		extra["at_hash"] = atHash
	}

	raw, err := jwt.Signed(signer).Claims(std).Claims(priv).Claims(extra).Serialize()
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	if i.onIssue != nil {
		i.onIssue(ctx, kind)
	}

	claims := toClaims(std, priv, extra, key.KeyID)
	return raw, claims, nil
}

func typeHeader(kind Kind) jose.ContentType {
	switch kind {
	case KindAccess:
		return "at+jwt"
	case KindRefresh:
		return "rt+jwt"
	default:
		return "JWT"
	}
}

// AccessTokenHash computes the OIDC at_hash of accessToken for alg.
func AccessTokenHash(accessToken, alg string) (string, error) {
	var h hash.Hash
	switch alg {
	case "RS256", "ES256":
		h = sha256.New()
	case "RS384", "ES384":
		h = sha512.New384()
	case "RS512", "ES512", "EdDSA":
		h = sha512.New()
	default:
		return "", fmt.Errorf("no at_hash digest for algorithm %q", alg)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
