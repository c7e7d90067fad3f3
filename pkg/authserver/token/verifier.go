// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
)

// VerificationKey is a public key selected by kid.
type VerificationKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
}

// KeyResolver finds the public key for a kid. Implementations return
// ErrKeyNotFound when the kid is not published.
type KeyResolver interface {
	ResolveKey(ctx context.Context, kid string) (*VerificationKey, error)
}

// Expectation is what the caller requires of a token.
type Expectation struct {
	// Kind, when set, must match the token_use claim.
	Kind Kind
	// Audience, when set, must appear in aud.
	Audience string
}

// Verifier checks tokens minted by one issuer.
type Verifier struct {
	issuer   string
	resolver KeyResolver
	leeway   time.Duration
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway tolerates clock skew when checking expiry.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier for tokens from issuer.
func NewVerifier(issuer string, resolver KeyResolver, opts ...VerifierOption) *Verifier {
	v := &Verifier{issuer: issuer, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses raw and checks, in order: structure, key id, signature,
// expiry, then issuer, audience and kind. A rejected token yields a
// *VerificationError. Errors from the resolver other than ErrKeyNotFound are
// returned wrapped, since they say nothing about the token.
func (v *Verifier) Verify(ctx context.Context, raw string, want Expectation) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, servercrypto.SupportedAlgorithms)
	if err != nil {
		return nil, verificationErr(ErrMalformedToken, "%v", err)
	}
	if len(tok.Headers) != 1 {
		return nil, verificationErr(ErrMalformedToken, "expected one signature, got %d", len(tok.Headers))
	}
	header := tok.Headers[0]
	if header.KeyID == "" {
		return nil, verificationErr(ErrMalformedToken, "missing kid header")
	}

	key, err := v.resolver.ResolveKey(ctx, header.KeyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, verificationErr(ErrUnknownKey, "kid %q is not published", header.KeyID)
		}
		return nil, fmt.Errorf("failed to resolve signing key: %w", err)
	}
	if key.Algorithm != "" && key.Algorithm != header.Algorithm {
		return nil, verificationErr(ErrSignatureInvalid,
			"header alg %s does not match key alg %s", header.Algorithm, key.Algorithm)
	}

	var (
		std  jwt.Claims
		priv privateClaims
		all  map[string]any
	)
	if err := tok.Claims(key.Key, &std, &priv, &all); err != nil {
		return nil, verificationErr(ErrSignatureInvalid, "%v", err)
	}

	if std.Expiry == nil {
		return nil, verificationErr(ErrMalformedToken, "missing exp claim")
	}
	now := v.now()
	if !now.Before(std.Expiry.Time().Add(v.leeway)) {
		return nil, verificationErr(ErrExpired, "expired at %s", std.Expiry.Time().UTC().Format(time.RFC3339))
	}

	if std.Issuer != v.issuer {
		return nil, verificationErr(ErrAudienceMismatch, "issuer %q", std.Issuer)
	}
	if want.Audience != "" && !std.Audience.Contains(want.Audience) {
		return nil, verificationErr(ErrAudienceMismatch, "audience %v", []string(std.Audience))
	}
	if want.Kind != "" && priv.TokenUse != want.Kind {
		return nil, verificationErr(ErrAudienceMismatch, "token_use %q", priv.TokenUse)
	}

	return toClaims(std, priv, all, header.KeyID), nil
}

// PublicKeySource lists the currently published keys.
type PublicKeySource interface {
	PublicKeys(ctx context.Context) ([]*keys.PublicKeyData, error)
}

// KeySetResolver resolves kids against a PublicKeySource, typically the
// provider's key manager.
type KeySetResolver struct {
	src PublicKeySource
}

// NewKeySetResolver wraps src.
func NewKeySetResolver(src PublicKeySource) *KeySetResolver {
	return &KeySetResolver{src: src}
}

// ResolveKey returns the key whose id equals kid.
func (r *KeySetResolver) ResolveKey(ctx context.Context, kid string) (*VerificationKey, error) {
	pubs, err := r.src.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range pubs {
		if k.KeyID == kid {
			return &VerificationKey{KeyID: k.KeyID, Algorithm: k.Algorithm, Key: k.PublicKey}, nil
		}
	}
	return nil, ErrKeyNotFound
}

// JWKSResolver resolves kids against a fixed JSON Web Key Set.
type JWKSResolver jose.JSONWebKeySet

// ResolveKey returns the key whose id equals kid.
func (s JWKSResolver) ResolveKey(_ context.Context, kid string) (*VerificationKey, error) {
	set := jose.JSONWebKeySet(s)
	matches := set.Key(kid)
	if len(matches) == 0 {
		return nil, ErrKeyNotFound
	}
	k := matches[0]
	return &VerificationKey{KeyID: k.KeyID, Algorithm: k.Algorithm, Key: k.Key}, nil
}
