// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
)

const testIssuer = "https://idp.example.test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *fakeClock
	manager  *keys.Manager
	issuer   *Issuer
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	m, err := keys.NewManager(context.Background(), keys.NewGeneratingProvider(""),
		keys.WithClock(clock.Now), keys.WithRetentionPeriod(time.Hour))
	require.NoError(t, err)
	return &fixture{
		clock:    clock,
		manager:  m,
		issuer:   NewIssuer(testIssuer, m, WithIssuerClock(clock.Now)),
		verifier: NewVerifier(testIssuer, NewKeySetResolver(m), WithVerifierClock(clock.Now)),
	}
}

func baseRequest() Request {
	return Request{
		Subject:  "user-1",
		ClientID: "demo",
		Scopes:   []string{"openid", "email"},
		TTL:      10 * time.Minute,
		GrantID:  "grant-1",
	}
}

func TestIssueVerify_RoundTripForEveryKind(t *testing.T) {
	t.Parallel()

	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()

			raw, issued, err := f.issuer.Issue(ctx, kind, baseRequest())
			require.NoError(t, err)

			claims, err := f.verifier.Verify(ctx, raw, Expectation{Kind: kind, Audience: "demo"})
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
			assert.Equal(t, "demo", claims.ClientID)
			assert.Equal(t, []string{"openid", "email"}, claims.Scopes)
			assert.Equal(t, "openid email", claims.Scope())
			assert.Equal(t, "grant-1", claims.GrantID)
			assert.Equal(t, kind, claims.Kind)
			assert.Equal(t, issued.ID, claims.ID)
			assert.Equal(t, issued.KeyID, claims.KeyID)
			assert.WithinDuration(t, f.clock.Now().Add(10*time.Minute), claims.Expiry, 0)

			f.clock.Advance(10*time.Minute - time.Second)
			_, err = f.verifier.Verify(ctx, raw, Expectation{Kind: kind})
			require.NoError(t, err)

			f.clock.Advance(time.Second)
			_, err = f.verifier.Verify(ctx, raw, Expectation{Kind: kind})
			require.ErrorIs(t, err, ErrExpired)
		})
	}
}

func TestVerify_LeewayToleratesSkew(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	raw, _, err := f.issuer.Issue(ctx, KindAccess, baseRequest())
	require.NoError(t, err)

	lenient := NewVerifier(testIssuer, NewKeySetResolver(f.manager),
		WithVerifierClock(f.clock.Now), WithLeeway(30*time.Second))

	f.clock.Advance(10*time.Minute + 10*time.Second)
	_, err = lenient.Verify(ctx, raw, Expectation{})
	require.NoError(t, err)
	_, err = f.verifier.Verify(ctx, raw, Expectation{})
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerify_UnknownKidIsRejectedEvenWithOtherKeysPublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	signer := newFixture(t)
	other := newFixture(t)

	raw, _, err := signer.issuer.Issue(ctx, KindAccess, baseRequest())
	require.NoError(t, err)

	// other publishes a valid key, just not the one that signed.
	_, err = other.verifier.Verify(ctx, raw, Expectation{})
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrUnknownKey, ve.Kind)
	assert.Equal(t, ErrUnknownKey, KindOf(err))
}

type forgedKeySource struct {
	real  *keys.Manager
	kidOf *keys.Manager
}

func (s forgedKeySource) SigningKey(ctx context.Context) (*keys.SigningKeyData, error) {
	k, err := s.real.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	victim, err := s.kidOf.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	k.KeyID = victim.KeyID
	return k, nil
}

func TestVerify_SignatureFromWrongKeyUnderPublishedKid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	victim := newFixture(t)
	attacker := newFixture(t)

	forger := NewIssuer(testIssuer, forgedKeySource{real: attacker.manager, kidOf: victim.manager},
		WithIssuerClock(victim.clock.Now))
	raw, _, err := forger.Issue(ctx, KindAccess, baseRequest())
	require.NoError(t, err)

	_, err = victim.verifier.Verify(ctx, raw, Expectation{})
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_ClaimMismatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	raw, _, err := f.issuer.Issue(ctx, KindAccess, baseRequest())
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *Verifier
		want     Expectation
	}{
		{
			name:     "wrong audience",
			verifier: f.verifier,
			want:     Expectation{Audience: "someone-else"},
		},
		{
			name:     "wrong kind",
			verifier: f.verifier,
			want:     Expectation{Kind: KindRefresh},
		},
		{
			name:     "wrong issuer",
			verifier: NewVerifier("https://other.example.test", NewKeySetResolver(f.manager), WithVerifierClock(f.clock.Now)),
			want:     Expectation{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.verifier.Verify(ctx, raw, tt.want)
			require.ErrorIs(t, err, ErrAudienceMismatch)
		})
	}
}

func TestVerify_Malformed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	raw, _, err := f.issuer.Issue(ctx, KindAccess, baseRequest())
	require.NoError(t, err)
	parts := strings.Split(raw, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tampered := base64.RawURLEncoding.EncodeToString([]byte(strings.Replace(string(payload), "user-1", "user-2", 1)))

	tests := []struct {
		name  string
		token string
		kind  error
	}{
		{"empty", "", ErrMalformedToken},
		{"garbage", "not-a-jwt", ErrMalformedToken},
		{"unsigned alg none", "eyJhbGciOiJub25lIn0." + parts[1] + ".", ErrMalformedToken},
		{"missing kid", "eyJhbGciOiJFUzI1NiJ9." + parts[1] + "." + parts[2], ErrMalformedToken},
		{"tampered payload", parts[0] + "." + tampered + "." + parts[2], ErrSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.verifier.Verify(ctx, tt.token, Expectation{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestVerify_RetiredKeyUntilPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	req := baseRequest()
	req.TTL = 2 * time.Hour
	raw, _, err := f.issuer.Issue(ctx, KindAccess, req)
	require.NoError(t, err)

	require.NoError(t, f.manager.Rotate(ctx))
	_, err = f.verifier.Verify(ctx, raw, Expectation{})
	require.NoError(t, err, "retired key inside retention still verifies")

	f.clock.Advance(time.Hour)
	f.manager.Purge()
	_, err = f.verifier.Verify(ctx, raw, Expectation{})
	require.ErrorIs(t, err, ErrUnknownKey)
}

type failingResolver struct{}

func (failingResolver) ResolveKey(context.Context, string) (*VerificationKey, error) {
	return nil, errors.New("jwks endpoint unreachable")
}

func TestVerify_ResolverFailureIsNotAVerificationError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	raw, _, err := f.issuer.Issue(ctx, KindAccess, baseRequest())
	require.NoError(t, err)

	_, err = NewVerifier(testIssuer, failingResolver{}).Verify(ctx, raw, Expectation{})
	require.Error(t, err)
	assert.Nil(t, KindOf(err))
}

func TestJWKSResolver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	set, err := f.manager.PublicJWKS(ctx)
	require.NoError(t, err)

	raw, _, err := f.issuer.Issue(ctx, KindID, baseRequest())
	require.NoError(t, err)

	v := NewVerifier(testIssuer, JWKSResolver(set), WithVerifierClock(f.clock.Now))
	_, err = v.Verify(ctx, raw, Expectation{Kind: KindID})
	require.NoError(t, err)

	_, err = JWKSResolver(jose.JSONWebKeySet{}).ResolveKey(ctx, "nope")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestIssue_ExtraClaimsAndAtHash(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	req := baseRequest()
	req.AccessToken = "access-token-value"
	req.Extra = map[string]any{
		"email": "test@example.com",
		"nonce": "n-0S6_WzA2Mj",
		"sub":   "attacker",
	}
	raw, _, err := f.issuer.Issue(ctx, KindID, req)
	require.NoError(t, err)

	claims, err := f.verifier.Verify(ctx, raw, Expectation{Kind: KindID})
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject, "reserved claims cannot be overridden")
	assert.Equal(t, "test@example.com", claims.Extra["email"])
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Extra["nonce"])

	want, err := AccessTokenHash("access-token-value", keys.DefaultAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, want, claims.Extra["at_hash"])
}

func TestIssue_RejectsBadRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.issuer.Issue(ctx, Kind("session"), baseRequest())
	require.Error(t, err)

	req := baseRequest()
	req.TTL = 0
	_, _, err = f.issuer.Issue(ctx, KindAccess, req)
	require.Error(t, err)

	req = baseRequest()
	req.Subject = ""
	_, _, err = f.issuer.Issue(ctx, KindAccess, req)
	require.Error(t, err)
}

func TestAccessTokenHash(t *testing.T) {
	t.Parallel()

	// OIDC Core A.3 example.
	got, err := AccessTokenHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y", "RS256")
	require.NoError(t, err)
	assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ", got)

	_, err = AccessTokenHash("x", "HS256")
	require.Error(t, err)
}
