// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/authserver/users"
)

const (
	testIssuer       = "https://idp.example.test"
	demoRedirect     = "http://localhost:8080/callback"
	backendRedirect  = "https://backend.example.test/cb"
	testUsername     = "alice"
	testPassword     = "wonderland"
	testSubject      = "user-1"
	backendSecret    = "s3cret-backend"
	backendClientID  = "backend"
	demoClientID     = "demo"
	testCodeVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

// Hashing is slow, so every fixture shares the same hashes.
var testHashes = sync.OnceValues(func() ([]byte, []byte) {
	pw, err := servercrypto.HashSecret(testPassword)
	if err != nil {
		panic(err)
	}
	secret, err := servercrypto.HashSecret(backendSecret)
	if err != nil {
		panic(err)
	}
	return pw, secret
})

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

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []State
	replays  int
}

func (o *recordingObserver) AuthorizationFinished(_ context.Context, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, s)
}

func (o *recordingObserver) CodeReplayed(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replays++
}

func (o *recordingObserver) snapshot() ([]State, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.outcomes...), o.replays
}

type fixture struct {
	clock    *fakeClock
	keys     *keys.Manager
	store    *storage.MemoryStorage
	verifier *token.Verifier
	observer *recordingObserver
	provider *Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	pwHash, secretHash := testHashes()

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	km, err := keys.NewManager(ctx, keys.NewGeneratingProvider(""), keys.WithClock(clock.Now))
	require.NoError(t, err)

	store := storage.NewMemoryStorage(storage.WithClock(clock.Now), storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.RegisterClient(ctx, &storage.Client{
		ID:            demoClientID,
		Name:          "Demo App",
		RedirectURIs:  []string{demoRedirect},
		GrantTypes:    fosite.Arguments{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ResponseTypes: fosite.Arguments{ResponseTypeCode},
		Scopes:        fosite.Arguments{"openid", "email", "profile"},
		Public:        true,
		RequirePKCE:   true,
	}))
	require.NoError(t, store.RegisterClient(ctx, &storage.Client{
		ID:            backendClientID,
		SecretHash:    secretHash,
		RedirectURIs:  []string{backendRedirect},
		GrantTypes:    fosite.Arguments{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials},
		ResponseTypes: fosite.Arguments{ResponseTypeCode},
		Scopes:        fosite.Arguments{"openid", "email", "profile", "api"},
	}))

	dir, err := users.NewDirectory([]users.Config{{
		Subject:       testSubject,
		Username:      testUsername,
		PasswordHash:  string(pwHash),
		Email:         "alice@example.com",
		EmailVerified: true,
		Name:          "Alice",
	}})
	require.NoError(t, err)

	issuer := token.NewIssuer(testIssuer, km, token.WithIssuerClock(clock.Now))
	verifier := token.NewVerifier(testIssuer, token.NewKeySetResolver(km), token.WithVerifierClock(clock.Now))
	observer := &recordingObserver{}

	p, err := NewProvider(Config{}, store, dir, issuer, verifier, WithClock(clock.Now), WithObserver(observer))
	require.NoError(t, err)

	return &fixture{clock: clock, keys: km, store: store, verifier: verifier, observer: observer, provider: p}
}

func demoRequest(scope string) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            demoClientID,
		RedirectURI:         demoRedirect,
		ResponseType:        ResponseTypeCode,
		Scope:               scope,
		State:               "xyz",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       servercrypto.ComputePKCEChallenge(testCodeVerifier),
		CodeChallengeMethod: servercrypto.PKCEChallengeMethodS256,
	}
}

func backendRequest(scope string) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:     backendClientID,
		RedirectURI:  backendRedirect,
		ResponseType: ResponseTypeCode,
		Scope:        scope,
		State:        "abc",
	}
}

func redirectQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

// codeFor runs authorize, login and consent and returns the issued code and
// the login session. Consent remembered from an earlier grant that covers the
// request skips the consent step.
func (f *fixture) codeFor(t *testing.T, req AuthorizeRequest, approve ...string) (string, *storage.Session) {
	t.Helper()
	ctx := context.Background()

	out, err := f.provider.Authorize(ctx, req, "")
	require.NoError(t, err)
	require.Equal(t, StateLoginPending, out.State)

	out, err = f.provider.SubmitLogin(ctx, out.InteractionUID, testUsername, testPassword)
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	session := out.Session

	if out.State != StateCodeIssued {
		require.Equal(t, StateConsentPending, out.State)
		out, err = f.provider.SubmitConsent(ctx, out.InteractionUID, approve)
		require.NoError(t, err)
		require.Equal(t, StateCodeIssued, out.State)
	}

	q := redirectQuery(t, out.RedirectURL)
	require.NotEmpty(t, q.Get("code"))
	return q.Get("code"), session
}

func requireFlowError(t *testing.T, err error, class Class, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe), "expected *flow.Error, got %T: %v", err, err)
	assert.Equal(t, class, fe.Class, "class of %v", fe)
	assert.Equal(t, code, fe.Code(), "code of %v", fe)
	return fe
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Config{}, nil, nil, nil, nil)
	require.Error(t, err)

	f := newFixture(t)
	cfg := f.provider.Config()
	assert.Equal(t, DefaultAccessTokenTTL, cfg.AccessTokenTTL)
	assert.Equal(t, DefaultCodeTTL, cfg.CodeTTL)
	assert.Equal(t, DefaultMaxLoginAttempts, cfg.MaxLoginAttempts)
	assert.Equal(t, testIssuer, f.provider.Issuer())
	assert.Same(t, f.store, f.provider.Storage())
}

func TestAuthorize_RejectsWithoutRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
		code   string
	}{
		{name: "missing client", mutate: func(r *AuthorizeRequest) { r.ClientID = "" }, code: "invalid_request"},
		{name: "unknown client", mutate: func(r *AuthorizeRequest) { r.ClientID = "nope" }, code: "invalid_client"},
		{name: "missing redirect", mutate: func(r *AuthorizeRequest) { r.RedirectURI = "" }, code: "invalid_request"},
		{
			name:   "unregistered redirect",
			mutate: func(r *AuthorizeRequest) { r.RedirectURI = "http://localhost:8080/callback/evil" },
			code:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := demoRequest("openid")
			tt.mutate(&req)
			out, err := f.provider.Authorize(context.Background(), req, "")
			assert.Nil(t, out)
			requireFlowError(t, err, ClassClient, tt.code)
		})
	}
}

func TestAuthorize_RedirectsRecoverableErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
		code   string
	}{
		{name: "token response type", mutate: func(r *AuthorizeRequest) { r.ResponseType = "token" }, code: "unsupported_response_type"},
		{name: "no scope", mutate: func(r *AuthorizeRequest) { r.Scope = "" }, code: "invalid_scope"},
		{name: "scope not allowed", mutate: func(r *AuthorizeRequest) { r.Scope = "openid admin" }, code: "invalid_scope"},
		{name: "plain pkce", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, code: "invalid_request"},
		{name: "challenge without method", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "" }, code: "invalid_request"},
		{
			name: "missing pkce for public client",
			mutate: func(r *AuthorizeRequest) {
				r.CodeChallenge = ""
				r.CodeChallengeMethod = ""
			},
			code: "invalid_request",
		},
		{name: "malformed challenge", mutate: func(r *AuthorizeRequest) { r.CodeChallenge = "short" }, code: "invalid_request"},
		{name: "prompt none with login", mutate: func(r *AuthorizeRequest) { r.Prompt = "none login" }, code: "invalid_request"},
		{name: "unknown prompt", mutate: func(r *AuthorizeRequest) { r.Prompt = "select_account" }, code: "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := demoRequest("openid email")
			tt.mutate(&req)
			out, err := f.provider.Authorize(context.Background(), req, "")
			require.NoError(t, err)
			assert.Equal(t, StateRejected, out.State)
			require.NotNil(t, out.Failure)
			assert.Equal(t, tt.code, out.Failure.Code())

			q := redirectQuery(t, out.RedirectURL)
			assert.Equal(t, tt.code, q.Get("error"))
			assert.Equal(t, "xyz", q.Get("state"))
			assert.Equal(t, testIssuer, q.Get("iss"))
			assert.Empty(t, q.Get("code"))
		})
	}
}

func TestAuthorize_StartsLoginInteraction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.provider.Authorize(ctx, demoRequest("openid email"), "")
	require.NoError(t, err)
	assert.Equal(t, StateLoginPending, out.State)
	assert.NotEmpty(t, out.InteractionUID)
	assert.Empty(t, out.RedirectURL)

	view, err := f.provider.Interaction(ctx, out.InteractionUID)
	require.NoError(t, err)
	assert.Equal(t, StateLoginPending, view.State)
	assert.Equal(t, "Demo App", view.ClientName)
	assert.Equal(t, []string{"openid", "email"}, view.Scopes)
	assert.Equal(t, DefaultMaxLoginAttempts, view.AttemptsLeft)
}

func TestAuthorize_PromptNone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	req := demoRequest("openid email")
	req.Prompt = "none"

	out, err := f.provider.Authorize(ctx, req, "")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, "login_required", redirectQuery(t, out.RedirectURL).Get("error"))

	// A session without consent for the requested scopes.
	_, session := f.codeFor(t, demoRequest("openid"), "openid")
	out, err = f.provider.Authorize(ctx, req, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "consent_required", redirectQuery(t, out.RedirectURL).Get("error"))

	req.Scope = "openid"
	out, err = f.provider.Authorize(ctx, req, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCodeIssued, out.State)
	q := redirectQuery(t, out.RedirectURL)
	assert.NotEmpty(t, q.Get("code"))
	assert.Equal(t, "xyz", q.Get("state"))
}

func TestAuthorize_SessionAndConsent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, session := f.codeFor(t, demoRequest("openid email"), "openid", "email")

	tests := []struct {
		name      string
		scope     string
		prompt    string
		sessionID string
		want      State
	}{
		{name: "remembered consent issues code", scope: "openid email", sessionID: session.ID, want: StateCodeIssued},
		{name: "subset of consent issues code", scope: "email", sessionID: session.ID, want: StateCodeIssued},
		{name: "new scope needs consent", scope: "openid profile", sessionID: session.ID, want: StateConsentPending},
		{name: "prompt consent forces consent", scope: "openid", prompt: "consent", sessionID: session.ID, want: StateConsentPending},
		{name: "prompt login forces login", scope: "openid", prompt: "login", sessionID: session.ID, want: StateLoginPending},
		{name: "unknown session logs in", scope: "openid", sessionID: "missing", want: StateLoginPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := demoRequest(tt.scope)
			req.Prompt = tt.prompt
			out, err := f.provider.Authorize(ctx, req, tt.sessionID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.State)
			if tt.want == StateConsentPending {
				view, err := f.provider.Interaction(ctx, out.InteractionUID)
				require.NoError(t, err)
				assert.Equal(t, testSubject, view.Subject)
			}
		})
	}
}

func TestAuthorize_ExpiredSessionLogsInAgain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, session := f.codeFor(t, demoRequest("openid"), "openid")
	f.clock.Advance(DefaultSessionTTL + time.Second)

	out, err := f.provider.Authorize(context.Background(), demoRequest("openid"), session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLoginPending, out.State)
}

func TestAuthorize_CancelledContextStoresNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.provider.Authorize(ctx, demoRequest("openid"), "")
	assert.Nil(t, out)
	requireFlowError(t, err, ClassTransient, "temporarily_unavailable")
	assert.Zero(t, f.store.Stats().Interactions)
}

func TestAppendQuery(t *testing.T) {
	t.Parallel()

	got := appendQuery("https://app.example.test/cb?tenant=a", url.Values{"code": {"c1"}})
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "a", u.Query().Get("tenant"))
	assert.Equal(t, "c1", u.Query().Get("code"))
	assert.Equal(t, "/cb", u.Path)
}
