// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryStorage(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage()
	defer s.Close()

	require.NotNil(t, s)
	assert.Equal(t, DefaultCleanupInterval, s.cleanupInterval)
	assert.Equal(t, DefaultInvalidatedCodeTTL, s.invalidatedCodeTTL)
	assert.Equal(t, DefaultGrantRevocationTTL, s.revocationTTL)
}

func TestMemoryStorage_Options(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage(WithCleanupInterval(time.Minute), WithRevocationTTL(2*time.Hour))
	defer s.Close()
	assert.Equal(t, time.Minute, s.cleanupInterval)
	assert.Equal(t, 2*time.Hour, s.revocationTTL)
}

func TestMemoryStorage_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	s := NewMemoryStorage(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateInteraction(ctx, newInteraction(clock, "uid")))
	got, err := s.GetInteraction(ctx, "uid")
	require.NoError(t, err)
	got.State = "mutated"
	got.Params.Scopes[0] = "mutated"

	again, err := s.GetInteraction(ctx, "uid")
	require.NoError(t, err)
	assert.Equal(t, "login_pending", again.State)
	assert.Equal(t, []string{"openid"}, again.Params.Scopes)
}

func TestMemoryStorage_CodesAreKeyedBySignature(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	s := NewMemoryStorage(WithClock(clock.Now))
	defer s.Close()

	require.NoError(t, s.CreateAuthorizationCode(context.Background(), newCode(clock, "secret-code-value")))

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Len(t, s.codes, 1)
	e, ok := s.codes[codeSignature("secret-code-value")]
	require.True(t, ok)
	assert.Empty(t, e.value.Code)
}

func TestMemoryStorage_CleanupExpired(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	s := NewMemoryStorage(WithClock(clock.Now), WithCleanupInterval(time.Hour), WithRevocationTTL(2*time.Hour))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.RegisterClient(ctx, &Client{ID: "demo"}))
	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(clock, "unused")))
	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(clock, "used")))
	_, err := s.ConsumeAuthorizationCode(ctx, "used")
	require.NoError(t, err)
	require.NoError(t, s.CreateInteraction(ctx, newInteraction(clock, "uid")))
	require.NoError(t, s.SaveConsent(ctx, &Consent{Subject: "alice", ClientID: "demo"}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "sid", ExpiresAt: clock.Now().Add(time.Hour)}))
	require.NoError(t, s.RevokeGrant(ctx, "g"))

	assert.Zero(t, s.cleanupExpired(), "nothing has expired yet")

	// Past code expiry, used codes remain for replay detection.
	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, s.cleanupExpired())
	_, err = s.ConsumeAuthorizationCode(ctx, "used")
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)

	clock.Advance(time.Hour)
	removed := s.cleanupExpired()
	assert.Equal(t, 3, removed, "used code, interaction and session")

	stats := s.Stats()
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 0, stats.Codes)
	assert.Equal(t, 0, stats.Interactions)
	assert.Equal(t, 0, stats.Sessions)
	assert.Equal(t, 1, stats.Consents, "consents without expiry are kept")
	assert.Equal(t, 1, stats.RevokedGrants)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, s.cleanupExpired())
	assert.Zero(t, s.Stats().RevokedGrants)
	_, err = s.ConsumeAuthorizationCode(ctx, "used")
	assert.ErrorIs(t, err, ErrCodeNotFound, "swept entries behave like unknown ones")
}

func TestMemoryStorage_CleanupLoop(t *testing.T) {
	t.Parallel()
	s := NewMemoryStorage(WithCleanupInterval(10 * time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "sid", ExpiresAt: now.Add(-time.Second)}))

	require.Eventually(t, func() bool {
		return s.Stats().Sessions == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStorage_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	s := NewMemoryStorage(WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = s.RegisterClient(ctx, &Client{ID: fmt.Sprintf("client-%d", i)})
		}()
		go func() {
			defer wg.Done()
			_ = s.CreateInteraction(ctx, newInteraction(clock, fmt.Sprintf("uid-%d", i)))
		}()
		go func() {
			defer wg.Done()
			s.cleanupExpired()
		}()
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, 50, stats.Clients)
	assert.Equal(t, 50, stats.Interactions)
}
