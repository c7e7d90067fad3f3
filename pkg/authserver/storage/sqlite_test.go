// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, path string, clock *testClock) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(context.Background(), path,
		WithSQLiteClock(clock.Now), WithSQLiteCleanupInterval(time.Hour), WithSQLiteRevocationTTL(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStorage_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewSQLiteStorage(context.Background(), "")
	require.ErrorContains(t, err, "path is required")
}

func TestSQLiteStorage_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "grants.db")

	s := openTestSQLite(t, path, clock)
	require.NoError(t, s.RegisterClient(ctx, &Client{ID: "demo", RedirectURIs: []string{"http://127.0.0.1/cb"}, Public: true}))
	require.NoError(t, s.StoreRefreshToken(ctx, newRefresh(clock, "r1", "g1")))
	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(clock, "c1")))
	_, err := s.ConsumeAuthorizationCode(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are idempotent and the data is still there.
	reopened := openTestSQLite(t, path, clock)
	client, err := reopened.GetClient(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1/cb"}, client.RedirectURIs)

	tok, err := reopened.GetRefreshToken(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "g1", tok.GrantID)

	_, err = reopened.ConsumeAuthorizationCode(ctx, "c1")
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed, "replay detection survives a restart")
}

func TestSQLiteStorage_CodesAreHashed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "grants.db"), clock)

	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(clock, "secret-code-value")))

	var signature, data string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT signature, data FROM authorization_codes`).Scan(&signature, &data))
	assert.Equal(t, codeSignature("secret-code-value"), signature)
	assert.NotContains(t, data, "secret-code-value")

	_, err := s.ConsumeAuthorizationCode(ctx, "secret-code-value")
	require.NoError(t, err)
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT data FROM authorization_codes`).Scan(&data))
	assert.NotContains(t, data, "secret-code-value")
}

func TestSQLiteStorage_CleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "grants.db"), clock)

	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(clock, "c1")))
	require.NoError(t, s.StoreRefreshToken(ctx, newRefresh(clock, "r1", "g1")))
	require.NoError(t, s.RevokeGrant(ctx, "g2"))
	require.NoError(t, s.CreateInteraction(ctx, newInteraction(clock, "uid1")))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "sid", Subject: "alice", ExpiresAt: clock.Now().Add(time.Hour)}))
	require.NoError(t, s.SaveConsent(ctx, &Consent{Subject: "alice", ClientID: "demo", Scopes: []string{"openid"}}))

	n, err := s.cleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = s.cleanupExpired(ctx)
	require.NoError(t, err)
	// Code, interaction, session and the revocation marker. The refresh
	// token lives 24h and the consent never expires.
	assert.Equal(t, int64(4), n)

	_, err = s.GetRefreshToken(ctx, "r1")
	require.NoError(t, err)
	_, err = s.GetConsent(ctx, "alice", "demo")
	require.NoError(t, err)
}

func TestSQLiteStorage_ConsumedCodeKeepsReplayWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "grants.db"), clock)

	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(clock, "c")))
	_, err := s.ConsumeAuthorizationCode(ctx, "c")
	require.NoError(t, err)

	var expiresAt int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM authorization_codes WHERE signature = ?`, codeSignature("c")).Scan(&expiresAt))
	assert.Equal(t, clock.Now().Add(DefaultInvalidatedCodeTTL).UnixNano(), expiresAt)
}

func TestSQLiteStorage_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s, err := NewSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
