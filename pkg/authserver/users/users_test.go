// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := servercrypto.HashSecret(password)
	require.NoError(t, err)
	return string(h)
}

func TestDirectory_Authenticate(t *testing.T) {
	t.Parallel()

	d, err := NewDirectory([]Config{{
		Subject:       "user-1",
		Username:      "alice",
		PasswordHash:  mustHash(t, "wonderland"),
		Email:         "alice@example.com",
		EmailVerified: true,
		Name:          "Alice",
	}})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{name: "valid", username: "alice", password: "wonderland"},
		{name: "wrong password", username: "alice", password: "nope", wantErr: ErrInvalidCredentials},
		{name: "unknown user", username: "bob", password: "wonderland", wantErr: ErrInvalidCredentials},
		{name: "empty password", username: "alice", password: "", wantErr: ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, err := d.Authenticate(ctx, tt.username, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, u)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", u.Subject)
		})
	}
}

func TestDirectory_Get(t *testing.T) {
	t.Parallel()

	d, err := NewDirectory([]Config{{Subject: "user-1", Username: "alice", PasswordHash: mustHash(t, "x")}})
	require.NoError(t, err)

	u, err := d.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = d.Get(context.Background(), "user-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewDirectory_Validation(t *testing.T) {
	t.Parallel()
	hash := mustHash(t, "pw")

	tests := []struct {
		name    string
		entries []Config
		wantErr string
	}{
		{name: "missing subject", entries: []Config{{Username: "a", PasswordHash: hash}}, wantErr: "subject is required"},
		{name: "missing username", entries: []Config{{Subject: "s", PasswordHash: hash}}, wantErr: "username is required"},
		{name: "plaintext password", entries: []Config{{Subject: "s", Username: "a", PasswordHash: "pw"}}, wantErr: "bcrypt"},
		{
			name: "duplicate username",
			entries: []Config{
				{Subject: "s1", Username: "a", PasswordHash: hash},
				{Subject: "s2", Username: "a", PasswordHash: hash},
			},
			wantErr: "duplicate username",
		},
		{
			name: "duplicate subject",
			entries: []Config{
				{Subject: "s", Username: "a", PasswordHash: hash},
				{Subject: "s", Username: "b", PasswordHash: hash},
			},
			wantErr: "duplicate subject",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewDirectory(tt.entries)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUser_Claims(t *testing.T) {
	t.Parallel()
	u := &User{Subject: "user-1", Email: "alice@example.com", EmailVerified: true, Name: "Alice"}

	tests := []struct {
		name   string
		scopes []string
		want   map[string]any
	}{
		{name: "openid only", scopes: []string{"openid"}, want: map[string]any{"sub": "user-1"}},
		{
			name:   "email",
			scopes: []string{"openid", "email"},
			want:   map[string]any{"sub": "user-1", "email": "alice@example.com", "email_verified": true},
		},
		{
			name:   "profile",
			scopes: []string{"openid", "profile"},
			want:   map[string]any{"sub": "user-1", "name": "Alice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, u.Claims(tt.scopes))
		})
	}
}
