// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCompareSecret(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, IsBcryptHash(hash))

	require.NoError(t, CompareSecret(hash, "s3cret"))
	assert.ErrorIs(t, CompareSecret(hash, "wrong"), ErrSecretMismatch)

	err = CompareSecret([]byte("not-a-hash"), "s3cret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretMismatch)

	_, err = HashSecret("")
	assert.Error(t, err)
	assert.False(t, IsBcryptHash([]byte("plain")))
}

func TestRandomToken(t *testing.T) {
	t.Parallel()

	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
