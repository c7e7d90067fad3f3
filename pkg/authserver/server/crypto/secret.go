// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch is returned when a secret does not match its hash.
var ErrSecretMismatch = errors.New("secret does not match")

// HashSecret returns the bcrypt hash of a password or client secret.
func HashSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}
	return hash, nil
}

// CompareSecret checks secret against a bcrypt hash.
func CompareSecret(hash []byte, secret string) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return fmt.Errorf("invalid secret hash: %w", err)
	}
	return nil
}

// IsBcryptHash reports whether hash looks like a bcrypt hash.
func IsBcryptHash(hash []byte) bool {
	_, err := bcrypt.Cost(hash)
	return err == nil
}

// RandomToken returns n random bytes encoded as unpadded base64url. Used for
// authorization codes and session ids.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
