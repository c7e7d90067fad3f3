// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys owns the provider's signing keys: loading or generating them,
// rotating them on a schedule, and publishing the public halves as a JWKS.
//
// Private key material never leaves this package except through
// SigningKeyData handed to the token issuer.
package keys

import (
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is the signing algorithm for generated keys.
const DefaultAlgorithm = "ES256"

var (
	// ErrNoSigningKey is returned when no key is available for signing.
	ErrNoSigningKey = errors.New("no signing key available")

	// ErrInvalidKeyMaterial marks key material that cannot be loaded or used.
	// The provider must not start when this is returned.
	ErrInvalidKeyMaterial = errors.New("invalid signing key material")
)

// SigningKeyData represents a signing key with its metadata.
// This contains private key material and should not be exposed externally.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm (e.g., "ES256", "RS256").
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// Public returns the publishable half of the key.
func (k *SigningKeyData) Public() *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

func (k *SigningKeyData) clone() *SigningKeyData {
	c := *k
	return &c
}

// PublicKeyData is the public portion of a signing key, safe to publish.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time

	// RetiredAt is set once the key no longer signs new tokens.
	RetiredAt time.Time

	// RetainUntil is when a retired key drops out of the JWKS.
	// Zero means the key is kept until the process restarts.
	RetainUntil time.Time
}
