// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the key material and PKCE primitives used by the
// OIDC provider.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for signing.
const MinRSAKeyBits = 2048

// ErrUnsupportedKey is returned for key types or algorithms that cannot sign JWTs.
var ErrUnsupportedKey = errors.New("unsupported signing key")

// SupportedAlgorithms lists the JWS algorithms the provider signs and verifies.
var SupportedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// LoadSigningKey loads a private key from a PEM file.
// RSA (PKCS1/PKCS8), ECDSA (SEC1/PKCS8) and Ed25519 (PKCS8) are accepted.
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKeyPEM(keyPEM)
}

// ParseSigningKeyPEM parses the first PEM block of keyPEM as a private key.
func ParseSigningKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	var signer crypto.Signer
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		signer = rsaKey
	} else if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		signer = ecKey
	} else {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		s, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("signing key does not implement crypto.Signer")
		}
		signer = s
	}

	if rsaKey, ok := signer.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d bits is below minimum required %d bits",
			rsaKey.N.BitLen(), MinRSAKeyBits)
	}
	return signer, nil
}

// EncodePrivateKeyPEM serializes key as a PKCS8 PEM block.
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateSigningKey creates a fresh private key for algorithm.
func GenerateSigningKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256", "RS384", "RS512":
		return rsa.GenerateKey(rand.Reader, MinRSAKeyBits)
	case "EdDSA":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		return k, err
	default:
		return nil, fmt.Errorf("%w: cannot generate key for algorithm %q", ErrUnsupportedKey, algorithm)
	}
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the public key,
// base64url encoded without padding.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm for key.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return "ES256", nil
	case elliptic.P384():
		return "ES384", nil
	case elliptic.P521():
		return "ES512", nil
	default:
		return "", fmt.Errorf("%w: EC curve %s", ErrUnsupportedKey, curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that alg can be produced by key.
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch alg {
		case "RS256", "RS384", "RS512":
			return nil
		default:
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
	case *ecdsa.PrivateKey:
		expected, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				alg, k.Curve.Params().Name, expected)
		}
		return nil
	case ed25519.PrivateKey:
		if alg != "EdDSA" {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", alg)
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// SigningKeyParams contains the derived or configured parameters for a signing key.
type SigningKeyParams struct {
	Key       crypto.Signer
	KeyID     string
	Algorithm string
}

// DeriveSigningKeyParams fills in keyID and algorithm from key when empty,
// and validates them against the key otherwise.
func DeriveSigningKeyParams(key crypto.Signer, keyID, algorithm string) (*SigningKeyParams, error) {
	params := &SigningKeyParams{Key: key, KeyID: keyID, Algorithm: algorithm}

	if params.KeyID == "" {
		id, err := DeriveKeyID(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key ID: %w", err)
		}
		params.KeyID = id
	}

	if params.Algorithm == "" {
		alg, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive algorithm: %w", err)
		}
		params.Algorithm = alg
	} else if err := ValidateAlgorithmForKey(params.Algorithm, key); err != nil {
		return nil, err
	}

	return params, nil
}

// IsSupportedAlgorithm reports whether alg is one of SupportedAlgorithms.
func IsSupportedAlgorithm(alg string) bool {
	for _, a := range SupportedAlgorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}
