// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
// The plain method is never accepted.
const PKCEChallengeMethodS256 = "S256"

// RFC 7636 Section 4.1: 43-128 characters from the unreserved set.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// GeneratePKCEVerifier returns a 43 character code_verifier.
// It panics if crypto/rand fails.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge returns BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether verifier matches the S256 challenge.
// The comparison is constant time.
func VerifyPKCE(challenge, method, verifier string) bool {
	if method != PKCEChallengeMethodS256 || challenge == "" {
		return false
	}
	if !verifierPattern.MatchString(verifier) {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidChallenge reports whether challenge has the shape of an S256 challenge.
func ValidChallenge(challenge string) bool {
	// 32 byte digest, base64url without padding.
	if len(challenge) != 43 {
		return false
	}
	return verifierPattern.MatchString(challenge)
}
