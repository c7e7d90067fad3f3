// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()

	// RFC 7636: code_verifier must be 43-128 characters
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)
	assert.NotEqual(t, verifier, GeneratePKCEVerifier())
}

func TestComputePKCEChallenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B example
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, expected, ComputePKCEChallenge(verifier))
	assert.True(t, ValidChallenge(expected))
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{"matching verifier", challenge, PKCEChallengeMethodS256, verifier, true},
		{"wrong verifier", challenge, PKCEChallengeMethodS256, GeneratePKCEVerifier(), false},
		{"plain method rejected", verifier, "plain", verifier, false},
		{"empty challenge", "", PKCEChallengeMethodS256, verifier, false},
		{"verifier too short", challenge, PKCEChallengeMethodS256, "abc", false},
		{"verifier too long", challenge, PKCEChallengeMethodS256, strings.Repeat("a", 129), false},
		{"verifier with invalid characters", challenge, PKCEChallengeMethodS256, strings.Repeat("a", 42) + "!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VerifyPKCE(tt.challenge, tt.method, tt.verifier))
		})
	}
}
