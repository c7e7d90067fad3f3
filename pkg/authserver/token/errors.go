// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
)

// Verification failure kinds. Match with errors.Is.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrSignatureInvalid = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrAudienceMismatch = errors.New("token not issued for this audience")
)

// ErrKeyNotFound is returned by a KeyResolver that has no key for a kid.
var ErrKeyNotFound = errors.New("key not found")

// VerificationError reports why a token was rejected. Kind is one of the
// Err* sentinels above; Detail carries context for logs only.
type VerificationError struct {
	Kind   error
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes Kind to errors.Is.
func (e *VerificationError) Unwrap() error {
	return e.Kind
}

func verificationErr(kind error, format string, args ...any) *VerificationError {
	return &VerificationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the verification kind of err, or nil if err is not a
// verification failure.
func KindOf(err error) error {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return nil
}
