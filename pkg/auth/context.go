// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies bearer tokens at a resource server. It discovers the
// issuer, caches its JWKS, and checks each token against the key named by its
// kid.
package auth

import "context"

// IdentityContextKey is the key used to store Identity in the request context.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context.
//
// Example:
//
//	identity, ok := IdentityFromContext(r.Context())
//	if !ok {
//	    return errors.New("no authenticated identity")
//	}
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}
