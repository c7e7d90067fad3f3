// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the OpenID Connect provider: key manager,
// grant store, token issuer and verifier, authorization flow and HTTP
// handlers.
//
// The provider supports:
//   - Authorization Code flow with PKCE (RFC 7636), login and consent pages
//   - Refresh token rotation with replay detection
//   - Client credentials grant for confidential clients
//   - Signed JWT access, ID and refresh tokens with key rotation
//   - OIDC discovery and RFC 8414 metadata, JWKS publication
//   - UserInfo, token introspection (RFC 7662) and revocation (RFC 7009)
//
// # Usage
//
//	cfg, err := authserver.LoadConfig("oidcd.yaml")
//	if err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, *cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	go srv.RunKeyRotation(ctx)
//	http.ListenAndServe(":9000", srv.Handler())
//
// # Storage
//
// The provider supports pluggable storage backends:
//   - In-memory storage (default, suitable for single-instance deployments)
//   - SQLite storage (single instance, survives restarts)
//   - Redis storage, standalone or Sentinel (for distributed deployments)
package authserver
