// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP layer of the OpenID Connect provider.
//
// This package implements:
//   - OIDC Discovery (/.well-known/openid-configuration) and the RFC 8414 alias
//   - JWKS endpoint (/.well-known/jwks.json)
//   - Authorize endpoint and the login and consent interaction pages
//   - Token, userinfo, introspection and revocation endpoints
//   - Health endpoint
//
// All protocol decisions are made by the flow package; handlers only translate
// between HTTP and flow calls. The Handler struct coordinates all handlers and
// provides route registration methods for integrating with chi routers.
package handlers
