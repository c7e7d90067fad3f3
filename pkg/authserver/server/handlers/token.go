// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
)

// maxFormBytes bounds token endpoint request bodies.
const maxFormBytes = 64 << 10

// TokenHandler handles POST /token.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	form, auth, err := clientForm(w, r)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	req := flow.ParseTokenRequest(form)
	req.Client = auth

	resp, err := h.provider.Exchange(r.Context(), req)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// IntrospectionHandler handles POST /token/introspection (RFC 7662).
func (h *Handler) IntrospectionHandler(w http.ResponseWriter, r *http.Request) {
	form, auth, err := clientForm(w, r)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	info, err := h.provider.Introspect(r.Context(), auth, form.Get("token"))
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, info)
}

// RevocationHandler handles POST /token/revocation (RFC 7009).
func (h *Handler) RevocationHandler(w http.ResponseWriter, r *http.Request) {
	form, auth, err := clientForm(w, r)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	if err := h.provider.Revoke(r.Context(), auth, form.Get("token")); err != nil {
		writeOAuthError(w, r, err)
		return
	}
	noStore(w)
	w.WriteHeader(http.StatusOK)
}

// clientForm parses a form-encoded client request and extracts the client
// credentials from HTTP Basic or the body. Using both with different client
// ids is an error.
func clientForm(w http.ResponseWriter, r *http.Request) (url.Values, flow.ClientAuth, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return nil, flow.ClientAuth{}, withHint("The request body is not a valid form.", err)
	}
	form := r.PostForm
	auth := flow.ClientAuth{ID: form.Get("client_id"), Secret: form.Get("client_secret")}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return form, auth, nil
	}
	// RFC 6749 section 2.3.1 form-encodes Basic credentials.
	id, err := url.QueryUnescape(user)
	if err != nil {
		return nil, flow.ClientAuth{}, withHint("The Basic client_id is not form-encoded.", err)
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return nil, flow.ClientAuth{}, withHint("The Basic client_secret is not form-encoded.", err)
	}
	if auth.ID != "" && auth.ID != id {
		return nil, flow.ClientAuth{}, withHint("The client_id differs between Basic and form credentials.", nil)
	}
	if auth.Secret != "" {
		return nil, flow.ClientAuth{}, withHint("Only one client authentication method may be used.", nil)
	}
	return form, flow.ClientAuth{ID: id, Secret: secret}, nil
}

// withHint reports malformed transport input as invalid_request.
func withHint(hint string, cause error) *flow.Error {
	return &flow.Error{Class: flow.ClassClient, RFC: fosite.ErrInvalidRequest.WithHint(hint), Cause: cause}
}
