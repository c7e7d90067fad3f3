// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/logger"
)

// InteractionHandler handles GET /interaction/{uid} and renders the login or
// consent page depending on the interaction state.
func (h *Handler) InteractionHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.boundInteraction(w, r)
	if !ok {
		return
	}
	view, err := h.provider.Interaction(r.Context(), uid)
	if err != nil {
		h.pages.renderError(w, r, err)
		return
	}
	h.renderInteraction(w, http.StatusOK, view, "")
}

func (h *Handler) renderInteraction(w http.ResponseWriter, status int, view *flow.InteractionView, failure string) {
	data := pageData{
		ClientName:   view.ClientName,
		Action:       InteractionPath + "/" + view.UID,
		Scopes:       view.Scopes,
		Error:        failure,
		AttemptsLeft: view.AttemptsLeft,
	}
	if view.State == flow.StateConsentPending {
		data.Title = "Authorize " + view.ClientName
		h.pages.render(w, status, "consent", data)
		return
	}
	data.Title = "Sign in"
	h.pages.render(w, status, "login", data)
}

// LoginHandler handles POST /interaction/{uid}/login.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.boundInteraction(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.pages.renderError(w, r, err)
		return
	}

	out, err := h.provider.SubmitLogin(r.Context(), uid, r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		h.pages.renderError(w, r, err)
		return
	}
	if out.State == flow.StateLoginPending {
		// Wrong credentials: render the form again with the remaining attempts.
		view, err := h.provider.Interaction(r.Context(), uid)
		if err != nil {
			h.pages.renderError(w, r, err)
			return
		}
		view.AttemptsLeft = out.AttemptsLeft
		h.renderInteraction(w, http.StatusUnauthorized, view, "Invalid username or password.")
		return
	}
	h.followOutcome(w, r, out)
}

// ConsentHandler handles POST /interaction/{uid}/consent. The approved scopes
// are the submitted "scope" values.
func (h *Handler) ConsentHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.boundInteraction(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.pages.renderError(w, r, err)
		return
	}

	out, err := h.provider.SubmitConsent(r.Context(), uid, r.PostForm["scope"])
	if err != nil {
		h.pages.renderError(w, r, err)
		return
	}
	h.followOutcome(w, r, out)
}

// AbortHandler handles POST /interaction/{uid}/abort.
func (h *Handler) AbortHandler(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.boundInteraction(w, r)
	if !ok {
		return
	}
	out, err := h.provider.Abort(r.Context(), uid)
	if err != nil {
		h.pages.renderError(w, r, err)
		return
	}
	h.followOutcome(w, r, out)
}

// boundInteraction returns the uid from the path when the interaction cookie
// of this user agent matches it.
func (h *Handler) boundInteraction(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := chi.URLParam(r, "uid")
	c, err := r.Cookie(InteractionCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(c.Value), []byte(uid)) != 1 {
		logger.Warnw("interaction request without matching cookie", "uid", uid, "remote", r.RemoteAddr)
		h.pages.render(w, http.StatusForbidden, "error", pageData{
			Title: "Request failed",
			Error: "This sign-in request was started in another browser or has already finished.",
			Code:  fosite.ErrAccessDenied.ErrorField,
		})
		return "", false
	}
	return uid, true
}
