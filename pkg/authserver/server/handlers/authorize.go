// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// Cookie names.
const (
	SessionCookie     = "oidcd_session"
	InteractionCookie = "oidcd_interaction"
)

// AuthorizeHandler handles GET and POST /auth.
//
// Requests that cannot be attributed to a registered client and redirect URI
// get an error page. Everything else ends in a redirect, either to the
// interaction pages or back to the client.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.pages.renderError(w, r, err)
		return
	}

	var sessionID string
	if c, err := r.Cookie(SessionCookie); err == nil {
		sessionID = c.Value
	}

	out, err := h.provider.Authorize(r.Context(), flow.ParseAuthorizeRequest(r.Form), sessionID)
	if err != nil {
		h.pages.renderError(w, r, err)
		return
	}
	h.followOutcome(w, r, out)
}

// followOutcome sends the user agent to the next step of the flow.
func (h *Handler) followOutcome(w http.ResponseWriter, r *http.Request, out *flow.Outcome) {
	if out.Session != nil {
		h.setSessionCookie(w, out.Session)
	}
	if out.RedirectURL != "" {
		h.clearInteractionCookie(w)
		if out.Failure != nil {
			logFlowError(r, out.Failure)
		}
		http.Redirect(w, r, out.RedirectURL, http.StatusSeeOther)
		return
	}
	h.setInteractionCookie(w, out.InteractionUID)
	http.Redirect(w, r, InteractionPath+"/"+out.InteractionUID, http.StatusSeeOther)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, s *storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// setInteractionCookie binds the interaction to this user agent. Interaction
// posts without a matching cookie are refused.
func (h *Handler) setInteractionCookie(w http.ResponseWriter, uid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     InteractionCookie,
		Value:    uid,
		Path:     InteractionPath,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearInteractionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     InteractionCookie,
		Value:    "",
		Path:     InteractionPath,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
