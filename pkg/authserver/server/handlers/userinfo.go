// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"
)

// UserInfoHandler handles GET and POST /userinfo. The access token comes from
// the Authorization header or, for form posts, the access_token parameter.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := h.provider.UserInfo(r.Context(), bearerToken(r))
	if err != nil {
		writeBearerError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, claims)
}

func bearerToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, raw, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(raw)
		}
		return ""
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}
