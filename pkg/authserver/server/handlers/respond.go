// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// noStore marks responses carrying tokens or credentials as uncacheable.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// logFlowError logs err at a level matching its class. Causes never reach
// the client.
func logFlowError(r *http.Request, fe *flow.Error) {
	switch fe.Class {
	case flow.ClassTransient, flow.ClassFatal:
		logger.Errorw("request failed", "path", r.URL.Path, "class", fe.Class.String(), "error", fe)
	default:
		logger.Debugw("request rejected", "path", r.URL.Path, "class", fe.Class.String(), "error", fe)
	}
}

// writeOAuthError writes an RFC 6749 JSON error response.
func writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	fe := flow.AsError(err)
	logFlowError(r, fe)

	status := fe.HTTPStatus()
	if fe.Code() == "invalid_client" {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	// RFC 6749 reports grant and scope problems as 400 even after the client
	// authenticated.
	if fe.Class == flow.ClassAuthorization {
		status = http.StatusBadRequest
	}
	noStore(w)
	writeJSON(w, status, fe.Body())
}

// writeBearerError writes an RFC 6750 error with a WWW-Authenticate challenge.
func writeBearerError(w http.ResponseWriter, r *http.Request, err error) {
	fe := flow.AsError(err)
	logFlowError(r, fe)

	challenge := "Bearer"
	if fe.Class == flow.ClassAuthentication || fe.Class == flow.ClassAuthorization {
		challenge = fmt.Sprintf(`Bearer error=%q`, fe.Code())
		if d := fe.Description(); d != "" {
			challenge += fmt.Sprintf(`, error_description=%q`, d)
		}
	}
	w.Header().Set("WWW-Authenticate", challenge)
	noStore(w)
	writeJSON(w, fe.HTTPStatus(), fe.Body())
}
