// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/oidcd/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler converts errors returned by fn into JSON error responses. The
// status comes from httperr.Code. 5xx details are logged and not sent to the
// client.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := httperr.Code(err)
		msg := err.Error()
		if code >= http.StatusInternalServerError {
			logger.Errorw("request failed", "path", r.URL.Path, "error", err)
			msg = http.StatusText(code)
		}
		writeJSON(w, code, map[string]string{"error": msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
