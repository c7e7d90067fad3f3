// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/stacklok/oidcd/pkg/authserver/flow"
	"github.com/stacklok/oidcd/pkg/logger"
)

//go:embed templates/*.html
var templateFS embed.FS

type pages struct {
	tmpl *template.Template
}

func mustParsePages() *pages {
	return &pages{tmpl: template.Must(template.ParseFS(templateFS, "templates/*.html"))}
}

// pageData is the union of the fields the templates read.
type pageData struct {
	Title        string
	ClientName   string
	Action       string
	Scopes       []string
	Error        string
	Code         string
	AttemptsLeft int
}

func (p *pages) render(w http.ResponseWriter, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		logger.Errorw("failed to render page", "page", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError shows an error that cannot be redirected to the client.
func (p *pages) renderError(w http.ResponseWriter, r *http.Request, err error) {
	fe := flow.AsError(err)
	logFlowError(r, fe)
	p.render(w, fe.HTTPStatus(), "error", pageData{
		Title: "Request failed",
		Error: fe.Description(),
		Code:  fe.Code(),
	})
}
