// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
)

// ErrInvalidRedirectURI is wrapped by ValidateRedirectURI failures.
var ErrInvalidRedirectURI = errors.New("invalid redirect URI")

// ValidateRedirectURI checks a redirect URI for registration. It must be
// absolute, carry no fragment (RFC 6749 section 3.1.2), and use https unless
// it points at a loopback host (RFC 8252 section 7.3). Private-use schemes
// such as com.example.app:/cb are accepted for native apps.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidRedirectURI, raw)
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return fmt.Errorf("%w: %q contains a fragment", ErrInvalidRedirectURI, raw)
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("%w: %q has no host", ErrInvalidRedirectURI, raw)
		}
	case "http":
		if !IsLoopbackHost(u.Hostname()) {
			return fmt.Errorf("%w: http is only allowed for loopback hosts, got %q", ErrInvalidRedirectURI, raw)
		}
	case "javascript", "data", "file":
		return fmt.Errorf("%w: scheme %q is not allowed", ErrInvalidRedirectURI, u.Scheme)
	}
	return nil
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// MatchRedirectURI reports whether requested is one of the registered
// redirect URIs. For http loopback IP literals the port is ignored, so native
// clients can listen on an ephemeral port (RFC 8252 section 7.3).
func MatchRedirectURI(registered []string, requested string) bool {
	if slices.Contains(registered, requested) {
		return true
	}
	req, err := url.Parse(requested)
	if err != nil || req.Scheme != "http" || !isLoopbackIP(req.Hostname()) {
		return false
	}
	for _, raw := range registered {
		reg, err := url.Parse(raw)
		if err != nil || reg.Scheme != "http" || !isLoopbackIP(reg.Hostname()) {
			continue
		}
		if reg.Hostname() == req.Hostname() && reg.Path == req.Path && reg.RawQuery == req.RawQuery {
			return true
		}
	}
	return false
}

func isLoopbackIP(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
