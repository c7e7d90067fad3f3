// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/stacklok/oidcd/pkg/oauth"
)

// HTTPTimeout is the timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

// HTTPClient is the subset of *http.Client used by the fetch helpers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ValidatingTransport rejects requests that are not HTTPS. Plain HTTP is
// allowed to loopback hosts when AllowLoopbackHTTP is set.
type ValidatingTransport struct {
	Transport         http.RoundTripper
	AllowLoopbackHTTP bool
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Scheme {
	case "https":
	case "http":
		if !t.AllowLoopbackHTTP || !oauth.IsLoopbackHost(req.URL.Hostname()) {
			return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.Redacted())
		}
	default:
		return nil, fmt.Errorf("the supplied URL %s has unsupported scheme %q", req.URL.Redacted(), req.URL.Scheme)
	}
	return t.Transport.RoundTrip(req)
}

// HTTPClientBuilder builds HTTP clients for talking to identity providers.
type HTTPClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowLoopbackHTTP     bool
}

// NewHTTPClientBuilder returns a builder with default timeouts.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets the CA certificate bundle path.
func (b *HTTPClientBuilder) WithCABundle(path string) *HTTPClientBuilder {
	b.caCertPath = path
	return b
}

// WithTimeout sets the overall request timeout.
func (b *HTTPClientBuilder) WithTimeout(d time.Duration) *HTTPClientBuilder {
	b.clientTimeout = d
	return b
}

// WithLoopbackHTTP allows plain HTTP to localhost and loopback addresses.
func (b *HTTPClientBuilder) WithLoopbackHTTP(allow bool) *HTTPClientBuilder {
	b.allowLoopbackHTTP = allow
	return b
}

// Build creates the configured HTTP client.
func (b *HTTPClientBuilder) Build() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = b.tlsHandshakeTimeout
	transport.ResponseHeaderTimeout = b.responseHeaderTimeout

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path is operator supplied
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCertPool,
		}
	}

	return &http.Client{
		Transport: &ValidatingTransport{
			Transport:         transport,
			AllowLoopbackHTTP: b.allowLoopbackHTTP,
		},
		Timeout: b.clientTimeout,
	}, nil
}
