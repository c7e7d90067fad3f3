// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/versions"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024

	// DefaultMaxTries is the default number of attempts for a fetch.
	DefaultMaxTries = 3

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// FetchResult contains the result of a successful JSON fetch.
type FetchResult[T any] struct {
	// Data is the parsed JSON response body.
	Data T

	// Headers are the response headers.
	Headers http.Header
}

// FetchOption configures a fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	headers         http.Header
	maxResponseSize int64
	maxTries        uint
	initialInterval time.Duration
	contentTypes    []string
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
		maxTries:        DefaultMaxTries,
		initialInterval: 200 * time.Millisecond,
		contentTypes:    []string{ContentTypeJSON},
	}
}

// WithHeader adds a single header to the request.
func WithHeader(key, value string) FetchOption {
	return func(opts *fetchOptions) {
		opts.headers.Set(key, value)
	}
}

// WithMaxResponseSize sets the maximum response body size.
func WithMaxResponseSize(size int64) FetchOption {
	return func(opts *fetchOptions) {
		opts.maxResponseSize = size
	}
}

// WithRetry sets the number of attempts and the first retry delay. Only
// transport errors, 429 and 5xx responses are retried.
func WithRetry(maxTries uint, initialInterval time.Duration) FetchOption {
	return func(opts *fetchOptions) {
		opts.maxTries = max(maxTries, 1)
		opts.initialInterval = initialInterval
	}
}

// WithContentTypes sets the accepted response media types. A response matches
// if its Content-Type contains any of them.
func WithContentTypes(types ...string) FetchOption {
	return func(opts *fetchOptions) {
		opts.contentTypes = types
	}
}

// FetchJSON performs a GET request and parses the JSON response body.
func FetchJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	opts ...FetchOption,
) (*FetchResult[T], error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", ContentTypeJSON)
	}
	if options.headers.Get("User-Agent") == "" {
		options.headers.Set("User-Agent", versions.UserAgent())
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = options.initialInterval
	expBackoff.Reset()

	operation := func() (*FetchResult[T], error) {
		return fetchOnce[T](ctx, client, requestURL, options)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(options.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugf("retrying fetch of %s after %v: %v", requestURL, d, err)
		}),
	)
}

func fetchOnce[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	options *fetchOptions,
) (*FetchResult[T], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header = options.headers.Clone()

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(body)
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: preview, URL: requestURL}
		if !httpErr.Temporary() {
			return nil, backoff.Permanent(httpErr)
		}
		return nil, httpErr
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !matchesAny(contentType, options.contentTypes) {
		return nil, backoff.Permanent(fmt.Errorf("unexpected content type: %s", contentType))
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse JSON response: %w", err))
	}
	return &FetchResult[T]{Data: data, Headers: resp.Header}, nil
}

func matchesAny(contentType string, accepted []string) bool {
	for _, a := range accepted {
		if strings.Contains(contentType, a) {
			return true
		}
	}
	return false
}
