// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Issuer string `json:"issuer"`
}

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		handler     http.HandlerFunc
		opts        []FetchOption
		wantIssuer  string
		wantErr     string
		wantHTTP    int
		wantAttempt int32
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, ContentTypeJSON, r.Header.Get("Accept"))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				_, _ = w.Write([]byte(`{"issuer":"https://idp.example.com"}`))
			},
			wantIssuer:  "https://idp.example.com",
			wantAttempt: 1,
		},
		{
			name: "not found is not retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", http.StatusNotFound)
			},
			wantHTTP:    http.StatusNotFound,
			wantAttempt: 1,
		},
		{
			name: "server errors are retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "down", http.StatusServiceUnavailable)
			},
			wantHTTP:    http.StatusServiceUnavailable,
			wantAttempt: 3,
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<html/>"))
			},
			wantErr:     "unexpected content type",
			wantAttempt: 1,
		},
		{
			name: "jwk set content type accepted",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/jwk-set+json")
				_, _ = w.Write([]byte(`{"issuer":"x"}`))
			},
			opts:        []FetchOption{WithContentTypes(ContentTypeJSON, "application/jwk-set+json")},
			wantIssuer:  "x",
			wantAttempt: 1,
		},
		{
			name: "oversized body is truncated",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", ContentTypeJSON)
				_, _ = w.Write([]byte(`{"issuer":"https://idp.example.com"}`))
			},
			opts:        []FetchOption{WithMaxResponseSize(8)},
			wantErr:     "failed to parse JSON response",
			wantAttempt: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				tt.handler(w, r)
			}))
			t.Cleanup(srv.Close)

			opts := append([]FetchOption{WithRetry(3, time.Millisecond)}, tt.opts...)
			res, err := FetchJSON[doc](context.Background(), srv.Client(), srv.URL, opts...)
			assert.Equal(t, tt.wantAttempt, attempts.Load())

			switch {
			case tt.wantHTTP != 0:
				require.Error(t, err)
				assert.True(t, IsHTTPError(err, tt.wantHTTP), "got %v", err)
			case tt.wantErr != "":
				require.ErrorContains(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantIssuer, res.Data.Issuer)
			}
		})
	}
}

func TestFetchJSON_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", ContentTypeJSON)
		_, _ = w.Write([]byte(`{"issuer":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	res, err := FetchJSON[doc](context.Background(), srv.Client(), srv.URL, WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Data.Issuer)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestFetchJSON_CanceledContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FetchJSON[doc](ctx, srv.Client(), srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}
