// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseMaxAge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   time.Duration
		ok     bool
	}{
		{header: "public, max-age=900", want: 15 * time.Minute, ok: true},
		{header: "MAX-AGE=60", want: time.Minute, ok: true},
		{header: "no-store", want: 0, ok: true},
		{header: "max-age=abc", ok: false},
		{header: "max-age=-1", ok: false},
		{header: "public", ok: false},
		{header: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			t.Parallel()
			got, ok := parseMaxAge(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWKSCacheTTL(t *testing.T) {
	t.Parallel()
	c := &jwksCache{minRefresh: time.Minute, maxRefresh: time.Hour}

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "within window", header: "max-age=900", want: 15 * time.Minute},
		{name: "below minimum", header: "max-age=1", want: time.Minute},
		{name: "no-cache", header: "no-cache", want: time.Minute},
		{name: "above maximum", header: "max-age=86400", want: time.Hour},
		{name: "absent", header: "", want: DefaultRefreshInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			if tt.header != "" {
				h.Set("Cache-Control", tt.header)
			}
			assert.Equal(t, tt.want, c.ttl(h))
		})
	}
}
