// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/oidcd/pkg/authserver/token"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/networking"
)

const contentTypeJWKSet = "application/jwk-set+json"

type cachedSet struct {
	set       jwk.Set
	expiresAt time.Time
}

// jwksCache is a token.KeyResolver backed by a remote JWKS. Readers load an
// immutable snapshot; refreshes are collapsed with singleflight.
type jwksCache struct {
	url        string
	client     networking.HTTPClient
	now        func() time.Time
	minRefresh time.Duration
	maxRefresh time.Duration
	fetchTries uint
	// fetchBudget bounds one shared fetch, retries included.
	fetchBudget time.Duration

	// limiter admits refreshes forced by an unknown kid. Scheduled refreshes
	// are not charged.
	limiter *rate.Limiter
	group   singleflight.Group
	current atomic.Pointer[cachedSet]
}

var _ token.KeyResolver = (*jwksCache)(nil)

func newJWKSCache(url string, client networking.HTTPClient, cfg *Config, now func() time.Time) *jwksCache {
	c := &jwksCache{
		url:        url,
		client:     client,
		now:        now,
		minRefresh: cfg.MinRefreshInterval,
		maxRefresh: cfg.MaxRefreshInterval,
		fetchTries: uint(*cfg.FetchRetries) + 1, // #nosec G115 -- validated non-negative
		limiter:    rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
	}
	c.fetchBudget = time.Duration(c.fetchTries)*cfg.FetchTimeout + time.Second
	return c
}

// ResolveKey returns the published key whose kid matches. An unknown kid
// triggers at most one forced refresh per MinRefreshInterval.
func (c *jwksCache) ResolveKey(ctx context.Context, kid string) (*token.VerificationKey, error) {
	cs := c.current.Load()
	if cs == nil || !c.now().Before(cs.expiresAt) {
		var err error
		if cs, err = c.refresh(ctx, false); err != nil {
			return nil, err
		}
	}
	if key, ok := cs.set.LookupKeyID(kid); ok {
		return toVerificationKey(key, kid)
	}

	logger.Debugw("kid not in cached JWKS, forcing refresh", "kid", kid, "jwks_url", c.url)
	cs, err := c.refresh(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := cs.set.LookupKeyID(kid); ok {
		return toVerificationKey(key, kid)
	}
	return nil, token.ErrKeyNotFound
}

// refresh fetches the JWKS unless a concurrent caller already is. A forced
// refresh that the limiter rejects returns the current snapshot.
//
// The shared fetch runs detached from the caller that started it, so one
// cancelled request does not fail every waiter.
func (c *jwksCache) refresh(ctx context.Context, force bool) (*cachedSet, error) {
	key := "scheduled"
	if force {
		key = "forced"
	}
	ch := c.group.DoChan(key, func() (any, error) {
		now := c.now()
		if cur := c.current.Load(); cur != nil {
			if force && !c.limiter.AllowN(now, 1) {
				return cur, nil
			}
			if !force && now.Before(cur.expiresAt) {
				return cur, nil
			}
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchBudget)
		defer cancel()
		cs, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.current.Store(cs)
		return cs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cachedSet), nil
	}
}

func (c *jwksCache) fetch(ctx context.Context) (*cachedSet, error) {
	res, err := networking.FetchJSON[json.RawMessage](ctx, c.client, c.url,
		networking.WithRetry(c.fetchTries, 100*time.Millisecond),
		networking.WithContentTypes(networking.ContentTypeJSON, contentTypeJWKSet),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks: %w", ErrFetchFailed, err)
	}
	set, err := jwk.Parse(res.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse JWKS: %w", ErrFetchFailed, err)
	}

	ttl := c.ttl(res.Headers)
	logger.Debugw("fetched JWKS", "jwks_url", c.url, "keys", set.Len(), "ttl", ttl)
	return &cachedSet{set: set, expiresAt: c.now().Add(ttl)}, nil
}

// ttl derives the cache lifetime from Cache-Control max-age, clamped to the
// configured refresh window.
func (c *jwksCache) ttl(h http.Header) time.Duration {
	ttl := DefaultRefreshInterval
	if maxAge, ok := parseMaxAge(h.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	return min(max(ttl, c.minRefresh), c.maxRefresh)
}

func parseMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		switch {
		case directive == "no-store" || directive == "no-cache":
			return 0, true
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err != nil || secs < 0 {
				return 0, false
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

func toVerificationKey(key jwk.Key, kid string) (*token.VerificationKey, error) {
	if use, ok := key.KeyUsage(); ok && use != "sig" {
		return nil, token.ErrKeyNotFound
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %s: %w", kid, err)
	}
	vk := &token.VerificationKey{KeyID: kid, Key: raw}
	if alg, ok := key.Algorithm(); ok {
		vk.Algorithm = alg.String()
	}
	return vk, nil
}
