// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcd/pkg/logger"
)

// keyState is an immutable snapshot. Manager replaces it wholesale.
type keyState struct {
	current *SigningKeyData
	retired []*PublicKeyData // newest first
}

// Manager is a rotating KeyProvider.
//
// Readers load the current snapshot without locking. Rotate and Purge build a
// new snapshot and publish it with a single atomic store, so a failed rotation
// leaves the previous snapshot untouched.
type Manager struct {
	state    atomic.Pointer[keyState]
	rotateMu sync.Mutex

	algorithm        string
	rotationInterval time.Duration
	retention        time.Duration
	tickInterval     time.Duration
	now              func() time.Time
	generate         func(algorithm string, now time.Time) (*SigningKeyData, error)
	onRotate         func(newKeyID string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAlgorithm sets the algorithm used for rotated keys.
func WithAlgorithm(alg string) ManagerOption {
	return func(m *Manager) { m.algorithm = alg }
}

// WithRotationInterval sets the maximum signing key age. Zero disables rotation.
func WithRotationInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.rotationInterval = d }
}

// WithRetentionPeriod sets how long retired keys remain published.
func WithRetentionPeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retention = d }
}

// WithTickInterval sets how often Run checks for rotation and purges.
func WithTickInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.tickInterval = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRotationHook registers a callback invoked after every successful rotation.
func WithRotationHook(fn func(newKeyID string)) ManagerOption {
	return func(m *Manager) { m.onRotate = fn }
}

func withGenerator(fn func(string, time.Time) (*SigningKeyData, error)) ManagerOption {
	return func(m *Manager) { m.generate = fn }
}

// NewManager seeds a Manager from provider. The provider's signing key becomes
// the current key; its other public keys are published without expiry.
func NewManager(ctx context.Context, seed KeyProvider, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		retention:    DefaultRetentionPeriod,
		tickInterval: time.Minute,
		now:          time.Now,
		generate:     generateKey,
	}
	for _, opt := range opts {
		opt(m)
	}

	current, err := seed.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}
	if current == nil || current.Key == nil {
		return nil, ErrNoSigningKey
	}
	if m.algorithm == "" {
		m.algorithm = current.Algorithm
	}

	published, err := seed.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}
	var fallback []*PublicKeyData
	for _, k := range published {
		if k.KeyID == current.KeyID {
			continue
		}
		fallback = append(fallback, k)
	}

	m.state.Store(&keyState{current: current.clone(), retired: fallback})
	return m, nil
}

// SigningKey returns the current signing key. A key older than the rotation
// interval is rotated before it is returned.
func (m *Manager) SigningKey(ctx context.Context) (*SigningKeyData, error) {
	st := m.state.Load()
	if m.due(st) {
		if err := m.rotateIfDue(ctx); err != nil {
			return nil, err
		}
		st = m.state.Load()
	}
	return st.current.clone(), nil
}

// PublicKeys returns the current key and every retired key still inside its
// retention window.
func (m *Manager) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	st := m.state.Load()
	now := m.now()

	out := make([]*PublicKeyData, 0, len(st.retired)+1)
	out = append(out, st.current.Public())
	for _, k := range st.retired {
		if retained(k, now) {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

// PublicJWKS renders the published keys as a JSON Web Key Set.
func (m *Manager) PublicJWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	pubs, err := m.PublicKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return BuildJWKS(pubs), nil
}

// BuildJWKS converts public keys to a JWKS with use=sig.
func BuildJWKS(pubs []*PublicKeyData) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, k := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// Rotate generates a new signing key and retires the current one.
// Key generation happens before any state changes; on failure nothing changes.
func (m *Manager) Rotate(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	return m.rotateLocked(ctx)
}

func (m *Manager) rotateIfDue(ctx context.Context) error {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	if !m.due(m.state.Load()) {
		return nil
	}
	return m.rotateLocked(ctx)
}

func (m *Manager) rotateLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := m.now()
	next, err := m.generate(m.algorithm, now)
	if err != nil {
		return fmt.Errorf("key rotation failed: %w", err)
	}

	prev := m.state.Load()
	old := prev.current.Public()
	old.RetiredAt = now
	old.RetainUntil = now.Add(m.retention)

	retired := make([]*PublicKeyData, 0, len(prev.retired)+1)
	retired = append(retired, old)
	for _, k := range prev.retired {
		if retained(k, now) {
			retired = append(retired, k)
		}
	}

	m.state.Store(&keyState{current: next, retired: retired})

	logger.Infow("rotated signing key",
		"key_id", next.KeyID,
		"retired_key_id", old.KeyID,
		"retain_until", old.RetainUntil,
	)
	if m.onRotate != nil {
		m.onRotate(next.KeyID)
	}
	return nil
}

// Purge drops retired keys whose retention window has passed and returns how
// many were removed.
func (m *Manager) Purge() int {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	prev := m.state.Load()
	now := m.now()
	kept := make([]*PublicKeyData, 0, len(prev.retired))
	for _, k := range prev.retired {
		if retained(k, now) {
			kept = append(kept, k)
		}
	}
	removed := len(prev.retired) - len(kept)
	if removed == 0 {
		return 0
	}

	m.state.Store(&keyState{current: prev.current, retired: kept})
	logger.Debugw("purged retired signing keys", "count", removed)
	return removed
}

// Run rotates and purges on a ticker until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.rotateIfDue(ctx); err != nil && ctx.Err() == nil {
				logger.Errorw("scheduled key rotation failed", "error", err)
			}
			m.Purge()
		}
	}
}

func (m *Manager) due(st *keyState) bool {
	return m.rotationInterval > 0 && m.now().Sub(st.current.CreatedAt) >= m.rotationInterval
}

func retained(k *PublicKeyData, now time.Time) bool {
	return k.RetainUntil.IsZero() || now.Before(k.RetainUntil)
}
