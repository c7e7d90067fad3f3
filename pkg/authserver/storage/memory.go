// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/oidcd/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
// A zero expiresAt never expires.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for development and single
// replica deployments.
//
// Read-modify-write operations (code consumption, rotation, interaction
// updates) run entirely under the write lock, so they are linearizable.
// Callbacks passed to UpdateInteraction must therefore not block.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client. Clients never expire.
	clients map[string]*Client

	// codes maps code signature -> AuthorizationCode. Used codes stay until the replay
	// detection window passes.
	codes map[string]*timedEntry[*AuthorizationCode]

	// refreshTokens maps jti -> RefreshToken, including rotated ones.
	refreshTokens map[string]*timedEntry[*RefreshToken]

	// revokedGrants maps grant id -> marker expiry.
	revokedGrants map[string]time.Time

	interactions map[string]*timedEntry[*Interaction]

	// consents is keyed by consentKey(subject, client).
	consents map[string]*timedEntry[*Consent]

	sessions map[string]*timedEntry[*Session]

	now                func() time.Time
	cleanupInterval    time.Duration
	invalidatedCodeTTL time.Duration
	revocationTTL      time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithRevocationTTL sets how long revoked grants are remembered.
func WithRevocationTTL(ttl time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.revocationTTL = ttl
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:            make(map[string]*Client),
		codes:              make(map[string]*timedEntry[*AuthorizationCode]),
		refreshTokens:      make(map[string]*timedEntry[*RefreshToken]),
		revokedGrants:      make(map[string]time.Time),
		interactions:       make(map[string]*timedEntry[*Interaction]),
		consents:           make(map[string]*timedEntry[*Consent]),
		sessions:           make(map[string]*timedEntry[*Session]),
		now:                time.Now,
		cleanupInterval:    DefaultCleanupInterval,
		invalidatedCodeTTL: DefaultInvalidatedCodeTTL,
		revocationTTL:      DefaultGrantRevocationTTL,
		stopCleanup:        make(chan struct{}),
		cleanupDone:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n := s.cleanupExpired(); n > 0 {
				logger.Debugw("removed expired storage entries", "count", n)
			}
		}
	}
}

func collectExpired[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var keys []string
	for k, v := range m {
		if v.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// cleanupExpired removes all expired entries from storage and returns how
// many were removed. Keys are collected under the read lock and deleted under
// the write lock. Each entry is re-checked before deletion since a concurrent
// writer may have replaced it.
func (s *MemoryStorage) cleanupExpired() int {
	now := s.now()

	s.mu.RLock()
	expiredCodes := collectExpired(s.codes, now)
	expiredTokens := collectExpired(s.refreshTokens, now)
	expiredInteractions := collectExpired(s.interactions, now)
	expiredConsents := collectExpired(s.consents, now)
	expiredSessions := collectExpired(s.sessions, now)
	var expiredGrants []string
	for k, until := range s.revokedGrants {
		if !now.Before(until) {
			expiredGrants = append(expiredGrants, k)
		}
	}
	s.mu.RUnlock()

	total := len(expiredCodes) + len(expiredTokens) + len(expiredInteractions) +
		len(expiredConsents) + len(expiredSessions) + len(expiredGrants)
	if total == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	removed += deleteExpired(s.codes, expiredCodes, now)
	removed += deleteExpired(s.refreshTokens, expiredTokens, now)
	removed += deleteExpired(s.interactions, expiredInteractions, now)
	removed += deleteExpired(s.consents, expiredConsents, now)
	removed += deleteExpired(s.sessions, expiredSessions, now)
	for _, k := range expiredGrants {
		if until, ok := s.revokedGrants[k]; ok && !now.Before(until) {
			delete(s.revokedGrants, k)
			removed++
		}
	}
	return removed
}

func deleteExpired[T any](m map[string]*timedEntry[T], keys []string, now time.Time) int {
	n := 0
	for _, k := range keys {
		if e, ok := m[k]; ok && e.expired(now) {
			delete(m, k)
			n++
		}
	}
	return n
}

// -----------------------
// Clients
// -----------------------

// RegisterClient adds or replaces a client.
func (s *MemoryStorage) RegisterClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = cloneClient(client)
	return nil
}

// GetClient returns ErrNotFound for unknown clients.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
	}
	return cloneClient(c), nil
}

// -----------------------
// Authorization codes
// -----------------------

// CreateAuthorizationCode stores a fresh code.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCodeLocked(code)
}

func (s *MemoryStorage) createCodeLocked(code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code is required")
	}
	sig := codeSignature(code.Code)
	if _, exists := s.codes[sig]; exists {
		return fmt.Errorf("authorization code: %w", ErrAlreadyExists)
	}
	stored := cloneCode(code)
	stored.Code = ""
	s.codes[sig] = &timedEntry[*AuthorizationCode]{
		value:     stored,
		createdAt: s.now(),
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code used. Replays return
// ErrCodeAlreadyUsed together with the stored code.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[codeSignature(code)]
	if !ok {
		return nil, ErrCodeNotFound
	}
	c := e.value
	if c.Used() {
		return withCode(cloneCode(c), code), ErrCodeAlreadyUsed
	}
	if !now.Before(c.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	c.UsedAt = now
	e.expiresAt = later(c.ExpiresAt, now.Add(s.invalidatedCodeTTL))
	return withCode(cloneCode(c), code), nil
}

// -----------------------
// Refresh tokens
// -----------------------

// StoreRefreshToken records a newly issued refresh token.
func (s *MemoryStorage) StoreRefreshToken(_ context.Context, token *RefreshToken) error {
	if token == nil || token.ID == "" {
		return errors.New("refresh token id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.refreshTokens[token.ID]; exists {
		return fmt.Errorf("refresh token: %w", ErrAlreadyExists)
	}
	s.refreshTokens[token.ID] = &timedEntry[*RefreshToken]{
		value:     cloneRefreshToken(token),
		createdAt: s.now(),
		expiresAt: token.ExpiresAt,
	}
	return nil
}

// GetRefreshToken returns the token if it is still usable.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.refreshTokens[id]
	if !ok || e.expired(now) {
		return nil, ErrTokenNotFound
	}
	if !e.value.RotatedAt.IsZero() || s.grantRevokedLocked(e.value.GrantID, now) {
		return nil, ErrTokenRevoked
	}
	return cloneRefreshToken(e.value), nil
}

// RotateRefreshToken supersedes oldID with next. Presenting a token that was
// already rotated revokes its grant.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, oldID string, next *RefreshToken) (*RefreshToken, error) {
	if next == nil || next.ID == "" {
		return nil, errors.New("replacement refresh token id is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.refreshTokens[oldID]
	if !ok || e.expired(now) {
		return nil, ErrTokenNotFound
	}
	old := e.value
	if s.grantRevokedLocked(old.GrantID, now) {
		return nil, ErrTokenRevoked
	}
	if !old.RotatedAt.IsZero() {
		s.revokeGrantLocked(old.GrantID, now)
		logger.Warnw("refresh token replay detected, grant revoked",
			"grant_id", old.GrantID, "client_id", old.ClientID)
		return cloneRefreshToken(old), ErrTokenRevoked
	}
	if _, exists := s.refreshTokens[next.ID]; exists {
		return nil, fmt.Errorf("refresh token: %w", ErrAlreadyExists)
	}

	old.RotatedAt = now
	old.ReplacedBy = next.ID

	n := cloneRefreshToken(next)
	n.ParentID = old.ID
	if n.GrantID == "" {
		n.GrantID = old.GrantID
	}
	s.refreshTokens[n.ID] = &timedEntry[*RefreshToken]{value: n, createdAt: now, expiresAt: n.ExpiresAt}

	return cloneRefreshToken(old), nil
}

// RevokeGrant invalidates every token derived from grantID.
func (s *MemoryStorage) RevokeGrant(_ context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeGrantLocked(grantID, s.now())
	return nil
}

// IsGrantRevoked reports whether grantID was revoked.
func (s *MemoryStorage) IsGrantRevoked(_ context.Context, grantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantRevokedLocked(grantID, s.now()), nil
}

func (s *MemoryStorage) revokeGrantLocked(grantID string, now time.Time) {
	s.revokedGrants[grantID] = now.Add(s.revocationTTL)
}

func (s *MemoryStorage) grantRevokedLocked(grantID string, now time.Time) bool {
	until, ok := s.revokedGrants[grantID]
	return ok && now.Before(until)
}

// -----------------------
// Interactions
// -----------------------

// CreateInteraction stores a new interaction.
func (s *MemoryStorage) CreateInteraction(_ context.Context, interaction *Interaction) error {
	if interaction == nil || interaction.UID == "" {
		return errors.New("interaction uid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.interactions[interaction.UID]; exists {
		return fmt.Errorf("interaction: %w", ErrAlreadyExists)
	}
	s.interactions[interaction.UID] = &timedEntry[*Interaction]{
		value:     cloneInteraction(interaction),
		createdAt: s.now(),
		expiresAt: interaction.ExpiresAt,
	}
	return nil
}

// GetInteraction returns ErrNotFound or ErrExpired.
func (s *MemoryStorage) GetInteraction(_ context.Context, uid string) (*Interaction, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.interactionLocked(uid, now)
	if err != nil {
		return nil, err
	}
	return cloneInteraction(e.value), nil
}

func (s *MemoryStorage) interactionLocked(uid string, now time.Time) (*timedEntry[*Interaction], error) {
	e, ok := s.interactions[uid]
	if !ok {
		return nil, fmt.Errorf("interaction: %w", ErrNotFound)
	}
	if e.expired(now) {
		return nil, fmt.Errorf("interaction: %w", ErrExpired)
	}
	return e, nil
}

// UpdateInteraction applies fn to a copy of the interaction and stores the
// result if fn succeeds.
func (s *MemoryStorage) UpdateInteraction(
	_ context.Context, uid string, fn func(*Interaction) error,
) (*Interaction, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.interactionLocked(uid, now)
	if err != nil {
		return nil, err
	}
	updated := cloneInteraction(e.value)
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.UID = uid
	e.value = updated
	e.expiresAt = updated.ExpiresAt
	return cloneInteraction(updated), nil
}

// CompleteInteraction removes the interaction and stores code in one step.
func (s *MemoryStorage) CompleteInteraction(_ context.Context, uid string, code *AuthorizationCode) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.interactionLocked(uid, now); err != nil {
		return err
	}
	if err := s.createCodeLocked(code); err != nil {
		return err
	}
	delete(s.interactions, uid)
	return nil
}

// DeleteInteraction removes the interaction. Deleting a missing interaction
// is not an error.
func (s *MemoryStorage) DeleteInteraction(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interactions, uid)
	return nil
}

// -----------------------
// Consents
// -----------------------

func consentKey(subject, clientID string) string {
	return subject + "\x00" + clientID
}

// SaveConsent remembers approved scopes, replacing any earlier consent.
func (s *MemoryStorage) SaveConsent(_ context.Context, consent *Consent) error {
	if consent == nil || consent.Subject == "" || consent.ClientID == "" {
		return errors.New("consent subject and client are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[consentKey(consent.Subject, consent.ClientID)] = &timedEntry[*Consent]{
		value:     cloneConsent(consent),
		createdAt: s.now(),
		expiresAt: consent.ExpiresAt,
	}
	return nil
}

// GetConsent returns ErrNotFound when no live consent exists.
func (s *MemoryStorage) GetConsent(_ context.Context, subject, clientID string) (*Consent, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.consents[consentKey(subject, clientID)]
	if !ok || e.expired(now) {
		return nil, fmt.Errorf("consent: %w", ErrNotFound)
	}
	return cloneConsent(e.value), nil
}

// -----------------------
// Sessions
// -----------------------

// CreateSession stores a login session.
func (s *MemoryStorage) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session: %w", ErrAlreadyExists)
	}
	cp := *session
	s.sessions[session.ID] = &timedEntry[*Session]{value: &cp, createdAt: s.now(), expiresAt: session.ExpiresAt}
	return nil
}

// GetSession returns ErrNotFound or ErrExpired.
func (s *MemoryStorage) GetSession(_ context.Context, id string) (*Session, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if e.expired(now) {
		return nil, fmt.Errorf("session: %w", ErrExpired)
	}
	cp := *e.value
	return &cp, nil
}

// DeleteSession ends a login session.
func (s *MemoryStorage) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Stats holds entry counts per entity type.
type Stats struct {
	Clients       int
	Codes         int
	RefreshTokens int
	RevokedGrants int
	Interactions  int
	Consents      int
	Sessions      int
}

// Stats returns current statistics about storage contents, including entries
// that have expired but not yet been swept.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:       len(s.clients),
		Codes:         len(s.codes),
		RefreshTokens: len(s.refreshTokens),
		RevokedGrants: len(s.revokedGrants),
		Interactions:  len(s.interactions),
		Consents:      len(s.consents),
		Sessions:      len(s.sessions),
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func cloneClient(c *Client) *Client {
	cp := *c
	cp.SecretHash = slices.Clone(c.SecretHash)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func withCode(c *AuthorizationCode, code string) *AuthorizationCode {
	c.Code = code
	return c
}

func cloneCode(c *AuthorizationCode) *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func cloneRefreshToken(t *RefreshToken) *RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

func cloneInteraction(i *Interaction) *Interaction {
	cp := *i
	cp.Params.Scopes = slices.Clone(i.Params.Scopes)
	return &cp
}

func cloneConsent(c *Consent) *Consent {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

var _ Storage = (*MemoryStorage)(nil)
