// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/oidcd/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// expiredGrace keeps records in Redis a little past their expiry so lookups
// can report ErrExpired instead of ErrNotFound.
const expiredGrace = 5 * time.Minute

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// KeyType names the entity segment of a Redis key.
type KeyType string

// Key types.
const (
	KeyTypeClient      KeyType = "client"
	KeyTypeCode        KeyType = "code"
	KeyTypeRefresh     KeyType = "refresh"
	KeyTypeGrant       KeyType = "revoked_grant"
	KeyTypeInteraction KeyType = "interaction"
	KeyTypeConsent     KeyType = "consent"
	KeyTypeSession     KeyType = "session"
)

func redisKey(prefix string, keyType KeyType, id string) string {
	return prefix + string(keyType) + ":" + id
}

// codeSignature keeps raw authorization codes out of the keyspace.
func codeSignature(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// RedisConfig holds Redis connection configuration. Either Addr or
// SentinelConfig must be set.
type RedisConfig struct {
	// Addr is a standalone server address such as localhost:6379.
	Addr string `yaml:"addr,omitempty"`

	// SentinelConfig selects Sentinel failover mode.
	SentinelConfig *SentinelConfig `yaml:"sentinel,omitempty"`

	// ACLUserConfig holds optional ACL credentials.
	ACLUserConfig *ACLUserConfig `yaml:"acl,omitempty"`

	// DB selects the logical database.
	DB int `yaml:"db,omitempty"`

	// KeyPrefix namespaces keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string `yaml:"keyPrefix,omitempty"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `yaml:"dialTimeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `yaml:"masterName"`
	SentinelAddrs []string `yaml:"addrs"`
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func validateConfig(cfg *RedisConfig) error {
	if cfg.Addr == "" && cfg.SentinelConfig == nil {
		return errors.New("redis address or sentinel configuration is required")
	}
	if cfg.Addr != "" && cfg.SentinelConfig != nil {
		return errors.New("redis address and sentinel configuration are mutually exclusive")
	}
	if s := cfg.SentinelConfig; s != nil {
		if s.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(s.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	}
	return nil
}

// RedisStorage implements the Storage interface on Redis so that several
// provider replicas can share grants and sessions.
//
// Atomic operations use WATCH/MULTI optimistic transactions and retry when
// another client modified a watched key first.
type RedisStorage struct {
	client             redis.UniversalClient
	keyPrefix          string
	now                func() time.Time
	invalidatedCodeTTL time.Duration
	revocationTTL      time.Duration
}

// RedisStorageOption configures a RedisStorage.
type RedisStorageOption func(*RedisStorage)

// WithRedisClock overrides the time source used for expiry decisions.
func WithRedisClock(now func() time.Time) RedisStorageOption {
	return func(s *RedisStorage) { s.now = now }
}

// WithRedisRevocationTTL sets how long revoked grants are remembered.
func WithRedisRevocationTTL(ttl time.Duration) RedisStorageOption {
	return func(s *RedisStorage) { s.revocationTTL = ttl }
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig, opts ...RedisStorageOption) (*RedisStorage, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	uo := &redis.UniversalOptions{
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.SentinelConfig != nil {
		uo.MasterName = cfg.SentinelConfig.MasterName
		uo.Addrs = cfg.SentinelConfig.SentinelAddrs
	} else {
		uo.Addrs = []string{cfg.Addr}
	}
	if cfg.ACLUserConfig != nil {
		uo.Username = cfg.ACLUserConfig.Username
		uo.Password = cfg.ACLUserConfig.Password
	}
	client := redis.NewUniversalClient(uo)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string, opts ...RedisStorageOption) *RedisStorage {
	s := &RedisStorage{
		client:             client,
		keyPrefix:          keyPrefix,
		now:                time.Now,
		invalidatedCodeTTL: DefaultInvalidatedCodeTTL,
		revocationTTL:      DefaultGrantRevocationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(keyType KeyType, id string) string {
	return redisKey(s.keyPrefix, keyType, id)
}

// ttlUntil converts an absolute deadline into a key TTL. Zero means no expiry.
func (s *RedisStorage) ttlUntil(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	ttl := deadline.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// transact runs fn inside WATCH on keys, retrying when another client wins
// the race. Errors returned by fn are passed through.
func (s *RedisStorage) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, redis.TxFailedErr)
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &v, nil
}

func setJSON(ctx context.Context, c redis.Cmdable, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl).Err()
}

func setNXJSON(ctx context.Context, c redis.Cmdable, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	ok, err := c.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// -----------------------
// Clients
// -----------------------

// RegisterClient adds or replaces a client.
func (s *RedisStorage) RegisterClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id is required")
	}
	return setJSON(ctx, s.client, s.key(KeyTypeClient, client.ID), client, 0)
}

// GetClient returns ErrNotFound for unknown clients.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	c, err := getJSON[Client](ctx, s.client, s.key(KeyTypeClient, id))
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
	}
	return c, err
}

// -----------------------
// Authorization codes
// -----------------------

func (s *RedisStorage) codeKey(code string) string {
	return s.key(KeyTypeCode, codeSignature(code))
}

// CreateAuthorizationCode stores a fresh code.
func (s *RedisStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code is required")
	}
	err := setNXJSON(ctx, s.client, s.codeKey(code.Code), code, s.ttlUntil(code.ExpiresAt.Add(expiredGrace)))
	if errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("authorization code: %w", ErrAlreadyExists)
	}
	return err
}

// ConsumeAuthorizationCode atomically marks the code used. Replays return
// ErrCodeAlreadyUsed together with the stored code.
func (s *RedisStorage) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	key := s.codeKey(code)
	var result *AuthorizationCode

	err := s.transact(ctx, func(tx *redis.Tx) error {
		result = nil
		c, err := getJSON[AuthorizationCode](ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		c.Code = code
		if c.Used() {
			result = c
			return ErrCodeAlreadyUsed
		}
		now := s.now()
		if !now.Before(c.ExpiresAt) {
			return ErrCodeExpired
		}

		c.UsedAt = now
		ttl := s.ttlUntil(later(c.ExpiresAt, now.Add(s.invalidatedCodeTTL)))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return setJSON(ctx, pipe, key, c, ttl)
		})
		if err != nil {
			return err
		}
		result = c
		return nil
	}, key)

	return result, err
}

// -----------------------
// Refresh tokens
// -----------------------

// StoreRefreshToken records a newly issued refresh token.
func (s *RedisStorage) StoreRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token == nil || token.ID == "" {
		return errors.New("refresh token id is required")
	}
	err := setNXJSON(ctx, s.client, s.key(KeyTypeRefresh, token.ID), token, s.ttlUntil(token.ExpiresAt))
	if errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("refresh token: %w", ErrAlreadyExists)
	}
	return err
}

// GetRefreshToken returns the token if it is still usable.
func (s *RedisStorage) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	t, err := getJSON[RefreshToken](ctx, s.client, s.key(KeyTypeRefresh, id))
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(t.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	if !t.RotatedAt.IsZero() {
		return nil, ErrTokenRevoked
	}
	revoked, err := s.IsGrantRevoked(ctx, t.GrantID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return t, nil
}

// RotateRefreshToken supersedes oldID with next. Presenting a token that was
// already rotated revokes its grant.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken) (*RefreshToken, error) {
	if next == nil || next.ID == "" {
		return nil, errors.New("replacement refresh token id is required")
	}
	oldKey := s.key(KeyTypeRefresh, oldID)
	nextKey := s.key(KeyTypeRefresh, next.ID)
	var result *RefreshToken

	err := s.transact(ctx, func(tx *redis.Tx) error {
		result = nil
		old, err := getJSON[RefreshToken](ctx, tx, oldKey)
		if errors.Is(err, redis.Nil) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		now := s.now()
		if !now.Before(old.ExpiresAt) {
			return ErrTokenNotFound
		}
		grantKey := s.key(KeyTypeGrant, old.GrantID)
		revoked, err := tx.Exists(ctx, grantKey).Result()
		if err != nil {
			return err
		}
		if revoked > 0 {
			return ErrTokenRevoked
		}

		if !old.RotatedAt.IsZero() {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return pipe.Set(ctx, grantKey, "1", s.revocationTTL).Err()
			}); err != nil {
				return err
			}
			logger.Warnw("refresh token replay detected, grant revoked",
				"grant_id", old.GrantID, "client_id", old.ClientID)
			result = old
			return ErrTokenRevoked
		}

		if n, err := tx.Exists(ctx, nextKey).Result(); err != nil {
			return err
		} else if n > 0 {
			return fmt.Errorf("refresh token: %w", ErrAlreadyExists)
		}

		old.RotatedAt = now
		old.ReplacedBy = next.ID
		n := cloneRefreshToken(next)
		n.ParentID = old.ID
		if n.GrantID == "" {
			n.GrantID = old.GrantID
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := setJSON(ctx, pipe, oldKey, old, redis.KeepTTL); err != nil {
				return err
			}
			return setJSON(ctx, pipe, nextKey, n, s.ttlUntil(n.ExpiresAt))
		})
		if err != nil {
			return err
		}
		result = old
		return nil
	}, oldKey, nextKey)

	return result, err
}

// RevokeGrant invalidates every token derived from grantID.
func (s *RedisStorage) RevokeGrant(ctx context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	return s.client.Set(ctx, s.key(KeyTypeGrant, grantID), "1", s.revocationTTL).Err()
}

// IsGrantRevoked reports whether grantID was revoked.
func (s *RedisStorage) IsGrantRevoked(ctx context.Context, grantID string) (bool, error) {
	if grantID == "" {
		return false, nil
	}
	n, err := s.client.Exists(ctx, s.key(KeyTypeGrant, grantID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// -----------------------
// Interactions
// -----------------------

// CreateInteraction stores a new interaction.
func (s *RedisStorage) CreateInteraction(ctx context.Context, interaction *Interaction) error {
	if interaction == nil || interaction.UID == "" {
		return errors.New("interaction uid is required")
	}
	key := s.key(KeyTypeInteraction, interaction.UID)
	err := setNXJSON(ctx, s.client, key, interaction, s.ttlUntil(interaction.ExpiresAt.Add(expiredGrace)))
	if errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("interaction: %w", ErrAlreadyExists)
	}
	return err
}

func (s *RedisStorage) loadInteraction(ctx context.Context, c redis.Cmdable, key string) (*Interaction, error) {
	i, err := getJSON[Interaction](ctx, c, key)
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("interaction: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(i.ExpiresAt) {
		return nil, fmt.Errorf("interaction: %w", ErrExpired)
	}
	return i, nil
}

// GetInteraction returns ErrNotFound or ErrExpired.
func (s *RedisStorage) GetInteraction(ctx context.Context, uid string) (*Interaction, error) {
	return s.loadInteraction(ctx, s.client, s.key(KeyTypeInteraction, uid))
}

// UpdateInteraction applies fn to the interaction inside an optimistic
// transaction. fn may run more than once under contention.
func (s *RedisStorage) UpdateInteraction(
	ctx context.Context, uid string, fn func(*Interaction) error,
) (*Interaction, error) {
	key := s.key(KeyTypeInteraction, uid)
	var result *Interaction

	err := s.transact(ctx, func(tx *redis.Tx) error {
		result = nil
		i, err := s.loadInteraction(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(i); err != nil {
			return err
		}
		i.UID = uid
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return setJSON(ctx, pipe, key, i, s.ttlUntil(i.ExpiresAt.Add(expiredGrace)))
		})
		if err != nil {
			return err
		}
		result = i
		return nil
	}, key)

	return result, err
}

// CompleteInteraction removes the interaction and stores code in one
// transaction.
func (s *RedisStorage) CompleteInteraction(ctx context.Context, uid string, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code is required")
	}
	key := s.key(KeyTypeInteraction, uid)
	codeKey := s.codeKey(code.Code)

	return s.transact(ctx, func(tx *redis.Tx) error {
		if _, err := s.loadInteraction(ctx, tx, key); err != nil {
			return err
		}
		if n, err := tx.Exists(ctx, codeKey).Result(); err != nil {
			return err
		} else if n > 0 {
			return fmt.Errorf("authorization code: %w", ErrAlreadyExists)
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return setJSON(ctx, pipe, codeKey, code, s.ttlUntil(code.ExpiresAt.Add(expiredGrace)))
		})
		return err
	}, key, codeKey)
}

// DeleteInteraction removes the interaction.
func (s *RedisStorage) DeleteInteraction(ctx context.Context, uid string) error {
	return s.client.Del(ctx, s.key(KeyTypeInteraction, uid)).Err()
}

// -----------------------
// Consents
// -----------------------

func (s *RedisStorage) consentKey(subject, clientID string) string {
	return s.key(KeyTypeConsent, subject+":"+clientID)
}

// SaveConsent remembers approved scopes, replacing any earlier consent.
func (s *RedisStorage) SaveConsent(ctx context.Context, consent *Consent) error {
	if consent == nil || consent.Subject == "" || consent.ClientID == "" {
		return errors.New("consent subject and client are required")
	}
	return setJSON(ctx, s.client, s.consentKey(consent.Subject, consent.ClientID), consent,
		s.ttlUntil(consent.ExpiresAt))
}

// GetConsent returns ErrNotFound when no live consent exists.
func (s *RedisStorage) GetConsent(ctx context.Context, subject, clientID string) (*Consent, error) {
	c, err := getJSON[Consent](ctx, s.client, s.consentKey(subject, clientID))
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("consent: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !c.ExpiresAt.IsZero() && !s.now().Before(c.ExpiresAt) {
		return nil, fmt.Errorf("consent: %w", ErrNotFound)
	}
	return c, nil
}

// -----------------------
// Sessions
// -----------------------

// CreateSession stores a login session.
func (s *RedisStorage) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	err := setNXJSON(ctx, s.client, s.key(KeyTypeSession, session.ID), session,
		s.ttlUntil(session.ExpiresAt.Add(expiredGrace)))
	if errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("session: %w", ErrAlreadyExists)
	}
	return err
}

// GetSession returns ErrNotFound or ErrExpired.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := getJSON[Session](ctx, s.client, s.key(KeyTypeSession, id))
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, fmt.Errorf("session: %w", ErrExpired)
	}
	return sess, nil
}

// DeleteSession ends a login session.
func (s *RedisStorage) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(KeyTypeSession, id)).Err()
}

var _ Storage = (*RedisStorage)(nil)
