// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server or Sentinel group.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database file.
	TypeSQLite Type = "sqlite"

	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultInvalidatedCodeTTL is how long used codes are kept for replay detection.
	DefaultInvalidatedCodeTTL = 30 * time.Minute

	// DefaultGrantRevocationTTL is how long a revoked grant marker is kept. It
	// must outlive every refresh token of the grant.
	DefaultGrantRevocationTTL = 24 * time.Hour

	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "oidcd:"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `yaml:"type,omitempty"`

	// Redis is required when Type is redis.
	Redis *RedisConfig `yaml:"redis,omitempty"`

	// SQLite is required when Type is sqlite.
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty"`

	// CleanupInterval is the sweep period of the memory and sqlite backends.
	CleanupInterval time.Duration `yaml:"cleanupInterval,omitempty"`

	// GrantRevocationTTL bounds how long revoked grants are remembered.
	GrantRevocationTTL time.Duration `yaml:"grantRevocationTTL,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:               TypeMemory,
		CleanupInterval:    DefaultCleanupInterval,
		GrantRevocationTTL: DefaultGrantRevocationTTL,
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		if c.Redis == nil {
			return fmt.Errorf("redis configuration is required for storage type %q", c.Type)
		}
		return validateConfig(c.Redis)
	case TypeSQLite:
		if c.SQLite == nil || c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for storage type %q", c.Type)
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage type %q", c.Type)
	}
}

// New creates the backend selected by cfg.
func New(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	revocationTTL := cfg.GrantRevocationTTL
	if revocationTTL <= 0 {
		revocationTTL = DefaultGrantRevocationTTL
	}

	switch cfg.Type {
	case TypeRedis:
		return NewRedisStorage(ctx, *cfg.Redis, WithRedisRevocationTTL(revocationTTL))
	case TypeSQLite:
		opts := []SQLiteStorageOption{WithSQLiteRevocationTTL(revocationTTL)}
		if cfg.CleanupInterval > 0 {
			opts = append(opts, WithSQLiteCleanupInterval(cfg.CleanupInterval))
		}
		return NewSQLiteStorage(ctx, cfg.SQLite.Path, opts...)
	default:
		opts := []MemoryStorageOption{WithRevocationTTL(revocationTTL)}
		if cfg.CleanupInterval > 0 {
			opts = append(opts, WithCleanupInterval(cfg.CleanupInterval))
		}
		return NewMemoryStorage(opts...), nil
	}
}
