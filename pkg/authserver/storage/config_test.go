// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: *DefaultConfig()},
		{name: "empty type means memory", cfg: Config{}},
		{name: "redis without settings", cfg: Config{Type: TypeRedis}, wantErr: true},
		{name: "redis standalone", cfg: Config{Type: TypeRedis, Redis: &RedisConfig{Addr: "localhost:6379"}}},
		{name: "sqlite without settings", cfg: Config{Type: TypeSQLite}, wantErr: true},
		{name: "sqlite without path", cfg: Config{Type: TypeSQLite, SQLite: &SQLiteConfig{}}, wantErr: true},
		{name: "sqlite", cfg: Config{Type: TypeSQLite, SQLite: &SQLiteConfig{Path: "/var/lib/oidcd/grants.db"}}},
		{name: "unknown type", cfg: Config{Type: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("nil config yields memory", func(t *testing.T) {
		t.Parallel()
		s, err := New(ctx, nil)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &MemoryStorage{}, s)
	})

	t.Run("redis", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		s, err := New(ctx, &Config{Type: TypeRedis, Redis: &RedisConfig{Addr: mr.Addr(), KeyPrefix: "x:"}})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &RedisStorage{}, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "state", "grants.db")
		s, err := New(ctx, &Config{Type: TypeSQLite, SQLite: &SQLiteConfig{Path: path}})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &SQLiteStorage{}, s)
		assert.FileExists(t, path)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		_, err := New(ctx, &Config{Type: "etcd"})
		assert.Error(t, err)
	})
}
