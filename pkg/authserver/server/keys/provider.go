// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go KeyProvider

// KeyProvider provides signing keys for JWT operations.
type KeyProvider interface {
	// SigningKey returns the key that signs new tokens.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns every key a token may legitimately reference.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// FileProvider loads signing keys from PEM files.
// Keys are loaded once at construction; changes require a restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider loads Config.SigningKeyFile as the signing key and
// Config.FallbackKeyFiles as verification-only keys.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

func loadKeyFromFile(keyPath string) (*SigningKeyData, error) {
	signer, err := servercrypto.LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	params, err := servercrypto.DeriveSigningKeyParams(signer, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}

	return &SigningKeyData{
		KeyID:     params.KeyID,
		Algorithm: params.Algorithm,
		Key:       params.Key,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns a copy of the primary signing key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signingKey.clone(), nil
}

// PublicKeys returns the signing key and all fallback keys.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, key.Public())
	}
	return pubKeys, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates an ephemeral key.
// If algorithm is empty, DefaultAlgorithm is used.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey returns the signing key, generating one if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := generateKey(p.algorithm, time.Now())
		if err != nil {
			return nil, err
		}
		logger.Warnw("generated ephemeral signing key, tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}
	return p.key.clone(), nil
}

// PublicKeys returns the public half of the generated key.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{key.Public()}, nil
}

func generateKey(algorithm string, now time.Time) (*SigningKeyData, error) {
	privateKey, err := servercrypto.GenerateSigningKey(algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	keyID, err := servercrypto.DeriveKeyID(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: algorithm,
		Key:       privateKey,
		CreatedAt: now,
	}, nil
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
	_ KeyProvider = (*Manager)(nil)
)
