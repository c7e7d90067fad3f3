// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultRotationInterval is how long a generated key signs before it is replaced.
	DefaultRotationInterval = 24 * time.Hour

	// DefaultRetentionPeriod is how long a retired key stays published.
	DefaultRetentionPeriod = 24 * time.Hour
)

// Config holds configuration for the key manager.
type Config struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	// All key filenames are relative to this directory.
	KeyDir string `yaml:"keyDir,omitempty"`

	// SigningKeyFile is the filename of the primary signing key (relative to KeyDir).
	// If both KeyDir and SigningKeyFile are empty, an ephemeral key is generated.
	SigningKeyFile string `yaml:"signingKeyFile,omitempty"`

	// FallbackKeyFiles are previously used keys. They are published in the JWKS
	// so their tokens keep verifying, but they never sign.
	FallbackKeyFiles []string `yaml:"fallbackKeyFiles,omitempty"`

	// Algorithm is used for generated and rotated keys. Defaults to ES256.
	Algorithm string `yaml:"algorithm,omitempty"`

	// RotationInterval is the maximum age of the signing key. Zero disables rotation.
	RotationInterval time.Duration `yaml:"rotationInterval,omitempty"`

	// RetentionPeriod is how long a retired key is still published. It must be at
	// least the longest token lifetime.
	RetentionPeriod time.Duration `yaml:"retentionPeriod,omitempty"`
}

// NewProviderFromConfig creates the seed KeyProvider.
//
//   - KeyDir and SigningKeyFile set: load keys from the directory
//   - both empty: generate an ephemeral key (development)
//   - KeyDir set without SigningKeyFile: error
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.KeyDir != "" || cfg.SigningKeyFile != "" {
		return NewFileProvider(cfg)
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	return NewGeneratingProvider(alg), nil
}

// NewManagerFromConfig builds a rotating Manager seeded from the configured provider.
func NewManagerFromConfig(ctx context.Context, cfg Config, opts ...ManagerOption) (*Manager, error) {
	seed, err := NewProviderFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}

	base := []ManagerOption{WithRotationInterval(cfg.RotationInterval)}
	if cfg.RetentionPeriod > 0 {
		base = append(base, WithRetentionPeriod(cfg.RetentionPeriod))
	}
	if cfg.Algorithm != "" {
		base = append(base, WithAlgorithm(cfg.Algorithm))
	}
	return NewManager(ctx, seed, append(base, opts...)...)
}
