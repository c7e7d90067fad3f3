// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/server/keys"
)

const lockTimeout = 5 * time.Second

func newKeygenCmd() *cobra.Command {
	var (
		out       string
		algorithm string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Long: `Generate a PEM encoded private key for signing tokens.

Reference the file from the configuration with keys.keyDir and keys.signingKeyFile.
The previous key can be listed in keys.fallbackKeyFiles so that tokens it signed
keep verifying.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				p, err := xdg.DataFile(filepath.Join(appDirName, "keys", "signing.pem"))
				if err != nil {
					return fmt.Errorf("failed to resolve key path: %w", err)
				}
				out = p
			}
			kid, err := writeSigningKey(cmd.Context(), out, algorithm, force)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s key %s to %s\n", algorithm, kid, out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default: $XDG_DATA_HOME/oidcd/keys/signing.pem)")
	cmd.Flags().StringVar(&algorithm, "algorithm", keys.DefaultAlgorithm, "JWS algorithm: ES256, ES384, ES512, RS256, RS384, RS512 or EdDSA")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// writeSigningKey generates a key and writes it with mode 0600 while holding
// a lock file next to path.
func writeSigningKey(ctx context.Context, path, algorithm string, force bool) (string, error) {
	if !servercrypto.IsSupportedAlgorithm(algorithm) {
		return "", fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}

	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer func() { _ = fileLock.Unlock() }()

	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to check %s: %w", path, err)
	}

	key, err := servercrypto.GenerateSigningKey(algorithm)
	if err != nil {
		return "", err
	}
	pemBytes, err := servercrypto.EncodePrivateKeyPEM(key)
	if err != nil {
		return "", err
	}
	kid, err := servercrypto.DeriveKeyID(key)
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pemBytes, 0o600); err != nil {
		return "", fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write key: %w", err)
	}
	return kid, nil
}
