// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/oidcd/pkg/authserver"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without starting the provider.

This checks YAML syntax, unknown keys, the issuer URL, token lifetimes,
key retention, storage settings, clients and users.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := authserver.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			if err := cfg.Resolve(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Configuration is valid: %s\n", path)
			_, _ = fmt.Fprintf(out, "  Issuer:  %s\n", cfg.Issuer)
			_, _ = fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Type)
			_, _ = fmt.Fprintf(out, "  Clients: %d\n", len(cfg.Clients))
			_, _ = fmt.Fprintf(out, "  Users:   %d\n", len(cfg.Users))
			return nil
		},
	}
}
