// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oidcd command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/versions"
)

const (
	envPrefix      = "OIDCD"
	configFileName = "config.yaml"
	appDirName     = "oidcd"
)

// NewRootCmd creates the root command. Flags can also be set through
// OIDCD_* environment variables, for example OIDCD_LISTEN.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "oidcd",
		DisableAutoGenTag: true,
		Short:             "oidcd is a small OpenID Connect provider",
		Long: `oidcd is an OpenID Connect provider that issues signed ID, access and
refresh tokens through the authorization code flow with PKCE.

It serves discovery metadata and a rotating JWKS, hosts its own login and consent
pages, and keeps grants in memory or in Redis.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	bindFlag(rootCmd.PersistentFlags().Lookup("debug"), "debug")
	rootCmd.PersistentFlags().StringP("config", "c", "",
		fmt.Sprintf("Path to the configuration file (default: $XDG_CONFIG_HOME/%s/%s)", appDirName, configFileName))
	bindFlag(rootCmd.PersistentFlags().Lookup("config"), "config")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "oidcd %s\nCommit: %s\nBuilt: %s\nGo: %s\nPlatform: %s\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// configPath resolves --config, falling back to the XDG config directories.
func configPath() (string, error) {
	if p := viper.GetString("config"); p != "" {
		return p, nil
	}
	p, err := xdg.SearchConfigFile(filepath.Join(appDirName, configFileName))
	if err != nil {
		return "", fmt.Errorf("no configuration file specified, use --config: %w", err)
	}
	return p, nil
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		logger.Errorf("Error binding %s flag: %v", key, err)
	}
}
