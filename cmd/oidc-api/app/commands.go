// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the oidc-api resource server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/oidcd/pkg/auth"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/telemetry"
	"github.com/stacklok/oidcd/pkg/versions"
)

const (
	envPrefix         = "OIDC_API"
	defaultListenAddr = ":3002"
	defaultIssuer     = "http://localhost:8080"
	shutdownTimeout   = 10 * time.Second
	metricsPath       = "/metrics"
)

var flagNames = []string{
	"listen", "issuer", "audience", "jwks-url", "resource-url", "ca-cert",
	"allow-loopback-http", "min-refresh-interval", "max-refresh-interval", "leeway", "runtime-metrics",
}

// NewRootCmd creates the oidc-api command. Flags can also be set through
// OIDC_API_* environment variables.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "oidc-api",
		DisableAutoGenTag: true,
		Short:             "Serve an API protected by oidcd access tokens",
		Long: `oidc-api serves /api/protected and /api/profile behind bearer token
authentication. Tokens are verified against the issuer's JWKS, found through
OpenID Connect discovery unless --jwks-url is given.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		RunE:         runServe,
		SilenceUsage: true,
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	f := cmd.Flags()
	f.String("listen", defaultListenAddr, "Address to listen on")
	f.String("issuer", defaultIssuer, "Token issuer URL")
	f.String("audience", "", "Required token audience")
	f.String("jwks-url", "", "JWKS URL, skipping discovery")
	f.String("resource-url", "", "Resource identifier advertised to clients (RFC 9728)")
	f.String("ca-cert", "", "CA bundle for the issuer connection")
	f.Bool("allow-loopback-http", true, "Allow plain HTTP to a loopback issuer")
	f.Duration("min-refresh-interval", auth.DefaultMinRefreshInterval, "Minimum time between JWKS fetches")
	f.Duration("max-refresh-interval", auth.DefaultMaxRefreshInterval, "Maximum JWKS cache lifetime")
	f.Duration("leeway", 0, "Clock skew tolerated on token expiry")
	f.Bool("runtime-metrics", false, "Export Go runtime and process metrics")
	for _, name := range flagNames {
		if err := viper.BindPFlag(name, f.Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), versions.UserAgent())
			return err
		},
	})
	return cmd
}

func validatorConfig() auth.Config {
	return auth.Config{
		Issuer:             viper.GetString("issuer"),
		Audience:           viper.GetString("audience"),
		JWKSURL:            viper.GetString("jwks-url"),
		ResourceURL:        viper.GetString("resource-url"),
		CACertPath:         viper.GetString("ca-cert"),
		AllowLoopbackHTTP:  viper.GetBool("allow-loopback-http"),
		MinRefreshInterval: viper.GetDuration("min-refresh-interval"),
		MaxRefreshInterval: viper.GetDuration("max-refresh-interval"),
		Leeway:             viper.GetDuration("leeway"),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	metricsProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           "oidc-api",
		ServiceVersion:        versions.GetVersionInfo().Version,
		IncludeRuntimeMetrics: viper.GetBool("runtime-metrics"),
	})
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		if err := metricsProvider.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shut down metrics: %v", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(metricsProvider.MeterProvider())
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(ctx, validatorConfig(), auth.WithVerificationHook(metrics.TokenVerified))
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	router := NewRouter(validator, metrics.Middleware)
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metricsProvider.PrometheusHandler())
	mux.Handle("/", router)

	srv := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("listening", "addr", srv.Addr, "issuer", validator.Issuer(), "jwks_uri", validator.JWKSURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
