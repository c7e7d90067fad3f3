// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/oidcd/pkg/authserver"
	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/telemetry"
	"github.com/stacklok/oidcd/pkg/versions"
)

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 10 * time.Second
	metricsPath       = "/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OpenID Connect provider",
		Long: `Start the provider with the configuration given by --config.

Prometheus metrics are served on /metrics of the main listener unless
--metrics-listen selects a separate address.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", defaultListenAddr, "Address to listen on")
	cmd.Flags().String("metrics-listen", "", "Separate address for /metrics")
	cmd.Flags().String("issuer", "", "Override the issuer from the configuration file")
	cmd.Flags().Bool("runtime-metrics", false, "Export Go runtime and process metrics")
	cmd.Flags().String("otel-custom-attributes", "", "Extra resource attributes as key=value pairs")
	for _, name := range []string{"listen", "metrics-listen", "issuer", "runtime-metrics", "otel-custom-attributes"} {
		bindFlag(cmd.Flags().Lookup(name), name)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	path, err := configPath()
	if err != nil {
		return err
	}
	logger.Infof("Loading configuration from: %s", path)
	cfg, err := authserver.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if issuer := viper.GetString("issuer"); issuer != "" {
		cfg.Issuer = issuer
	}

	metricsProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           "oidcd",
		ServiceVersion:        versions.GetVersionInfo().Version,
		CustomAttributes:      viper.GetString("otel-custom-attributes"),
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

	srv, err := authserver.New(ctx, *cfg,
		authserver.WithObserver(metrics),
		authserver.WithIssueHook(metrics.TokenIssued),
		authserver.WithRotationHook(metrics.KeyRotated),
		authserver.WithMiddleware(metrics.Middleware),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnf("Failed to close storage: %v", err)
		}
	}()

	router := chi.NewRouter()
	metricsAddr := viper.GetString("metrics-listen")
	if metricsAddr == "" {
		router.Handle(metricsPath, metricsProvider.PrometheusHandler())
	}
	router.Mount("/", srv.Handler())

	servers := []*http.Server{newHTTPServer(viper.GetString("listen"), router)}
	if metricsAddr != "" {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle(metricsPath, metricsProvider.PrometheusHandler())
		servers = append(servers, newHTTPServer(metricsAddr, metricsRouter))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.RunKeyRotation(gctx)
		return nil
	})
	for _, s := range servers {
		g.Go(func() error {
			logger.Infow("listening", "addr", s.Addr, "issuer", srv.Config().Issuer)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
