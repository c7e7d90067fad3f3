// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for oidc-api, a resource server that
// accepts bearer tokens issued by oidcd.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/oidcd/cmd/oidc-api/app"
	"github.com/stacklok/oidcd/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("%v", err)
		cancel()
		os.Exit(1)
	}
}
