// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry metrics for the provider and the
// resource server, exported in Prometheus format.
package telemetry
