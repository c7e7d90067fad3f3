// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
	"github.com/stacklok/toolhive-core/logging"
)

func TestUnstructuredLogsCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"unset", "", true},
		{"true", "true", true},
		{"false", "false", false},
		{"garbage", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(UnstructuredLogsEnv).Return(tt.envValue)

			assert.Equal(t, tt.expected, unstructuredLogsWithEnv(mockEnv))
		})
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := singleton.Load()
	singleton.Store(logging.New(logging.WithOutput(&buf), logging.WithLevel(slog.LevelDebug)))
	t.Cleanup(func() { singleton.Store(prev) })
	return &buf
}

func TestHelpersWriteThroughSingleton(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debugw", func() { Debugw("key rotated", "key_id", "abc") }, "key rotated"},
		{"Debugf", func() { Debugf("swept %d codes", 3) }, "swept 3 codes"},
		{"Info", func() { Info("listening") }, "listening"},
		{"Infof", func() { Infof("issuer %s", "http://localhost") }, "issuer http://localhost"},
		{"Infow", func() { Infow("token issued", "kind", "access") }, "token issued"},
		{"Warnw", func() { Warnw("login failed", "attempt", 2) }, "login failed"},
		{"Warnf", func() { Warnf("ephemeral %s", "key") }, "ephemeral key"},
		{"Errorw", func() { Errorw("store failure", "error", "boom") }, "store failure"},
		{"Errorf", func() { Errorf("fetch %s failed", "jwks") }, "fetch jwks failed"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			tc.logFn()
			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestGetAndSet(t *testing.T) { //nolint:paralleltest // mutates singleton
	buf := captureLogs(t)

	got := Get()
	require.NotNil(t, got)
	got.Info("via get")
	assert.Contains(t, buf.String(), "via get")

	var other bytes.Buffer
	Set(logging.New(logging.WithOutput(&other)))
	Info("via set")
	assert.Contains(t, other.String(), "via set")
}

func TestInitializeWithEnv(t *testing.T) { //nolint:paralleltest // mutates singleton
	for _, value := range []string{"", "true", "false"} {
		t.Run("UNSTRUCTURED_LOGS="+value, func(t *testing.T) {
			prev := singleton.Load()
			t.Cleanup(func() { singleton.Store(prev) })

			ctrl := gomock.NewController(t)
			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(UnstructuredLogsEnv).Return(value)

			InitializeWithEnv(mockEnv)
			require.NotNil(t, singleton.Load())
			assert.NotSame(t, prev, singleton.Load())
		})
	}
}
