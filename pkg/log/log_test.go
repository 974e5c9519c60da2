// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromZap_WithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := FromZap(zap.New(core)).With(String("placement", "home_inter"))

	logger.Warn("attempt failed", String("source", "admob"), Error(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	require.Equal(t, "home_inter", ctx["placement"])
	require.Equal(t, "admob", ctx["source"])
	require.Equal(t, "boom", ctx["error"])
}

func TestNoOp(t *testing.T) {
	logger := NoOp()
	logger.Info("ignored")
	require.NoError(t, logger.Sync())
	require.NotNil(t, logger.With(Int("n", 1)))
}

func TestNewWithLevel_UnknownFallsBackToInfo(t *testing.T) {
	logger := NewWithLevel("chatty")
	require.NotNil(t, logger)
}

func TestNamed(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := FromZap(zap.New(core).Named("mediation")).(*zapLogger)

	base.named("sandbox").Info("listening")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "mediation.sandbox", entries[0].LoggerName)
	require.NotNil(t, NewLogger("sandbox", "debug"))
}
