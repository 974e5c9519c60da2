// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "mediation-test", "", 1)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_ProviderWithEndpoint(t *testing.T) {
	// non-routable, nothing is exported before shutdown
	shutdown, err := Setup(context.Background(), "mediation-test", "http://192.0.2.1:4318", 0.5)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
