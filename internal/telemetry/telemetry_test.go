// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry_test

import (
	"context"
	"testing"

	"github.com/absmach/iotdevice/config"
	"github.com/absmach/iotdevice/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := telemetry.InitProvider(context.Background(), config.TelemetryConfig{}, "test", "dev1")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitProviderWithoutExporters(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.Enabled = true
	cfg.Metrics = false
	cfg.Traces = false

	shutdown, err := telemetry.InitProvider(context.Background(), cfg, "test", "dev1")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
