// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Hour, cfg.Hub.SASTTL)
	assert.Equal(t, 10, cfg.Hub.MaxInflight)
	assert.Equal(t, uint32(5), cfg.Hub.Breaker.FailureThreshold)
	assert.Equal(t, "global.azure-devices-provisioning.net", cfg.Provisioning.GlobalEndpoint)
	assert.Equal(t, AttestationSymmetricKey, cfg.Provisioning.Attestation)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "non-positive sas ttl",
			modify:  func(c *Config) { c.Hub.SASTTL = 0 },
			wantErr: true,
		},
		{
			name:    "negative max inflight",
			modify:  func(c *Config) { c.Hub.MaxInflight = -1 },
			wantErr: true,
		},
		{
			name: "publish rate without burst",
			modify: func(c *Config) {
				c.Hub.PublishRate = 5
				c.Hub.PublishBurst = 0
			},
			wantErr: true,
		},
		{
			name:    "retry base above max",
			modify:  func(c *Config) { c.Hub.Retry.Base = 2 * time.Minute },
			wantErr: true,
		},
		{
			name:    "jitter out of range",
			modify:  func(c *Config) { c.Hub.Retry.Jitter = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero breaker threshold",
			modify:  func(c *Config) { c.Hub.Breaker.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "unknown attestation",
			modify:  func(c *Config) { c.Provisioning.Attestation = "password" },
			wantErr: true,
		},
		{
			name:    "x509 attestation without certificate",
			modify:  func(c *Config) { c.Provisioning.Attestation = AttestationX509 },
			wantErr: true,
		},
		{
			name: "x509 attestation",
			modify: func(c *Config) {
				c.Provisioning.Attestation = AttestationX509
				c.Hub.TLS.CertFile = "device.pem"
				c.Hub.TLS.KeyFile = "device.key"
			},
			wantErr: false,
		},
		{
			name:    "tpm attestation",
			modify:  func(c *Config) { c.Provisioning.Attestation = AttestationTPM },
			wantErr: false,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Provisioning.PollInterval = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name: "telemetry without endpoint",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Hub, cfg.Hub)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
hub:
  host: hub.example.net
  device_id: dev1
  max_inflight: 4
  retry:
    base: 500ms
    max: 10s
  tls:
    ca_file: /etc/iotdevice/ca.pem
provisioning:
  id_scope: 0ne00000001
  attestation: tpm
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", cfg.Hub.Host)
	assert.Equal(t, "dev1", cfg.Hub.DeviceID)
	assert.Equal(t, 4, cfg.Hub.MaxInflight)
	assert.Equal(t, 500*time.Millisecond, cfg.Hub.Retry.Base)
	assert.Equal(t, 10, cfg.Hub.Retry.MaxAttempts)
	assert.Equal(t, "/etc/iotdevice/ca.pem", cfg.Hub.TLS.CAFile)
	assert.Equal(t, "0ne00000001", cfg.Provisioning.IDScope)
	assert.Equal(t, AttestationTPM, cfg.Provisioning.Attestation)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("IOTDEVICE_HUB_HOST", "env.example.net")
	t.Setenv("IOTDEVICE_HUB_SAS_TTL", "30m")
	t.Setenv("IOTDEVICE_DPS_REGISTRATION_ID", "reg-1")
	t.Setenv("IOTDEVICE_TLS_INSECURE_SKIP_VERIFY", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.example.net", cfg.Hub.Host)
	assert.Equal(t, 30*time.Minute, cfg.Hub.SASTTL)
	assert.Equal(t, "reg-1", cfg.Provisioning.RegistrationID)
	assert.True(t, cfg.Hub.TLS.InsecureSkipVerify)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("hub: [unterminated"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Hub.DeviceID = "dev1"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
