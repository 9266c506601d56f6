// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/absmach/iotdevice/pkg/tls"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Attestation mechanisms accepted by the provisioning service.
const (
	AttestationSymmetricKey = "symmetric_key"
	AttestationTPM          = "tpm"
	AttestationX509         = "x509"
)

// Config holds all configuration for the device agent.
type Config struct {
	Hub          HubConfig          `yaml:"hub"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Log          LogConfig          `yaml:"log"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// HubConfig holds the MQTT connection to the IoT hub.
type HubConfig struct {
	// ConnectionString, when set, supplies host, device, module and key.
	ConnectionString string        `yaml:"connection_string" env:"IOTDEVICE_HUB_CONNECTION_STRING"`
	Host             string        `yaml:"host" env:"IOTDEVICE_HUB_HOST"`
	DeviceID         string        `yaml:"device_id" env:"IOTDEVICE_HUB_DEVICE_ID"`
	ModuleID         string        `yaml:"module_id" env:"IOTDEVICE_HUB_MODULE_ID"`
	SharedAccessKey  string        `yaml:"shared_access_key" env:"IOTDEVICE_HUB_SHARED_ACCESS_KEY"`
	SASTTL           time.Duration `yaml:"sas_ttl" env:"IOTDEVICE_HUB_SAS_TTL"`
	WebSocket        bool          `yaml:"websocket" env:"IOTDEVICE_HUB_WEBSOCKET"`
	KeepAlive        time.Duration `yaml:"keep_alive" env:"IOTDEVICE_HUB_KEEP_ALIVE"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"IOTDEVICE_HUB_CONNECT_TIMEOUT"`

	// Delivery flow control
	MaxInflight  int     `yaml:"max_inflight" env:"IOTDEVICE_HUB_MAX_INFLIGHT"`
	PublishRate  float64 `yaml:"publish_rate" env:"IOTDEVICE_HUB_PUBLISH_RATE"` // messages per second, 0 disables
	PublishBurst int     `yaml:"publish_burst" env:"IOTDEVICE_HUB_PUBLISH_BURST"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	TLS     tls.Config    `yaml:"tls"`
}

// RetryConfig holds the reconnect backoff.
type RetryConfig struct {
	Base        time.Duration `yaml:"base" env:"IOTDEVICE_HUB_RETRY_BASE"`
	Max         time.Duration `yaml:"max" env:"IOTDEVICE_HUB_RETRY_MAX"`
	MaxAttempts int           `yaml:"max_attempts" env:"IOTDEVICE_HUB_RETRY_MAX_ATTEMPTS"`
	Jitter      float64       `yaml:"jitter" env:"IOTDEVICE_HUB_RETRY_JITTER"` // 0.0 to 1.0
}

// BreakerConfig holds the circuit breaker gating reconnects.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" env:"IOTDEVICE_HUB_BREAKER_FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"IOTDEVICE_HUB_BREAKER_RESET_TIMEOUT"`
}

// ProvisioningConfig holds the device provisioning service settings.
type ProvisioningConfig struct {
	GlobalEndpoint  string        `yaml:"global_endpoint" env:"IOTDEVICE_DPS_GLOBAL_ENDPOINT"`
	IDScope         string        `yaml:"id_scope" env:"IOTDEVICE_DPS_ID_SCOPE"`
	RegistrationID  string        `yaml:"registration_id" env:"IOTDEVICE_DPS_REGISTRATION_ID"`
	Attestation     string        `yaml:"attestation" env:"IOTDEVICE_DPS_ATTESTATION"`
	SymmetricKey    string        `yaml:"symmetric_key" env:"IOTDEVICE_DPS_SYMMETRIC_KEY"`
	EnrollmentGroup bool          `yaml:"enrollment_group" env:"IOTDEVICE_DPS_ENROLLMENT_GROUP"`
	WebSocket       bool          `yaml:"websocket" env:"IOTDEVICE_DPS_WEBSOCKET"`
	OpenTimeout     time.Duration `yaml:"open_timeout" env:"IOTDEVICE_DPS_OPEN_TIMEOUT"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout" env:"IOTDEVICE_DPS_REPLY_TIMEOUT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"IOTDEVICE_DPS_POLL_INTERVAL"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"IOTDEVICE_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"IOTDEVICE_LOG_FORMAT"` // text, json
}

// TelemetryConfig holds the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"IOTDEVICE_OTEL_ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"IOTDEVICE_OTEL_ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"IOTDEVICE_OTEL_SERVICE_NAME"`
	Metrics     bool    `yaml:"metrics" env:"IOTDEVICE_OTEL_METRICS"`
	Traces      bool    `yaml:"traces" env:"IOTDEVICE_OTEL_TRACES"`
	SampleRate  float64 `yaml:"sample_rate" env:"IOTDEVICE_OTEL_SAMPLE_RATE"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults. Identity fields are
// left empty.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			SASTTL:         time.Hour,
			KeepAlive:      230 * time.Second,
			ConnectTimeout: 30 * time.Second,
			MaxInflight:    10,
			PublishBurst:   1,
			Retry: RetryConfig{
				Base:        time.Second,
				Max:         time.Minute,
				MaxAttempts: 10,
				Jitter:      0.2,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Provisioning: ProvisioningConfig{
			GlobalEndpoint: "global.azure-devices-provisioning.net",
			Attestation:    AttestationSymmetricKey,
			OpenTimeout:    60 * time.Second,
			ReplyTimeout:   60 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "iotdevice",
			Metrics:     true,
			Traces:      true,
			SampleRate:  0.1,
		},
	}
}

// Load reads the YAML file at filename over the defaults, then applies
// environment overrides. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings that do not depend on the command being run.
// Identity fields are checked by the components that need them.
func (c *Config) Validate() error {
	if c.Hub.SASTTL <= 0 {
		return fmt.Errorf("hub.sas_ttl must be positive")
	}
	if c.Hub.KeepAlive < time.Second {
		return fmt.Errorf("hub.keep_alive must be at least 1s")
	}
	if c.Hub.ConnectTimeout <= 0 {
		return fmt.Errorf("hub.connect_timeout must be positive")
	}
	if c.Hub.MaxInflight < 0 {
		return fmt.Errorf("hub.max_inflight cannot be negative")
	}
	if c.Hub.PublishRate < 0 {
		return fmt.Errorf("hub.publish_rate cannot be negative")
	}
	if c.Hub.PublishRate > 0 && c.Hub.PublishBurst < 1 {
		return fmt.Errorf("hub.publish_burst must be at least 1 when publish_rate is set")
	}
	if c.Hub.Retry.Base <= 0 || c.Hub.Retry.Max < c.Hub.Retry.Base {
		return fmt.Errorf("hub.retry.base must be positive and not exceed hub.retry.max")
	}
	if c.Hub.Retry.MaxAttempts < 0 {
		return fmt.Errorf("hub.retry.max_attempts cannot be negative")
	}
	if c.Hub.Retry.Jitter < 0 || c.Hub.Retry.Jitter > 1 {
		return fmt.Errorf("hub.retry.jitter must be between 0.0 and 1.0")
	}
	if c.Hub.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("hub.breaker.failure_threshold must be at least 1")
	}
	if c.Hub.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("hub.breaker.reset_timeout must be positive")
	}

	switch c.Provisioning.Attestation {
	case AttestationSymmetricKey, AttestationTPM:
	case AttestationX509:
		if c.Hub.TLS.CertFile == "" || c.Hub.TLS.KeyFile == "" {
			return fmt.Errorf("x509 attestation requires hub.tls.cert_file and hub.tls.key_file")
		}
	default:
		return fmt.Errorf("provisioning.attestation must be one of: %s, %s, %s", AttestationSymmetricKey, AttestationTPM, AttestationX509)
	}
	if c.Provisioning.OpenTimeout <= 0 || c.Provisioning.ReplyTimeout <= 0 {
		return fmt.Errorf("provisioning open and reply timeouts must be positive")
	}
	if c.Provisioning.PollInterval <= 0 {
		return fmt.Errorf("provisioning.poll_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
