// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package provisioning registers a device with the provisioning service and
// reports the hub it was assigned to.
package provisioning

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/iotdevice/amqp"
	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/absmach/iotdevice/pkg/sas"
	"github.com/absmach/iotdevice/provisioning/amqps"
	"github.com/absmach/iotdevice/provisioning/contract"
	psasl "github.com/absmach/iotdevice/provisioning/sasl"
)

// Attestation mechanisms.
const (
	AttestationSymmetricKey = "symmetric_key"
	AttestationTPM          = "tpm"
	// AttestationX509 authenticates with the client certificate of Config.TLS
	// and runs no SASL exchange.
	AttestationX509 = "x509"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTokenTTL     = time.Hour
)

// TPMProvider exposes the TPM operations registration needs.
type TPMProvider interface {
	EndorsementKey() ([]byte, error)
	StorageRootKey() ([]byte, error)
	// ActivateIdentityKey imports the encrypted identity key carried by the nonce.
	ActivateIdentityKey(key []byte) error
	// Sign signs data with the activated identity key.
	Sign(data []byte) ([]byte, error)
}

// Config describes one registration.
type Config struct {
	GlobalEndpoint string
	IDScope        string
	RegistrationID string
	Attestation    string
	// SymmetricKey is the base64 device key, or the group key when
	// EnrollmentGroup is set.
	SymmetricKey    string
	EnrollmentGroup bool
	WebSockets      bool
	TLS             *tls.Config
	OpenTimeout     time.Duration
	ReplyTimeout    time.Duration
	PollInterval    time.Duration
	TokenTTL        time.Duration
	Payload         []byte
	Force           bool
}

// Option configures a Client.
type Option func(*Client)

// WithTPM sets the TPM used for TPM attestation.
func WithTPM(p TPMProvider) Option {
	return func(c *Client) { c.tpm = p }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client runs the register-then-poll flow.
type Client struct {
	cfg    Config
	ops    *amqps.Operations
	tpm    TPMProvider
	logger *slog.Logger
	now    func() time.Time
}

// NewClient validates cfg and prepares the AMQP operations.
func NewClient(cfg Config, dialer amqps.Dialer, opts ...Option) (*Client, error) {
	const op = "provisioning.NewClient"
	if cfg.RegistrationID == "" {
		return nil, errors.New(errors.ErrClient, op, "registration id is empty")
	}
	if cfg.Attestation == "" {
		cfg.Attestation = AttestationSymmetricKey
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.TLS == nil {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := &Client{cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.Attestation {
	case AttestationSymmetricKey:
		if cfg.SymmetricKey == "" {
			return nil, errors.New(errors.ErrClient, op, "symmetric key is empty")
		}
	case AttestationTPM:
		if c.tpm == nil {
			return nil, errors.New(errors.ErrClient, op, "TPM attestation requires a TPM provider")
		}
	case AttestationX509:
		if len(cfg.TLS.Certificates) == 0 && cfg.TLS.GetClientCertificate == nil {
			return nil, errors.New(errors.ErrClient, op, "X.509 attestation requires a TLS client certificate")
		}
	default:
		return nil, errors.New(errors.ErrClient, op, fmt.Sprintf("unknown attestation %q", cfg.Attestation))
	}

	opsOpts := []amqps.Option{
		amqps.WithLogger(c.logger),
		amqps.WithForceRegistration(cfg.Force),
		amqps.WithPayload(cfg.Payload),
	}
	if cfg.OpenTimeout > 0 {
		opsOpts = append(opsOpts, amqps.WithOpenTimeout(cfg.OpenTimeout))
	}
	if cfg.ReplyTimeout > 0 {
		opsOpts = append(opsOpts, amqps.WithReplyTimeout(cfg.ReplyTimeout))
	}
	ops, err := amqps.New(cfg.IDScope, cfg.GlobalEndpoint, dialer, opsOpts...)
	if err != nil {
		return nil, err
	}
	c.ops = ops
	return c, nil
}

// Register opens the connection, registers and polls until the service
// reaches a terminal status.
func (c *Client) Register(ctx context.Context) (contract.RegistrationResult, error) {
	const op = "provisioning.Register"
	negotiator, err := c.negotiator()
	if err != nil {
		return contract.RegistrationResult{}, err
	}
	if err := c.ops.Open(ctx, c.cfg.RegistrationID, c.cfg.TLS, negotiator, c.cfg.WebSockets); err != nil {
		return contract.RegistrationResult{}, err
	}
	defer func() {
		if err := c.ops.Close(); err != nil {
			c.logger.Warn("failed to close provisioning connection", slog.String("error", err.Error()))
		}
	}()

	var reply contract.ResponseData
	capture := func(resp contract.ResponseData, _ any) { reply = resp }

	if err := c.ops.SendRegisterMessage(ctx, capture, nil); err != nil {
		return contract.RegistrationResult{}, err
	}
	for {
		status, err := contract.ParseStatus(reply.Body)
		if err != nil {
			return contract.RegistrationResult{}, errors.Wrap(errors.ErrProtocol, op, err)
		}
		c.logger.Debug("registration status",
			slog.String("registration_id", c.cfg.RegistrationID),
			slog.String("operation_id", status.OperationID),
			slog.String("status", status.Status))

		if !status.Pending() {
			return c.result(op, status)
		}
		if status.OperationID == "" {
			return contract.RegistrationResult{}, errors.New(errors.ErrProtocol, op, "pending status without operation id")
		}

		wait := max(reply.RetryAfter, c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return contract.RegistrationResult{}, errors.Wrap(errors.ErrTransport, op, ctx.Err())
		case <-time.After(wait):
		}
		if err := c.ops.SendStatusMessage(ctx, status.OperationID, capture, nil); err != nil {
			return contract.RegistrationResult{}, err
		}
	}
}

func (c *Client) result(op string, status contract.RegistrationOperationStatus) (contract.RegistrationResult, error) {
	switch strings.ToLower(status.Status) {
	case contract.StatusAssigned:
		res := status.Result()
		c.logger.Info("device assigned",
			slog.String("registration_id", c.cfg.RegistrationID),
			slog.String("device_id", res.DeviceID),
			slog.String("hub", res.AssignedHub))
		return res, nil
	case contract.StatusFailed, contract.StatusDisabled:
		msg := "registration " + status.Status
		if rs := status.RegistrationState; rs != nil && rs.ErrorMessage != "" {
			msg = fmt.Sprintf("%s: %s (code %d)", msg, rs.ErrorMessage, rs.ErrorCode)
		}
		return status.Result(), errors.New(errors.ErrClient, op, msg)
	default:
		return status.Result(), errors.New(errors.ErrProtocol, op, fmt.Sprintf("unexpected status %q", status.Status))
	}
}

func (c *Client) resourceURI() string {
	return c.cfg.IDScope + "/registrations/" + c.cfg.RegistrationID
}

func (c *Client) negotiator() (amqp.SASLHandler, error) {
	const op = "provisioning.negotiator"
	switch c.cfg.Attestation {
	case AttestationTPM:
		return c.tpmNegotiator()
	case AttestationX509:
		return nil, nil
	}

	key, err := sas.DecodeKey(c.cfg.SymmetricKey)
	if err != nil {
		return nil, errors.Wrap(errors.ErrClient, op, fmt.Errorf("decoding symmetric key: %w", err))
	}
	if c.cfg.EnrollmentGroup {
		key = sas.DeriveKey(key, c.cfg.RegistrationID)
	}
	token := sas.Token(c.resourceURI(), key, sas.RegistrationKeyName, c.now().Add(c.cfg.TokenTTL))
	negotiator, err := psasl.NewPlain(c.cfg.IDScope, c.cfg.RegistrationID, token)
	if err != nil {
		return nil, err
	}
	return negotiator, nil
}

func (c *Client) tpmNegotiator() (amqp.SASLHandler, error) {
	const op = "provisioning.negotiator"
	ek, err := c.tpm.EndorsementKey()
	if err != nil {
		return nil, errors.Wrap(errors.ErrSecurity, op, err)
	}
	srk, err := c.tpm.StorageRootKey()
	if err != nil {
		return nil, errors.Wrap(errors.ErrSecurity, op, err)
	}

	var negotiator *psasl.TPM
	onNonce := func(resp contract.ResponseData, _ any) {
		// The negotiator blocks in this callback's caller until a token arrives.
		go c.answerNonce(negotiator, resp.Body)
	}
	negotiator, err = psasl.NewTPM(c.cfg.IDScope, c.cfg.RegistrationID, ek, srk, onNonce, nil)
	if err != nil {
		return nil, err
	}
	return negotiator, nil
}

// answerNonce activates the issued key and hands the signed token back. On
// failure the negotiator times out waiting for it.
func (c *Client) answerNonce(negotiator *psasl.TPM, nonce []byte) {
	if err := c.tpm.ActivateIdentityKey(nonce); err != nil {
		c.logger.Error("failed to activate TPM identity key",
			slog.String("registration_id", c.cfg.RegistrationID),
			slog.String("error", err.Error()))
		return
	}
	uri := c.resourceURI()
	expiry := c.now().Add(c.cfg.TokenTTL)
	sig, err := c.tpm.Sign([]byte(sas.StringToSign(uri, expiry)))
	if err != nil {
		c.logger.Error("failed to sign SAS token with TPM",
			slog.String("registration_id", c.cfg.RegistrationID),
			slog.String("error", err.Error()))
		return
	}
	negotiator.SetSASToken(sas.Format(uri, sig, expiry, sas.RegistrationKeyName))
}
