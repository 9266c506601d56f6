// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/absmach/iotdevice/config"
	"github.com/absmach/iotdevice/iothub"
	"github.com/absmach/iotdevice/iothub/mqtt"
	"github.com/absmach/iotdevice/message"
	"github.com/absmach/iotdevice/pkg/tls"
	"github.com/absmach/iotdevice/provisioning"
	"github.com/absmach/iotdevice/provisioning/amqps"
	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
)

func provision(ctx context.Context, c *cli.Context, rt runtime) error {
	pc := rt.cfg.Provisioning
	attestation := provisioning.AttestationSymmetricKey
	switch pc.Attestation {
	case config.AttestationTPM:
		return cli.Exit("tpm attestation needs a TPM provider and is not available from the command line", 1)
	case config.AttestationX509:
		attestation = provisioning.AttestationX509
	}

	tlsConfig, err := tls.ClientConfig(rt.cfg.Hub.TLS)
	if err != nil {
		return cli.Exit(err, 1)
	}

	var payload []byte
	if p := c.String("payload"); p != "" {
		if !json.Valid([]byte(p)) {
			return cli.Exit("payload is not valid JSON", 1)
		}
		payload = []byte(p)
	}

	client, err := provisioning.NewClient(provisioning.Config{
		GlobalEndpoint:  pc.GlobalEndpoint,
		IDScope:         pc.IDScope,
		RegistrationID:  pc.RegistrationID,
		Attestation:     attestation,
		SymmetricKey:    pc.SymmetricKey,
		EnrollmentGroup: pc.EnrollmentGroup,
		WebSockets:      pc.WebSocket,
		TLS:             tlsConfig,
		OpenTimeout:     pc.OpenTimeout,
		ReplyTimeout:    pc.ReplyTimeout,
		PollInterval:    pc.PollInterval,
		TokenTTL:        rt.cfg.Hub.SASTTL,
		Payload:         payload,
		Force:           c.Bool("force"),
	}, amqps.NewDialer(), provisioning.WithLogger(rt.logger))
	if err != nil {
		return cli.Exit(err, 1)
	}

	result, err := client.Register(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	rt.logger.Info("device provisioned",
		slog.String("registration_id", result.RegistrationID),
		slog.String("assigned_hub", result.AssignedHub),
		slog.String("device_id", result.DeviceID))

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func send(ctx context.Context, c *cli.Context, rt runtime) error {
	if c.NArg() != 1 {
		return cli.Exit("send takes exactly one PAYLOAD argument", 1)
	}

	opts := []message.Option{message.WithMessageID(message.NewID())}
	for _, p := range c.StringSlice("property") {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return cli.Exit(fmt.Sprintf("property %q is not KEY=VALUE", p), 1)
		}
		opts = append(opts, message.WithProperty(k, v))
	}
	if ct := c.String("content-type"); ct != "" {
		opts = append(opts, message.WithContentType(ct))
	}
	msg, err := message.New([]byte(c.Args().First()), opts...)
	if err != nil {
		return cli.Exit(err, 1)
	}

	conn, err := connectHub(ctx, rt)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer conn.binding.Close()

	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	if err := conn.device.SendEvent(ctx, msg); err != nil {
		return cli.Exit(err, 1)
	}
	for {
		select {
		case <-ctx.Done():
			return cli.Exit(fmt.Errorf("message %s not confirmed: %w", msg.MessageID(), ctx.Err()), 1)
		case ev, ok := <-conn.binding.Events():
			if !ok {
				return cli.Exit("connection closed before confirmation", 1)
			}
			switch ev.Kind {
			case mqtt.MessageSent:
				if ev.Err != nil {
					return cli.Exit(ev.Err, 1)
				}
				rt.logger.Info("message sent", slog.String("message_id", ev.Message.MessageID()))
				return nil
			case mqtt.ConnectionLost:
				return cli.Exit(ev.Err, 1)
			}
		}
	}
}

func listen(ctx context.Context, c *cli.Context, rt runtime) error {
	conn, err := connectHub(ctx, rt)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer conn.binding.Close()

	if err := conn.device.SubscribeCloudToDevice(ctx); err != nil {
		return cli.Exit(err, 1)
	}
	if conn.creds.ModuleID != "" {
		if err := conn.device.SubscribeInputs(ctx); err != nil {
			return cli.Exit(err, 1)
		}
	}
	if c.Bool("twin") {
		if err := conn.device.SubscribeDesired(ctx); err != nil {
			return cli.Exit(err, 1)
		}
	}
	answerMethods := c.Bool("methods")
	if answerMethods {
		if err := conn.device.SubscribeMethods(ctx); err != nil {
			return cli.Exit(err, 1)
		}
	}

	hub := rt.cfg.Hub
	policy := mqtt.ExponentialBackoff{
		Base:        hub.Retry.Base,
		Max:         hub.Retry.Max,
		Jitter:      hub.Retry.Jitter,
		MaxAttempts: hub.Retry.MaxAttempts,
	}
	breaker := mqtt.BreakerSettings{
		FailureThreshold: hub.Breaker.FailureThreshold,
		ResetTimeout:     hub.Breaker.ResetTimeout,
	}
	events := mqtt.NewReconnector(conn.binding, policy, breaker, rt.logger).Run(ctx)

	rt.logger.Info("listening", slog.String("device_id", conn.creds.DeviceID))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != mqtt.MessageReceived {
				rt.logger.Debug("link event", slog.String("kind", ev.Kind.String()))
				continue
			}
			if err := drain(ctx, conn, answerMethods, rt.logger); err != nil {
				rt.logger.Warn("failed to handle message", slog.Any("error", err))
			}
		}
	}
}

// drain handles every message queued on the binding.
func drain(ctx context.Context, conn hubConn, answerMethods bool, logger *slog.Logger) error {
	for {
		msg, ok, err := conn.binding.Receive()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintf(os.Stdout, "%s %s %s\n", msg.Type(), messageLabel(msg), msg.Payload())

		if answerMethods && msg.Operation() == message.OpMethodRequest {
			if err := conn.device.RespondMethod(ctx, msg.RequestID(), 200, []byte(`{}`)); err != nil {
				logger.Warn("failed to answer method",
					slog.String("method", msg.MethodName()),
					slog.Any("error", err))
			}
		}
	}
}

func messageLabel(m message.Message) string {
	switch m.Operation() {
	case message.OpMethodRequest:
		return "method=" + m.MethodName()
	case message.OpTwinDesiredPatch, message.OpTwinResponse:
		return "version=" + m.Version()
	}
	if m.InputName() != "" {
		return "input=" + m.InputName()
	}
	return "id=" + m.MessageID()
}

type hubConn struct {
	creds   iothub.Credentials
	binding *mqtt.Binding
	device  *mqtt.Device
}

func hubCredentials(hub config.HubConfig) (iothub.Credentials, error) {
	if hub.ConnectionString != "" {
		return iothub.ParseConnectionString(hub.ConnectionString)
	}
	creds := iothub.Credentials{
		HostName:        hub.Host,
		DeviceID:        hub.DeviceID,
		ModuleID:        hub.ModuleID,
		SharedAccessKey: hub.SharedAccessKey,
	}
	return creds, creds.Validate()
}

func connectHub(ctx context.Context, rt runtime) (hubConn, error) {
	hub := rt.cfg.Hub
	creds, err := hubCredentials(hub)
	if err != nil {
		return hubConn{}, err
	}
	tlsConfig, err := tls.ClientConfig(hub.TLS)
	if err != nil {
		return hubConn{}, err
	}
	rt.logger.Debug("hub transport", slog.String("tls", tls.SecurityStatus(tlsConfig)))

	metrics, err := mqtt.NewMetrics()
	if err != nil {
		return hubConn{}, err
	}

	engine := mqtt.NewPahoEngine(mqtt.PahoOptions{
		Host:     creds.Host(),
		ClientID: creds.ClientID(),
		Username: mqtt.Username(creds.HostName, creds.DeviceID, creds.ModuleID),
		Password: func() (string, error) {
			return creds.Token(time.Now(), hub.SASTTL)
		},
		TLS:            tlsConfig,
		WebSockets:     hub.WebSocket,
		KeepAlive:      hub.KeepAlive,
		ConnectTimeout: hub.ConnectTimeout,
		Logger:         rt.logger,
	})
	binding := mqtt.NewBinding(engine, mqtt.Options{
		MaxInflight:  hub.MaxInflight,
		PublishRate:  hub.PublishRate,
		PublishBurst: hub.PublishBurst,
		RetryPolicy: mqtt.ExponentialBackoff{
			Base:        hub.Retry.Base,
			Max:         hub.Retry.Max,
			Jitter:      hub.Retry.Jitter,
			MaxAttempts: hub.Retry.MaxAttempts,
		},
		Metrics: metrics,
		Logger:  rt.logger.With(slog.String("device_id", creds.DeviceID)),
	})

	cctx, cancel := context.WithTimeout(ctx, hub.ConnectTimeout)
	defer cancel()
	if err := binding.Connect(cctx); err != nil {
		binding.Close()
		return hubConn{}, err
	}
	return hubConn{
		creds:   creds,
		binding: binding,
		device:  mqtt.NewDevice(binding, creds.DeviceID, creds.ModuleID),
	}, nil
}
