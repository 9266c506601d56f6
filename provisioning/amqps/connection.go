// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqps

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/absmach/iotdevice/amqp"
	"github.com/absmach/iotdevice/amqp/message"
)

// Listener receives connection events. Operations implements it.
type Listener interface {
	ConnectionEstablished()
	ConnectionLost(err error)
	MessageReceived(msg *message.Message)
	MessageSent()
}

// Connection is an AMQP link pair to the provisioning service.
type Connection interface {
	// Open connects, negotiates SASL and attaches both links.
	Open(ctx context.Context) error
	IsConnected() bool
	// Send transfers msg on the sender link and waits for its disposition.
	Send(ctx context.Context, msg *message.Message) error
	Close() error
}

// DialConfig describes the connection Operations needs.
type DialConfig struct {
	Host          string
	Address       string
	TLS           *tls.Config
	SASL          amqp.SASLHandler
	WebSockets    bool
	ClientVersion string
	Listener      Listener
	Logger        *slog.Logger
}

// Dialer builds connections without opening them.
type Dialer interface {
	Dial(cfg DialConfig) (Connection, error)
}
