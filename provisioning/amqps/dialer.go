// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/iotdevice/amqp"
	"github.com/absmach/iotdevice/amqp/message"
	"github.com/absmach/iotdevice/amqp/types"
	"github.com/google/uuid"
)

const (
	amqpsPort      = "5671"
	websocketPath  = "/$servicebus/websocket"
	receiverCredit = 10
)

var (
	errNotOpen = errors.New("connection is not open")
	errClosed  = errors.New("connection closed while opening")
)

// AMQPDialer connects over TLS on 5671 or over WebSocket on 443.
type AMQPDialer struct{}

// NewDialer returns the production dialer.
func NewDialer() *AMQPDialer {
	return &AMQPDialer{}
}

func (d *AMQPDialer) Dial(cfg DialConfig) (Connection, error) {
	if cfg.Host == "" || cfg.Address == "" {
		return nil, fmt.Errorf("host and address are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &amqpConnection{cfg: cfg}, nil
}

type amqpConnection struct {
	cfg DialConfig

	mu       sync.Mutex
	client   *amqp.Client
	sender   *amqp.Sender
	attached bool
	closed   bool
}

func (c *amqpConnection) Open(ctx context.Context) error {
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	client, err := amqp.Dial(ctx, nc, amqp.Config{
		Hostname: c.cfg.Host,
		SASL:     c.cfg.SASL,
		Listener: c,
		Logger:   c.cfg.Logger,
	})
	if err != nil {
		return err
	}

	props := map[types.Symbol]any{
		APIVersionKey:    APIVersion,
		ClientVersionKey: c.cfg.ClientVersion,
	}
	id := uuid.NewString()
	sender, err := client.AttachSender(ctx, "provision_sender_"+id, c.cfg.Address, props)
	if err != nil {
		client.Close()
		return fmt.Errorf("attaching sender: %w", err)
	}
	if _, err := client.AttachReceiver(ctx, "provision_receiver_"+id, c.cfg.Address, props, receiverCredit); err != nil {
		client.Close()
		return fmt.Errorf("attaching receiver: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		client.Close()
		return errClosed
	}
	c.client = client
	c.sender = sender
	c.attached = true
	c.mu.Unlock()

	if c.cfg.Listener != nil {
		c.cfg.Listener.ConnectionEstablished()
	}
	return nil
}

func (c *amqpConnection) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.WebSockets {
		return amqp.DialWebSocket(ctx, "wss://"+c.cfg.Host+":443"+websocketPath, c.cfg.TLS)
	}
	return amqp.DialTLS(ctx, net.JoinHostPort(c.cfg.Host, amqpsPort), c.cfg.TLS)
}

func (c *amqpConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached && c.client.IsConnected()
}

func (c *amqpConnection) Send(ctx context.Context, msg *message.Message) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return errNotOpen
	}
	if err := sender.Send(ctx, msg); err != nil {
		return err
	}
	if c.cfg.Listener != nil {
		c.cfg.Listener.MessageSent()
	}
	return nil
}

// Close also makes an Open still in progress discard its client.
func (c *amqpConnection) Close() error {
	c.mu.Lock()
	client := c.client
	c.attached = false
	c.closed = true
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (c *amqpConnection) ConnectionLost(err error) {
	c.mu.Lock()
	c.attached = false
	c.mu.Unlock()
	if c.cfg.Listener != nil {
		c.cfg.Listener.ConnectionLost(err)
	}
}

func (c *amqpConnection) MessageReceived(_ string, msg *message.Message) {
	if c.cfg.Listener != nil {
		c.cfg.Listener.MessageReceived(msg)
	}
}
