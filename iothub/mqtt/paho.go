// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// APIVersion is the hub API version announced in the MQTT username.
	APIVersion = "2021-04-12"

	mqttsPort     = 8883
	websocketPath = "/$iothub/websocket"

	defaultKeepAlive      = 230 * time.Second
	defaultConnectTimeout = 30 * time.Second

	// subscribeFailure is the SUBACK return code of a refused filter.
	subscribeFailure = 0x80
)

// PahoOptions configures the paho engine.
type PahoOptions struct {
	Host string
	// ClientID is the device id, or "{deviceId}/{moduleId}" for a module.
	ClientID string
	Username string
	// Password is called on every connect so expiring tokens can be renewed.
	Password       func() (string, error)
	TLS            *tls.Config
	WebSockets     bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Username returns the MQTT username the hub expects from a device or module.
func Username(host, deviceID, moduleID string) string {
	id := deviceID
	if moduleID != "" {
		id += "/" + moduleID
	}
	return fmt.Sprintf("%s/%s/?api-version=%s", host, id, APIVersion)
}

// BrokerURL returns the hub endpoint for the chosen transport.
func BrokerURL(host string, websockets bool) string {
	if websockets {
		return "wss://" + host + ":443" + websocketPath
	}
	return fmt.Sprintf("ssl://%s:%d", host, mqttsPort)
}

// PahoEngine implements Engine with the Eclipse paho client. The library's
// own reconnect logic is disabled; reconnecting is left to the caller.
type PahoEngine struct {
	opts   PahoOptions
	logger *slog.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	handler Handler
}

var _ Engine = (*PahoEngine)(nil)

// NewPahoEngine returns an engine for opts. No connection is made.
func NewPahoEngine(opts PahoOptions) *PahoEngine {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoEngine{opts: opts, logger: logger}
}

func (e *PahoEngine) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *PahoEngine) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(e.opts.Host, e.opts.WebSockets))
	opts.SetClientID(e.opts.ClientID)
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(e.opts.KeepAlive)
	opts.SetConnectTimeout(e.opts.ConnectTimeout)
	opts.SetOrderMatters(false)
	if e.opts.TLS != nil {
		opts.SetTLSConfig(e.opts.TLS.Clone())
	}
	opts.SetCredentialsProvider(func() (string, string) {
		if e.opts.Password == nil {
			return e.opts.Username, ""
		}
		password, err := e.opts.Password()
		if err != nil {
			e.logger.Error("failed to build MQTT password", slog.Any("error", err))
		}
		return e.opts.Username, password
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		if h := e.currentHandler(); h != nil {
			h.MessageArrived(m.Topic(), m.Payload())
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if h := e.currentHandler(); h != nil {
			h.ConnectionLost(err)
		}
	})
	return opts
}

// Connect creates the client handle if needed and waits for CONNACK.
func (e *PahoEngine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.client == nil {
		e.client = pahomqtt.NewClient(e.clientOptions())
	}
	client := e.client
	e.mu.Unlock()

	return wait(ctx, client.Connect())
}

func (e *PahoEngine) Disconnect(quiesceMillis uint) error {
	client := e.currentClient()
	if client == nil {
		return nil
	}
	client.Disconnect(quiesceMillis)
	return nil
}

func (e *PahoEngine) Close() {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(0)
	}
}

func (e *PahoEngine) IsConnected() bool {
	client := e.currentClient()
	return client != nil && client.IsConnectionOpen()
}

// Publish hands the message to paho and reports its completion from a
// separate goroutine. Failures known before the call returns are returned.
func (e *PahoEngine) Publish(id uint64, topic string, qos byte, payload []byte) error {
	client := e.currentClient()
	if client == nil {
		return pahomqtt.ErrNotConnected
	}
	token := client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return err
		}
	default:
	}
	go func() {
		<-token.Done()
		h := e.currentHandler()
		if h == nil {
			return
		}
		if err := token.Error(); err != nil {
			h.DeliveryFailed(id, err)
			return
		}
		h.DeliveryComplete(id)
	}()
	return nil
}

// Subscribe waits for SUBACK. Inbound messages on filter reach the handler.
func (e *PahoEngine) Subscribe(ctx context.Context, id uint64, filter string, qos byte) error {
	client := e.currentClient()
	if client == nil {
		return pahomqtt.ErrNotConnected
	}
	token := client.Subscribe(filter, qos, nil)
	if err := wait(ctx, token); err != nil {
		return err
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, ok := st.Result()[filter]; ok && code == subscribeFailure {
			return fmt.Errorf("subscription to %s refused", filter)
		}
	}
	if h := e.currentHandler(); h != nil {
		h.DeliveryComplete(id)
	}
	return nil
}

func (e *PahoEngine) Unsubscribe(ctx context.Context, id uint64, filter string) error {
	client := e.currentClient()
	if client == nil {
		return pahomqtt.ErrNotConnected
	}
	if err := wait(ctx, client.Unsubscribe(filter)); err != nil {
		return err
	}
	if h := e.currentHandler(); h != nil {
		h.DeliveryComplete(id)
	}
	return nil
}

func (e *PahoEngine) currentClient() pahomqtt.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

func (e *PahoEngine) currentHandler() Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
