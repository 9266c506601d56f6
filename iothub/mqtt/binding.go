// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt binds device messages to an MQTT connection with the hub. It
// tracks sent messages until the hub confirms them, queues inbound traffic
// for Receive and reports link events on a channel.
package mqtt

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/iotdevice/iothub/topic"
	"github.com/absmach/iotdevice/message"
	"github.com/absmach/iotdevice/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxInflight bounds the number of unconfirmed publishes.
	DefaultMaxInflight = 10
	// disconnectQuiesce is the time, in milliseconds, given to outstanding
	// work on a graceful disconnect.
	disconnectQuiesce = 250
)

// Options configures a Binding. The zero value is usable.
type Options struct {
	// MaxInflight bounds unconfirmed publishes. Zero selects
	// DefaultMaxInflight, a negative value disables the bound.
	MaxInflight int
	// PublishRate limits publishes per second. Zero disables throttling.
	PublishRate  float64
	PublishBurst int
	// EventBuffer sizes the channel returned by Events.
	EventBuffer int
	// QoS used for publishes and subscriptions. Defaults to AtLeastOnce.
	QoS         *byte
	RetryPolicy RetryPolicy
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Binding translates message operations into engine calls. The connection
// state is always read from the engine.
type Binding struct {
	engine   Engine
	qos      byte
	retry    RetryPolicy
	limiter  *rate.Limiter
	metrics  *Metrics
	logger   *slog.Logger
	pending  *pendingStore
	received *fifo[inbound]
	events   *dispatcher

	subMu         sync.RWMutex
	subscriptions map[string]struct{}

	closeOnce sync.Once
}

var _ Handler = (*Binding)(nil)

// NewBinding attaches a binding to engine. The binding installs itself as the
// engine handler.
func NewBinding(engine Engine, opts Options) *Binding {
	maxInflight := opts.MaxInflight
	if maxInflight == 0 {
		maxInflight = DefaultMaxInflight
	}
	qos := AtLeastOnce
	if opts.QoS != nil {
		qos = *opts.QoS
	}
	retry := opts.RetryPolicy
	if retry == nil {
		retry = DefaultBackoff()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Binding{
		engine:        engine,
		qos:           qos,
		retry:         retry,
		metrics:       opts.Metrics,
		logger:        logger,
		pending:       newPendingStore(maxInflight),
		received:      newFIFO[inbound](),
		events:        newDispatcher(opts.EventBuffer),
		subscriptions: make(map[string]struct{}),
	}
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}
	engine.SetHandler(b)
	return b
}

// Events returns the channel of link notifications. It is closed by Close.
func (b *Binding) Events() <-chan Event {
	return b.events.out
}

// IsConnected reports the engine's view of the link.
func (b *Binding) IsConnected() bool {
	return b.engine.IsConnected()
}

// Connect opens the link. It returns immediately if the link is up and never
// retries on its own.
func (b *Binding) Connect(ctx context.Context) error {
	if b.engine.IsConnected() {
		return nil
	}
	if err := b.engine.Connect(ctx); err != nil {
		return errors.Wrap(errors.ErrProtocol, "connect", err)
	}
	b.logger.Info("connected to hub")
	b.events.emit(Event{Kind: ConnectionEstablished})
	return nil
}

// Disconnect closes the link gracefully when it is up, and always releases
// the engine's client handle.
func (b *Binding) Disconnect() error {
	var err error
	if b.engine.IsConnected() {
		if derr := b.engine.Disconnect(disconnectQuiesce); derr != nil {
			err = errors.Wrap(errors.ErrProtocol, "disconnect", derr)
		}
	}
	b.engine.Close()
	b.pending.wake()
	return err
}

// Close disconnects and closes the Events channel. The binding cannot be
// reused afterwards.
func (b *Binding) Close() error {
	err := b.Disconnect()
	b.closeOnce.Do(b.events.stop)
	return err
}

// Publish sends the payload of msg on name. It blocks while MaxInflight
// messages are unconfirmed; the outcome of the delivery itself is reported
// as a MessageSent event.
func (b *Binding) Publish(ctx context.Context, name string, msg message.Message) error {
	const op = "publish"
	if name == "" || !msg.HasPayload() {
		return errors.New(errors.ErrInvalidArgument, op, "topic and payload are required")
	}
	if err := topic.Validate(name); err != nil {
		return err
	}
	if err := b.connected(op); err != nil {
		return err
	}

	id, err := b.pending.reserve(ctx, msg, func() error { return b.connected(op) })
	if err != nil {
		b.metrics.recordPublishError("inflight")
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrTransport, op, err)
		}
		return err
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.pending.complete(id)
			b.metrics.recordPublishError("throttle")
			return errors.Wrap(errors.ErrTransport, op, err)
		}
	}

	// The link may have dropped while waiting for a slot or a token.
	if err := b.connected(op); err != nil {
		b.pending.complete(id)
		b.metrics.recordPublishError("send")
		return err
	}

	payload := msg.Payload()
	if err := b.engine.Publish(id, name, b.qos, payload); err != nil {
		b.pending.complete(id)
		b.metrics.recordPublishError("send")
		return errors.Wrap(errors.ErrProtocol, op, err)
	}
	b.metrics.recordPublished(len(payload))
	b.logger.Debug("message published", slog.String("topic", name), slog.Uint64("delivery_id", id))
	return nil
}

// Subscribe subscribes to filter. Active filters are restored by Resubscribe.
func (b *Binding) Subscribe(ctx context.Context, filter string) error {
	return b.subscribe(ctx, filter, nil)
}

// Unsubscribe removes a subscription to filter.
func (b *Binding) Unsubscribe(ctx context.Context, filter string) error {
	return b.unsubscribe(ctx, filter, nil)
}

// subscribe tracks ctrl, when given, under the subscription's delivery id so
// its completion is consumed like a publish confirmation.
func (b *Binding) subscribe(ctx context.Context, filter string, ctrl *message.Message) error {
	const op = "subscribe"
	if filter == "" {
		return errors.New(errors.ErrInvalidArgument, op, "topic is required")
	}
	if err := b.connected(op); err != nil {
		return err
	}

	id := b.pending.nextDeliveryID()
	if ctrl != nil {
		b.pending.put(id, *ctrl)
	}
	if err := b.engine.Subscribe(ctx, id, filter, b.qos); err != nil {
		b.pending.complete(id)
		return errors.Wrap(errors.ErrProtocol, op, err)
	}

	b.subMu.Lock()
	b.subscriptions[filter] = struct{}{}
	b.subMu.Unlock()
	b.logger.Debug("subscribed", slog.String("topic", filter))
	return nil
}

func (b *Binding) unsubscribe(ctx context.Context, filter string, ctrl *message.Message) error {
	const op = "unsubscribe"
	if filter == "" {
		return errors.New(errors.ErrInvalidArgument, op, "topic is required")
	}
	if err := b.connected(op); err != nil {
		return err
	}

	id := b.pending.nextDeliveryID()
	if ctrl != nil {
		b.pending.put(id, *ctrl)
	}
	if err := b.engine.Unsubscribe(ctx, id, filter); err != nil {
		b.pending.complete(id)
		return errors.Wrap(errors.ErrProtocol, op, err)
	}

	b.subMu.Lock()
	delete(b.subscriptions, filter)
	b.subMu.Unlock()
	return nil
}

// Subscriptions returns the active filters in no particular order.
func (b *Binding) Subscriptions() []string {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	filters := make([]string, 0, len(b.subscriptions))
	for f := range b.subscriptions {
		filters = append(filters, f)
	}
	return filters
}

// Resubscribe subscribes again to every active filter, typically after a
// reconnect that did not resume the session.
func (b *Binding) Resubscribe(ctx context.Context) error {
	var errs []error
	for _, filter := range b.Subscriptions() {
		if err := b.Subscribe(ctx, filter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receive returns the oldest inbound message. It never blocks: ok is false
// when nothing is queued or the topic carries no hub message.
func (b *Binding) Receive() (msg message.Message, ok bool, err error) {
	in, ok := b.received.pop()
	if !ok {
		return message.Message{}, false, nil
	}
	msg, err = topic.Decode(in.topic, in.payload)
	switch {
	case errors.Is(err, topic.ErrUnrecognized):
		b.logger.Debug("dropping unrecognized topic", slog.String("topic", in.topic))
		return message.Message{}, false, nil
	case err != nil:
		return message.Message{}, false, err
	}
	return msg, true, nil
}

// Pending returns the number of messages awaiting confirmation.
func (b *Binding) Pending() int {
	return b.pending.count()
}

// MessageArrived queues an inbound message. Called by the engine.
func (b *Binding) MessageArrived(name string, payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)
	b.received.push(inbound{topic: name, payload: data})
	b.metrics.recordReceived()
	if !b.subscribed(name) {
		b.logger.Debug("message on unsubscribed topic", slog.String("topic", name))
	}
	b.events.emit(Event{Kind: MessageReceived, Topic: name})
}

// DeliveryComplete consumes the table entry for id. Called by the engine.
func (b *Binding) DeliveryComplete(id uint64) {
	msg, ok := b.pending.complete(id)
	if !ok || msg.IsSubscriptionControl() {
		return
	}
	b.metrics.recordDelivered(true)
	b.events.emit(Event{Kind: MessageSent, Message: msg})
}

// DeliveryFailed consumes the table entry for id and reports the failure.
// Called by the engine.
func (b *Binding) DeliveryFailed(id uint64, cause error) {
	msg, ok := b.pending.complete(id)
	if !ok || msg.IsSubscriptionControl() {
		return
	}
	b.metrics.recordDelivered(false)
	b.logger.Warn("delivery failed", slog.Uint64("delivery_id", id), slog.Any("error", cause))
	b.events.emit(Event{Kind: MessageSent, Message: msg, Err: errors.Wrap(errors.ErrTransport, "delivery", cause)})
}

// ConnectionLost reports the dropped link with the retry policy's first
// decision. Called by the engine.
func (b *Binding) ConnectionLost(cause error) {
	var err error
	if cause == nil {
		err = errors.New(errors.ErrTransport, "connection lost", "")
	} else {
		err = errors.Wrap(errors.ErrTransport, "connection lost", cause)
	}
	decision := b.retry.RetryDecision(0, err)
	b.metrics.recordConnectionLost()
	b.pending.wake()
	b.logger.Warn("connection to hub lost", slog.Any("error", cause), slog.Bool("retry", decision.ShouldRetry))
	b.events.emit(Event{Kind: ConnectionLost, Err: err, Retry: decision})
}

func (b *Binding) connected(op string) error {
	if !b.engine.IsConnected() {
		return errors.New(errors.ErrTransport, op, "not connected")
	}
	return nil
}

func (b *Binding) subscribed(name string) bool {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for filter := range b.subscriptions {
		if topic.Match(filter, name) {
			return true
		}
	}
	return false
}
