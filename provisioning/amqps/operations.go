// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqps carries provisioning requests over AMQP. One request is in
// flight at a time. Its reply is the next message the receiver link delivers
// once replies left over from earlier requests are discarded.
package amqps

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/iotdevice/amqp"
	"github.com/absmach/iotdevice/amqp/message"
	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/absmach/iotdevice/provisioning/contract"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Application and link property names understood by the service.
const (
	OperationTypeProperty     = "iotdps-operation-type"
	OperationIDProperty       = "iotdps-operation-id"
	ForceRegistrationProperty = "iotdps-forceRegistration"
	RetryAfterProperty        = "retry-after"

	OperationRegister = "iotdps-register"
	OperationStatus   = "iotdps-get-operationstatus"

	APIVersionKey    = "com.microsoft:api-version"
	ClientVersionKey = "com.microsoft:client-version"
	APIVersion       = "2019-03-31"
)

const (
	DefaultOpenTimeout   = 60 * time.Second
	DefaultReplyTimeout  = 60 * time.Second
	DefaultClientVersion = "iotdevice/1.0.0"
)

var _ Listener = (*Operations)(nil)

// Option configures Operations.
type Option func(*Operations)

// WithOpenTimeout bounds the wait for the connection before a request.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *Operations) { o.openTimeout = d }
}

// WithReplyTimeout bounds the wait for a reply.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *Operations) { o.replyTimeout = d }
}

// WithForceRegistration asks the service to re-register an assigned device.
func WithForceRegistration(force bool) Option {
	return func(o *Operations) { o.forceRegistration = force }
}

// WithPayload attaches a custom JSON payload to the register request.
func WithPayload(payload []byte) Option {
	return func(o *Operations) { o.payload = payload }
}

// WithClientVersion overrides DefaultClientVersion.
func WithClientVersion(v string) Option {
	return func(o *Operations) { o.clientVersion = v }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Operations) { o.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Operations) { o.tracer = t }
}

// Operations correlates provisioning requests with replies.
type Operations struct {
	idScope string
	host    string
	dialer  Dialer

	openTimeout       time.Duration
	replyTimeout      time.Duration
	forceRegistration bool
	payload           []byte
	clientVersion     string
	logger            *slog.Logger
	tracer            trace.Tracer

	// reqMu serializes requests; the service reply is not always correlated.
	reqMu sync.Mutex

	mu             sync.Mutex
	conn           Connection
	registrationID string
	queue          []*message.Message
	up             chan struct{}
	upClosed       bool
	// failed is closed when the background open of conn fails with openErr.
	failed     chan struct{}
	openErr    error
	cancelOpen context.CancelFunc

	signal chan struct{}
}

// New returns Operations for the given scope and global endpoint host.
func New(idScope, host string, dialer Dialer, opts ...Option) (*Operations, error) {
	const op = "amqps.New"
	switch {
	case idScope == "":
		return nil, errors.New(errors.ErrClient, op, "id scope is empty")
	case host == "":
		return nil, errors.New(errors.ErrClient, op, "host is empty")
	case dialer == nil:
		return nil, errors.New(errors.ErrClient, op, "dialer is nil")
	}
	o := &Operations{
		idScope:       idScope,
		host:          host,
		dialer:        dialer,
		openTimeout:   DefaultOpenTimeout,
		replyTimeout:  DefaultReplyTimeout,
		clientVersion: DefaultClientVersion,
		logger:        slog.Default(),
		tracer:        otel.Tracer("iotdevice/provisioning"),
		up:            make(chan struct{}),
		signal:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Address returns the link address for registrationID.
func (o *Operations) Address(registrationID string) string {
	return fmt.Sprintf("/%s/registrations/%s", o.idScope, registrationID)
}

// IsConnected reports whether the underlying connection is up.
func (o *Operations) IsConnected() bool {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

// Open builds the connection and opens it in the background. It is a no-op
// while connected. A nil negotiator skips SASL, which X.509 attestation uses:
// the device authenticates with the TLS client certificate in tlsConfig. An
// open failure is returned by the next request.
func (o *Operations) Open(ctx context.Context, registrationID string, tlsConfig *tls.Config, negotiator amqp.SASLHandler, useWebSockets bool) error {
	const op = "amqps.Open"
	if o.IsConnected() {
		return nil
	}
	switch {
	case registrationID == "":
		return errors.New(errors.ErrClient, op, "registration id is empty")
	case tlsConfig == nil:
		return errors.New(errors.ErrClient, op, "TLS config is nil")
	}

	conn, err := o.dialer.Dial(DialConfig{
		Host:          o.host,
		Address:       o.Address(registrationID),
		TLS:           tlsConfig,
		SASL:          negotiator,
		WebSockets:    useWebSockets,
		ClientVersion: o.clientVersion,
		Listener:      o,
		Logger:        o.logger,
	})
	if err != nil {
		return errors.Wrap(errors.ErrConnection, op, err)
	}
	if conn == nil {
		return errors.New(errors.ErrConnection, op, "dialer returned no connection")
	}

	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.openTimeout)
	failed := make(chan struct{})

	o.mu.Lock()
	prev, prevCancel := o.conn, o.cancelOpen
	o.conn = conn
	o.registrationID = registrationID
	o.queue = nil
	o.failed = failed
	o.openErr = nil
	o.cancelOpen = cancel
	o.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil && prev != conn {
		_ = prev.Close()
	}

	go func() {
		defer cancel()
		err := conn.Open(openCtx)
		if err == nil {
			return
		}
		o.logger.Warn("provisioning connection failed to open",
			slog.String("registration_id", registrationID),
			slog.String("error", err.Error()))
		o.mu.Lock()
		if o.conn == conn {
			o.openErr = openError(op, err)
			close(failed)
		}
		o.mu.Unlock()
	}()
	return nil
}

// openError keeps the kind and retryability of classified failures, such as
// a rejected SASL outcome, and files anything else as a connection error.
func openError(op string, err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.Wrap(errors.ErrConnection, op, err)
}

// Close stops an open in progress and closes the connection.
func (o *Operations) Close() error {
	o.mu.Lock()
	conn, cancel := o.conn, o.cancelOpen
	o.conn = nil
	o.cancelOpen = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return errors.Wrap(errors.ErrConnection, "amqps.Close", conn.Close())
}

// SendRegisterMessage sends a register request and hands its reply to callback.
func (o *Operations) SendRegisterMessage(ctx context.Context, callback contract.ResponseCallback, cbCtx any) error {
	const op = "amqps.SendRegisterMessage"
	if callback == nil {
		return errors.New(errors.ErrClient, op, "response callback is nil")
	}
	return o.request(ctx, op, OperationRegister, "", callback, cbCtx)
}

// SendStatusMessage polls operationID and hands the reply to callback.
func (o *Operations) SendStatusMessage(ctx context.Context, operationID string, callback contract.ResponseCallback, cbCtx any) error {
	const op = "amqps.SendStatusMessage"
	if operationID == "" {
		return errors.New(errors.ErrClient, op, "operation id is empty")
	}
	if callback == nil {
		return errors.New(errors.ErrClient, op, "response callback is nil")
	}
	return o.request(ctx, op, OperationStatus, operationID, callback, cbCtx)
}

func (o *Operations) request(ctx context.Context, op, opType, operationID string, callback contract.ResponseCallback, cbCtx any) (err error) {
	o.reqMu.Lock()
	defer o.reqMu.Unlock()

	ctx, span := o.tracer.Start(ctx, opType, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("id_scope", o.idScope)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn, err := o.waitConnected(ctx, op)
	if err != nil {
		return err
	}
	msg, err := o.buildRequest(opType, operationID)
	if err != nil {
		return errors.Wrap(errors.ErrClient, op, err)
	}
	requestID := uuid.NewString()
	msg.Properties = &message.Properties{MessageID: requestID}

	if n := o.discardReplies(); n > 0 {
		o.logger.Debug("discarded stale provisioning replies", slog.Int("count", n))
	}
	if err := conn.Send(ctx, msg); err != nil {
		return errors.Wrap(errors.ErrTransport, op, err)
	}

	reply, err := o.waitReply(ctx, op, requestID)
	if err != nil {
		return err
	}
	body := reply.Body()
	if len(body) == 0 {
		return errors.New(errors.ErrTransport, op, "reply has no body")
	}
	span.SetAttributes(attribute.Int("reply_size", len(body)))
	callback(contract.ResponseData{
		Body:       body,
		State:      contract.StateRegistrationReceived,
		RetryAfter: retryAfter(reply),
	}, cbCtx)
	return nil
}

func (o *Operations) buildRequest(opType, operationID string) (*message.Message, error) {
	props := map[string]any{OperationTypeProperty: opType}
	if operationID != "" {
		props[OperationIDProperty] = operationID
	}
	msg := &message.Message{ApplicationProperties: props}
	if opType != OperationRegister {
		return msg, nil
	}
	if o.forceRegistration {
		props[ForceRegistrationProperty] = true
	}
	o.mu.Lock()
	regID := o.registrationID
	o.mu.Unlock()
	body, err := contract.RegisterRequest{RegistrationID: regID, Payload: o.payload}.Marshal()
	if err != nil {
		return nil, err
	}
	msg.Data = [][]byte{body}
	return msg, nil
}

// waitConnected blocks until the connection reports connected, rechecking after
// every establishment signal. A failed open returns its error at once.
func (o *Operations) waitConnected(ctx context.Context, op string) (Connection, error) {
	timer := time.NewTimer(o.openTimeout)
	defer timer.Stop()
	for {
		o.mu.Lock()
		conn, up, failed, openErr := o.conn, o.up, o.failed, o.openErr
		o.mu.Unlock()
		if conn == nil {
			return nil, errors.New(errors.ErrConnection, op, "connection is not open")
		}
		if openErr != nil {
			return nil, openErr
		}
		if conn.IsConnected() {
			return conn, nil
		}
		select {
		case <-up:
		case <-failed:
		case <-timer.C:
			return nil, errors.New(errors.ErrConnection, op, "timed out waiting for the connection to open")
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrConnection, op, ctx.Err())
		}
	}
}

// waitReply blocks on the signal and rechecks the queue after every wakeup.
// A reply correlated with another request is dropped.
func (o *Operations) waitReply(ctx context.Context, op, requestID string) (*message.Message, error) {
	timer := time.NewTimer(o.replyTimeout)
	defer timer.Stop()
	for {
		if msg, ok := o.dequeue(); ok {
			if correlated(msg, requestID) {
				return msg, nil
			}
			o.logger.Debug("dropped reply to another provisioning request")
			continue
		}
		select {
		case <-o.signal:
		case <-timer.C:
			return nil, errors.New(errors.ErrTransport, op, "service did not reply in time")
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrTransport, op, ctx.Err())
		}
	}
}

// correlated reports whether msg answers requestID. Replies without a
// correlation id are taken as the answer to the request in flight.
func correlated(msg *message.Message, requestID string) bool {
	if msg.Properties == nil || msg.Properties.CorrelationID == nil {
		return true
	}
	id, ok := msg.Properties.CorrelationID.(string)
	return ok && id == requestID
}

func (o *Operations) discardReplies() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.queue)
	o.queue = nil
	return n
}

func (o *Operations) dequeue() (*message.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	msg := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return msg, true
}

// MessageReceived queues a reply and wakes the waiting request.
func (o *Operations) MessageReceived(msg *message.Message) {
	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Operations) ConnectionEstablished() {
	o.mu.Lock()
	if !o.upClosed {
		close(o.up)
		o.upClosed = true
	}
	regID := o.registrationID
	o.mu.Unlock()
	o.logger.Info("provisioning connection established", slog.String("registration_id", regID))
}

func (o *Operations) ConnectionLost(err error) {
	o.mu.Lock()
	if o.upClosed {
		o.up = make(chan struct{})
		o.upClosed = false
	}
	regID := o.registrationID
	o.mu.Unlock()
	attrs := []any{slog.String("registration_id", regID)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	o.logger.Warn("provisioning connection lost", attrs...)
}

func (o *Operations) MessageSent() {
	o.logger.Debug("provisioning request sent")
}

// retryAfter reads the service's polling hint in seconds.
func retryAfter(msg *message.Message) time.Duration {
	v, ok := msg.ApplicationProperties[RetryAfterProperty]
	if !ok {
		return 0
	}
	var secs int64
	switch n := v.(type) {
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		secs = parsed
	case int32:
		secs = int64(n)
	case int64:
		secs = n
	case uint32:
		secs = int64(n)
	case uint64:
		secs = int64(n)
	default:
		return 0
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
