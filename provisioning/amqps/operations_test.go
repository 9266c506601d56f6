// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqps

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/iotdevice/amqp/message"
	kinds "github.com/absmach/iotdevice/pkg/errors"
	"github.com/absmach/iotdevice/provisioning/contract"
	psasl "github.com/absmach/iotdevice/provisioning/sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	cfg DialConfig

	mu        sync.Mutex
	connected bool
	sent      []*message.Message
	openErr   error
	holdOpen  bool
	blockOpen bool
	openCause error
	sendErr   error
	reply     func(*message.Message) *message.Message
}

func (c *fakeConn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.blockOpen {
		c.mu.Unlock()
		<-ctx.Done()
		c.mu.Lock()
		c.openCause = ctx.Err()
		c.mu.Unlock()
		return ctx.Err()
	}
	if c.openErr != nil || c.holdOpen {
		c.mu.Unlock()
		return c.openErr
	}
	c.connected = true
	c.mu.Unlock()
	c.cfg.Listener.ConnectionEstablished()
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Send(_ context.Context, msg *message.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	err, reply := c.sendErr, c.reply
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.cfg.Listener.MessageSent()
	if reply != nil {
		go c.cfg.Listener.MessageReceived(reply(msg))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) lastSent() *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type fakeDialer struct {
	mu    sync.Mutex
	conn  *fakeConn
	dials int
	err   error
}

func (d *fakeDialer) Dial(cfg DialConfig) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	d.conn.cfg = cfg
	return d.conn, nil
}

func jsonReply(body string) func(*message.Message) *message.Message {
	return func(*message.Message) *message.Message {
		return &message.Message{Data: [][]byte{[]byte(body)}}
	}
}

func newOps(t *testing.T, conn *fakeConn, opts ...Option) (*Operations, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{conn: conn}
	o, err := New("0ne00000001", "global.azure-devices-provisioning.net", d, opts...)
	require.NoError(t, err)
	return o, d
}

func open(t *testing.T, o *Operations) {
	t.Helper()
	neg, err := psasl.NewPlain("0ne00000001", "dev-1", "token")
	require.NoError(t, err)
	require.NoError(t, o.Open(context.Background(), "dev-1", &tls.Config{}, neg, false))
}

type captured struct {
	resp  contract.ResponseData
	cbCtx any
}

func capture() (contract.ResponseCallback, *captured) {
	c := &captured{}
	return func(resp contract.ResponseData, cbCtx any) {
		c.resp = resp
		c.cbCtx = cbCtx
	}, c
}

func TestNewValidates(t *testing.T) {
	_, err := New("", "host", &fakeDialer{})
	assert.ErrorIs(t, err, kinds.ErrClient)
	_, err = New("scope", "", &fakeDialer{})
	assert.ErrorIs(t, err, kinds.ErrClient)
	_, err = New("scope", "host", nil)
	assert.ErrorIs(t, err, kinds.ErrClient)
}

func TestOpenValidates(t *testing.T) {
	o, _ := newOps(t, &fakeConn{})
	neg, err := psasl.NewPlain("0ne00000001", "dev-1", "token")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, o.Open(ctx, "", &tls.Config{}, neg, false), kinds.ErrClient)
	assert.ErrorIs(t, o.Open(ctx, "dev-1", nil, neg, false), kinds.ErrClient)
}

func TestOpenWithoutNegotiator(t *testing.T) {
	conn := &fakeConn{reply: jsonReply(`{"operationId":"op-1","status":"assigning"}`)}
	o, _ := newOps(t, conn)
	require.NoError(t, o.Open(context.Background(), "dev-1", &tls.Config{}, nil, false))

	cb, got := capture()
	require.NoError(t, o.SendRegisterMessage(context.Background(), cb, nil))
	assert.Nil(t, conn.cfg.SASL)
	assert.Contains(t, string(got.resp.Body), "op-1")
}

func TestOpenFailureReachesRequest(t *testing.T) {
	cases := []struct {
		name      string
		openErr   error
		kind      error
		retryable bool
	}{
		{
			name:    "rejected credentials",
			openErr: kinds.New(kinds.ErrSecurity, "sasl", "token rejected"),
			kind:    kinds.ErrSecurity,
		},
		{
			name:      "transient outcome",
			openErr:   kinds.Transient(kinds.ErrSecurity, "sasl", "system busy", nil),
			kind:      kinds.ErrSecurity,
			retryable: true,
		},
		{
			name:    "dial failure",
			openErr: errors.New("connection refused"),
			kind:    kinds.ErrConnection,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakeConn{openErr: tc.openErr}
			o, _ := newOps(t, conn, WithOpenTimeout(5*time.Second))
			open(t, o)

			cb, _ := capture()
			start := time.Now()
			err := o.SendRegisterMessage(context.Background(), cb, nil)
			assert.Less(t, time.Since(start), time.Second)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.retryable, kinds.IsRetryable(err))
			assert.Nil(t, conn.lastSent())
		})
	}
}

func TestCloseCancelsOpen(t *testing.T) {
	conn := &fakeConn{blockOpen: true}
	o, _ := newOps(t, conn)
	open(t, o)

	require.NoError(t, o.Close())
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return errors.Is(conn.openCause, context.Canceled)
	}, time.Second, 5*time.Millisecond)
}

func TestOpenDialFailure(t *testing.T) {
	o, d := newOps(t, &fakeConn{})
	d.err = errors.New("boom")
	neg, err := psasl.NewPlain("0ne00000001", "dev-1", "token")
	require.NoError(t, err)
	assert.ErrorIs(t, o.Open(context.Background(), "dev-1", &tls.Config{}, neg, true), kinds.ErrConnection)
}

func TestOpenIsNoopWhileConnected(t *testing.T) {
	conn := &fakeConn{}
	o, d := newOps(t, conn)
	open(t, o)
	assert.Eventually(t, o.IsConnected, time.Second, 5*time.Millisecond)
	open(t, o)

	assert.Equal(t, 1, d.dials)
	assert.Equal(t, "/0ne00000001/registrations/dev-1", conn.cfg.Address)
	assert.Equal(t, "global.azure-devices-provisioning.net", conn.cfg.Host)
	assert.Equal(t, DefaultClientVersion, conn.cfg.ClientVersion)
}

func TestSendRegisterMessage(t *testing.T) {
	conn := &fakeConn{reply: jsonReply(`{"operationId":"op-1","status":"assigning"}`)}
	o, _ := newOps(t, conn, WithForceRegistration(true))
	open(t, o)

	cb, got := capture()
	require.NoError(t, o.SendRegisterMessage(context.Background(), cb, "my-ctx"))

	assert.Equal(t, `{"operationId":"op-1","status":"assigning"}`, string(got.resp.Body))
	assert.Equal(t, contract.StateRegistrationReceived, got.resp.State)
	assert.Equal(t, "my-ctx", got.cbCtx)

	sent := conn.lastSent()
	require.NotNil(t, sent)
	assert.Equal(t, OperationRegister, sent.ApplicationProperties[OperationTypeProperty])
	assert.Equal(t, true, sent.ApplicationProperties[ForceRegistrationProperty])
	assert.NotContains(t, sent.ApplicationProperties, OperationIDProperty)
	assert.JSONEq(t, `{"registrationId":"dev-1"}`, string(sent.Body()))
}

func TestSendStatusMessage(t *testing.T) {
	conn := &fakeConn{reply: func(*message.Message) *message.Message {
		return &message.Message{
			ApplicationProperties: map[string]any{RetryAfterProperty: "3"},
			Data:                  [][]byte{[]byte(`{"operationId":"op-1","status":"assigned"}`)},
		}
	}}
	o, _ := newOps(t, conn)
	open(t, o)

	cb, got := capture()
	require.NoError(t, o.SendStatusMessage(context.Background(), "op-1", cb, nil))
	assert.Equal(t, 3*time.Second, got.resp.RetryAfter)

	sent := conn.lastSent()
	require.NotNil(t, sent)
	assert.Equal(t, OperationStatus, sent.ApplicationProperties[OperationTypeProperty])
	assert.Equal(t, "op-1", sent.ApplicationProperties[OperationIDProperty])
	assert.NotContains(t, sent.ApplicationProperties, ForceRegistrationProperty)
	assert.Empty(t, sent.Data)
}

func TestRequestArgumentErrors(t *testing.T) {
	o, _ := newOps(t, &fakeConn{})
	cb, _ := capture()
	ctx := context.Background()

	assert.ErrorIs(t, o.SendRegisterMessage(ctx, nil, nil), kinds.ErrClient)
	assert.ErrorIs(t, o.SendStatusMessage(ctx, "", cb, nil), kinds.ErrClient)
	assert.ErrorIs(t, o.SendStatusMessage(ctx, "op", nil, nil), kinds.ErrClient)
}

func TestRequestWithoutOpen(t *testing.T) {
	o, _ := newOps(t, &fakeConn{})
	cb, _ := capture()
	assert.ErrorIs(t, o.SendRegisterMessage(context.Background(), cb, nil), kinds.ErrConnection)
}

func TestOpenTimeout(t *testing.T) {
	conn := &fakeConn{holdOpen: true}
	o, _ := newOps(t, conn, WithOpenTimeout(20*time.Millisecond))
	open(t, o)

	cb, _ := capture()
	err := o.SendRegisterMessage(context.Background(), cb, nil)
	assert.ErrorIs(t, err, kinds.ErrConnection)
	assert.Nil(t, conn.lastSent())
}

func TestSendFailure(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("link detached")}
	o, _ := newOps(t, conn)
	open(t, o)

	cb, _ := capture()
	err := o.SendRegisterMessage(context.Background(), cb, nil)
	assert.ErrorIs(t, err, kinds.ErrTransport)
	assert.ErrorContains(t, err, "link detached")
}

func TestReplyTimeout(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOps(t, conn, WithReplyTimeout(20*time.Millisecond))
	open(t, o)

	called := false
	err := o.SendRegisterMessage(context.Background(), func(contract.ResponseData, any) { called = true }, nil)
	assert.ErrorIs(t, err, kinds.ErrTransport)
	assert.False(t, called)
}

func TestLateReplyIsNotReused(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOps(t, conn, WithReplyTimeout(20*time.Millisecond))
	open(t, o)

	cb, _ := capture()
	require.ErrorIs(t, o.SendRegisterMessage(context.Background(), cb, nil), kinds.ErrTransport)
	o.MessageReceived(&message.Message{Data: [][]byte{[]byte(`{"late":"register"}`)}})

	conn.mu.Lock()
	conn.reply = jsonReply(`{"operationId":"op1","status":"assigned"}`)
	conn.mu.Unlock()

	cb, got := capture()
	require.NoError(t, o.SendStatusMessage(context.Background(), "op1", cb, nil))
	assert.JSONEq(t, `{"operationId":"op1","status":"assigned"}`, string(got.resp.Body))
}

func TestReplyCorrelation(t *testing.T) {
	conn := &fakeConn{}
	conn.reply = func(req *message.Message) *message.Message {
		// A stray reply to another request arrives first.
		conn.cfg.Listener.MessageReceived(&message.Message{
			Properties: &message.Properties{CorrelationID: "someone-else"},
			Data:       [][]byte{[]byte("stray")},
		})
		return &message.Message{
			Properties: &message.Properties{CorrelationID: req.Properties.MessageID},
			Data:       [][]byte{[]byte("mine")},
		}
	}
	o, _ := newOps(t, conn)
	open(t, o)

	cb, got := capture()
	require.NoError(t, o.SendRegisterMessage(context.Background(), cb, nil))
	assert.Equal(t, "mine", string(got.resp.Body))

	sent := conn.lastSent()
	require.NotNil(t, sent)
	require.NotNil(t, sent.Properties)
	assert.NotEmpty(t, sent.Properties.MessageID)
}

func TestSpuriousWakeupRechecksQueue(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOps(t, conn)
	open(t, o)
	assert.Eventually(t, o.IsConnected, time.Second, 5*time.Millisecond)

	// A signal with nothing queued must not complete the request.
	o.signal <- struct{}{}
	go func() {
		time.Sleep(30 * time.Millisecond)
		o.MessageReceived(&message.Message{Data: [][]byte{[]byte("late")}})
	}()

	cb, got := capture()
	require.NoError(t, o.SendRegisterMessage(context.Background(), cb, nil))
	assert.Equal(t, "late", string(got.resp.Body))
}

func TestEmptyReplyIsTransportError(t *testing.T) {
	conn := &fakeConn{reply: func(*message.Message) *message.Message { return &message.Message{} }}
	o, _ := newOps(t, conn)
	open(t, o)

	cb, _ := capture()
	assert.ErrorIs(t, o.SendRegisterMessage(context.Background(), cb, nil), kinds.ErrTransport)
}

func TestConnectionLostResetsReadiness(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOps(t, conn, WithOpenTimeout(20*time.Millisecond))
	open(t, o)
	assert.Eventually(t, o.IsConnected, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	conn.connected = false
	conn.mu.Unlock()
	o.ConnectionLost(errors.New("socket closed"))

	cb, _ := capture()
	assert.ErrorIs(t, o.SendRegisterMessage(context.Background(), cb, nil), kinds.ErrConnection)
}

func TestRetryAfter(t *testing.T) {
	cases := []struct {
		value any
		want  time.Duration
	}{
		{"2", 2 * time.Second},
		{int32(5), 5 * time.Second},
		{uint32(1), time.Second},
		{"soon", 0},
		{int64(-1), 0},
		{true, 0},
	}
	for _, tc := range cases {
		msg := &message.Message{ApplicationProperties: map[string]any{RetryAfterProperty: tc.value}}
		assert.Equal(t, tc.want, retryAfter(msg))
	}
	assert.Zero(t, retryAfter(&message.Message{}))
}
