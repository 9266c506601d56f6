// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/absmach/iotdevice/amqp/frames"
	"github.com/absmach/iotdevice/amqp/message"
	"github.com/absmach/iotdevice/amqp/performatives"
	"github.com/absmach/iotdevice/amqp/sasl"
	"github.com/absmach/iotdevice/amqp/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type plainHandler struct {
	user, pass string
}

func (h plainHandler) ChooseMechanism(offered []string) (string, error) {
	for _, m := range offered {
		if m == string(sasl.MechPLAIN) {
			return m, nil
		}
	}
	return "", errors.New("PLAIN not offered")
}

func (h plainHandler) InitPayload() ([]byte, error) {
	return sasl.PlainResponse(h.user, h.pass), nil
}

func (h plainHandler) HandleChallenge([]byte) ([]byte, error) {
	return nil, errors.New("unexpected challenge")
}

func (h plainHandler) HandleOutcome(sasl.Code) error { return nil }

type delivery struct {
	link string
	msg  *message.Message
}

type recorder struct {
	messages chan delivery
	lost     chan error
}

func newRecorder() *recorder {
	return &recorder{messages: make(chan delivery, 8), lost: make(chan error, 1)}
}

func (r *recorder) ConnectionLost(err error) { r.lost <- err }

func (r *recorder) MessageReceived(link string, msg *message.Message) {
	r.messages <- delivery{link: link, msg: msg}
}

type received struct {
	desc    uint64
	perf    any
	payload []byte
}

// peer is the server end of a net.Pipe speaking just enough AMQP.
type peer struct {
	t      *testing.T
	conn   *Connection
	frames chan received
	user   string
	pass   string
}

func newPeer(t *testing.T) (*peer, net.Conn) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &peer{t: t, conn: NewConnection(server), frames: make(chan received, 64)}, client
}

func (p *peer) handshake(code sasl.Code) error {
	id, err := p.conn.ReadProtocolHeader()
	if err != nil {
		return err
	}
	if id != frames.ProtoSASL {
		return errors.New("expected SASL header")
	}
	if err := p.conn.WriteProtocolHeader(frames.ProtoSASL); err != nil {
		return err
	}
	if err := p.conn.WriteSASL(&sasl.Mechanisms{Mechanisms: []types.Symbol{sasl.MechANONYMOUS, sasl.MechPLAIN}}); err != nil {
		return err
	}
	desc, v, err := p.conn.ReadSASL()
	if err != nil {
		return err
	}
	if desc != sasl.DescriptorInit {
		return errors.New("expected SASL init")
	}
	if _, p.user, p.pass, err = sasl.ParsePLAIN(v.(*sasl.Init).InitialResponse); err != nil {
		return err
	}
	if err := p.conn.WriteSASL(&sasl.Outcome{Code: code}); err != nil {
		return err
	}
	if code != sasl.CodeOK {
		return nil
	}

	if _, err := p.conn.ReadProtocolHeader(); err != nil {
		return err
	}
	if err := p.conn.WriteProtocolHeader(frames.ProtoAMQP); err != nil {
		return err
	}
	if _, desc, _, _, err = p.conn.ReadPerformative(); err != nil || desc != performatives.DescriptorOpen {
		return errors.New("expected open")
	}
	if err := p.conn.WritePerformative(0, &performatives.Open{ContainerID: "peer", MaxFrameSize: frames.DefaultMaxFrameSize}); err != nil {
		return err
	}
	if _, desc, _, _, err = p.conn.ReadPerformative(); err != nil || desc != performatives.DescriptorBegin {
		return errors.New("expected begin")
	}
	if err := p.conn.WritePerformative(0, &performatives.Begin{
		RemoteChannel:  performatives.Uint16(0),
		IncomingWindow: sessionWindow,
		OutgoingWindow: sessionWindow,
		HandleMax:      handleMax,
	}); err != nil {
		return err
	}
	go p.read()
	return nil
}

func (p *peer) read() {
	defer close(p.frames)
	for {
		_, desc, perf, payload, err := p.conn.ReadPerformative()
		if err != nil {
			return
		}
		if perf == nil && desc == 0 {
			continue
		}
		p.frames <- received{desc: desc, perf: perf, payload: payload}
	}
}

func (p *peer) next(desc uint64) received {
	p.t.Helper()
	select {
	case r, ok := <-p.frames:
		require.True(p.t, ok, "peer connection closed")
		require.Equal(p.t, desc, r.desc)
		return r
	case <-time.After(waitTimeout):
		p.t.Fatalf("timed out waiting for descriptor 0x%02x", desc)
		return received{}
	}
}

func (p *peer) write(perf performatives.Performative) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WritePerformative(0, perf))
}

func dialPeer(t *testing.T, l Listener) (*Client, *peer) {
	t.Helper()
	p, conn := newPeer(t)
	errc := make(chan error, 1)
	go func() { errc <- p.handshake(sasl.CodeOK) }()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := Dial(ctx, conn, Config{
		Hostname: "global.azure-devices-provisioning.net",
		SASL:     plainHandler{user: "scope/registrations/dev", pass: "token"},
		Listener: l,
	})
	require.NoError(t, err)
	require.NoError(t, <-errc)
	return c, p
}

func attachSender(t *testing.T, c *Client, p *peer) *Sender {
	t.Helper()
	type result struct {
		s   *Sender
		err error
	}
	res := make(chan result, 1)
	props := map[types.Symbol]any{"com.microsoft:api-version": "2019-03-31"}
	go func() {
		s, err := c.AttachSender(context.Background(), "sender-1", "/scope/registrations/dev", props)
		res <- result{s, err}
	}()

	a := p.next(performatives.DescriptorAttach).perf.(*performatives.Attach)
	assert.Equal(t, performatives.RoleSender, a.Role)
	require.NotNil(t, a.Target)
	assert.Equal(t, "/scope/registrations/dev", a.Target.Address)
	assert.Equal(t, "2019-03-31", a.Properties["com.microsoft:api-version"])
	p.write(&performatives.Attach{Name: a.Name, Handle: 7, Role: performatives.RoleReceiver, Source: a.Source, Target: a.Target})

	r := <-res
	require.NoError(t, r.err)
	return r.s
}

func TestDialNegotiatesPlain(t *testing.T) {
	c, p := dialPeer(t, nil)
	assert.True(t, c.IsConnected())
	assert.Equal(t, "scope/registrations/dev", p.user)
	assert.Equal(t, "token", p.pass)
}

func TestDialSASLRejected(t *testing.T) {
	p, conn := newPeer(t)
	errc := make(chan error, 1)
	go func() { errc <- p.handshake(sasl.CodeAuth) }()

	_, err := Dial(context.Background(), conn, Config{SASL: plainHandler{user: "u", pass: "p"}})
	assert.ErrorIs(t, err, ErrSASLOutcome)
	assert.NoError(t, <-errc)
}

func TestSendWaitsForCreditAndDisposition(t *testing.T) {
	c, p := dialPeer(t, nil)
	s := attachSender(t, c, p)

	msg := &message.Message{
		ApplicationProperties: map[string]any{"iotdps-operation-type": "iotdps-register"},
		Data:                  [][]byte{[]byte(`{"registrationId":"dev"}`)},
	}
	sent := make(chan error, 1)
	go func() { sent <- s.Send(context.Background(), msg) }()

	select {
	case err := <-sent:
		t.Fatalf("send completed without credit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.write(&performatives.Flow{
		IncomingWindow: sessionWindow,
		OutgoingWindow: sessionWindow,
		Handle:         performatives.Uint32(7),
		DeliveryCount:  performatives.Uint32(0),
		LinkCredit:     performatives.Uint32(10),
	})

	r := p.next(performatives.DescriptorTransfer)
	tr := r.perf.(*performatives.Transfer)
	require.NotNil(t, tr.DeliveryID)
	assert.False(t, tr.Settled)
	got, err := message.Decode(r.payload)
	require.NoError(t, err)
	assert.Equal(t, "iotdps-register", got.ApplicationProperties["iotdps-operation-type"])
	assert.Equal(t, []byte(`{"registrationId":"dev"}`), got.Body())

	p.write(&performatives.Disposition{
		Role:    performatives.RoleReceiver,
		First:   *tr.DeliveryID,
		Settled: true,
		State:   performatives.Accepted(),
	})
	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("send did not complete")
	}
}

func TestSendRejected(t *testing.T) {
	c, p := dialPeer(t, nil)
	s := attachSender(t, c, p)
	p.write(&performatives.Flow{
		IncomingWindow: sessionWindow,
		OutgoingWindow: sessionWindow,
		Handle:         performatives.Uint32(7),
		DeliveryCount:  performatives.Uint32(0),
		LinkCredit:     performatives.Uint32(1),
	})

	sent := make(chan error, 1)
	go func() { sent <- s.Send(context.Background(), &message.Message{Data: [][]byte{{1}}}) }()

	tr := p.next(performatives.DescriptorTransfer).perf.(*performatives.Transfer)
	state, err := performatives.Rejected(&performatives.Error{Condition: performatives.ErrNotAllowed, Description: "bad request"})
	require.NoError(t, err)
	p.write(&performatives.Disposition{Role: performatives.RoleReceiver, First: *tr.DeliveryID, Settled: true, State: state})

	select {
	case err := <-sent:
		assert.ErrorContains(t, err, "amqp:not-allowed")
	case <-time.After(waitTimeout):
		t.Fatal("send did not complete")
	}
}

func TestSendContextCancelled(t *testing.T) {
	c, p := dialPeer(t, nil)
	s := attachSender(t, c, p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, &message.Message{Data: [][]byte{{1}}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiverAcceptsAndDelivers(t *testing.T) {
	rec := newRecorder()
	c, p := dialPeer(t, rec)

	attached := make(chan error, 1)
	go func() {
		_, err := c.AttachReceiver(context.Background(), "receiver-1", "/scope/registrations/dev", nil, 4)
		attached <- err
	}()

	a := p.next(performatives.DescriptorAttach).perf.(*performatives.Attach)
	assert.Equal(t, performatives.RoleReceiver, a.Role)
	require.NotNil(t, a.Source)
	assert.Equal(t, "/scope/registrations/dev", a.Source.Address)
	p.write(&performatives.Attach{
		Name:                 a.Name,
		Handle:               3,
		Role:                 performatives.RoleSender,
		Source:               a.Source,
		Target:               a.Target,
		InitialDeliveryCount: performatives.Uint32(0),
	})
	require.NoError(t, <-attached)

	flow := p.next(performatives.DescriptorFlow).perf.(*performatives.Flow)
	require.NotNil(t, flow.LinkCredit)
	assert.Equal(t, uint32(4), *flow.LinkCredit)

	payload, err := (&message.Message{
		Properties: &message.Properties{CorrelationID: "rid-1"},
		Data:       [][]byte{[]byte("reply")},
	}).Encode()
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteTransfer(0, &performatives.Transfer{
		Handle:        3,
		DeliveryID:    performatives.Uint32(0),
		DeliveryTag:   []byte{0},
		MessageFormat: performatives.Uint32(0),
	}, payload))

	disp := p.next(performatives.DescriptorDisposition).perf.(*performatives.Disposition)
	assert.True(t, disp.Settled)
	assert.Equal(t, uint32(0), disp.First)
	assert.NoError(t, performatives.OutcomeError(disp.State))

	select {
	case d := <-rec.messages:
		assert.Equal(t, "receiver-1", d.link)
		assert.Equal(t, []byte("reply"), d.msg.Body())
		require.NotNil(t, d.msg.Properties)
		assert.Equal(t, "rid-1", d.msg.Properties.CorrelationID)
	case <-time.After(waitTimeout):
		t.Fatal("message not delivered")
	}
}

func TestPeerCloseReportsConnectionLost(t *testing.T) {
	rec := newRecorder()
	c, p := dialPeer(t, rec)

	p.write(&performatives.Close{Error: &performatives.Error{Condition: performatives.ErrConnectionForced}})
	p.next(performatives.DescriptorClose)

	select {
	case err := <-rec.lost:
		assert.ErrorContains(t, err, "amqp:connection:forced")
	case <-time.After(waitTimeout):
		t.Fatal("connection loss not reported")
	}
	<-c.Done()
	assert.False(t, c.IsConnected())
}

func TestClientClose(t *testing.T) {
	rec := newRecorder()
	c, p := dialPeer(t, rec)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	p.next(performatives.DescriptorClose)
	p.write(&performatives.Close{})

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("close did not return")
	}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.Empty(t, rec.lost)
}
