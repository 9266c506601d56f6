// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/iotdevice/amqp/frames"
	"github.com/absmach/iotdevice/amqp/message"
	"github.com/absmach/iotdevice/amqp/performatives"
	"github.com/absmach/iotdevice/amqp/types"
	"github.com/google/uuid"
)

const (
	sessionWindow   = 2048
	handleMax       = 255
	closeWaitPeriod = 2 * time.Second
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("amqp connection closed")
	// ErrLinkDetached is returned by operations on a link the peer detached.
	ErrLinkDetached = errors.New("amqp link detached")
)

// Listener receives asynchronous connection events. Callbacks run on the
// connection's reader goroutine and must not block.
type Listener interface {
	ConnectionLost(err error)
	MessageReceived(link string, msg *message.Message)
}

// Config configures a client connection.
type Config struct {
	// ContainerID defaults to a random UUID.
	ContainerID string
	// Hostname is sent in SASL init and open.
	Hostname     string
	MaxFrameSize uint32
	// IdleTimeout is announced to the peer. Zero disables it.
	IdleTimeout time.Duration
	// SASL is used when non-nil; otherwise the AMQP header is sent directly.
	SASL     SASLHandler
	Listener Listener
	Logger   *slog.Logger
}

// Client is a single AMQP connection with one session.
type Client struct {
	conn     *Connection
	cfg      Config
	logger   *slog.Logger
	listener Listener

	mu             sync.Mutex
	links          map[uint32]*link // local handle
	remote         map[uint32]*link // peer handle
	nextHandle     uint32
	nextOutgoingID uint32
	nextIncomingID uint32
	deliveries     map[uint32]chan error
	err            error
	closing        bool

	done      chan struct{}
	closeOnce sync.Once
}

type link struct {
	name          string
	handle        uint32
	role          bool
	attached      chan error
	detached      chan struct{}
	detachOnce    sync.Once
	credit        uint32
	creditCh      chan struct{}
	deliveryCount uint32
	maxCredit     uint32
	partial       *partialTransfer
}

type partialTransfer struct {
	transfer *performatives.Transfer
	payload  []byte
}

// Dial runs the SASL and open/begin handshakes over conn. The context bounds
// the handshake only.
func Dial(ctx context.Context, conn net.Conn, cfg Config) (*Client, error) {
	if cfg.ContainerID == "" {
		cfg.ContainerID = uuid.NewString()
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frames.DefaultMaxFrameSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn:       NewConnection(conn),
		cfg:        cfg,
		logger:     logger,
		listener:   cfg.Listener,
		links:      make(map[uint32]*link),
		remote:     make(map[uint32]*link),
		deliveries: make(map[uint32]chan error),
		done:       make(chan struct{}),
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	peerIdle, err := c.handshake()
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	if cfg.IdleTimeout > 0 {
		c.conn.SetReadTimeout(2 * cfg.IdleTimeout)
	}
	go c.readLoop()
	if peerIdle > 0 {
		go c.heartbeat(peerIdle / 2)
	}
	return c, nil
}

func (c *Client) handshake() (time.Duration, error) {
	if c.cfg.SASL != nil {
		if err := negotiateSASL(c.conn, c.cfg.SASL, c.cfg.Hostname); err != nil {
			return 0, err
		}
	}
	if err := c.conn.WriteProtocolHeader(frames.ProtoAMQP); err != nil {
		return 0, fmt.Errorf("writing AMQP header: %w", err)
	}
	id, err := c.conn.ReadProtocolHeader()
	if err != nil {
		return 0, fmt.Errorf("reading AMQP header: %w", err)
	}
	if id != frames.ProtoAMQP {
		return 0, fmt.Errorf("peer answered AMQP header with protocol id %d", id)
	}

	open := &performatives.Open{
		ContainerID:  c.cfg.ContainerID,
		Hostname:     c.cfg.Hostname,
		MaxFrameSize: c.cfg.MaxFrameSize,
		ChannelMax:   0,
		IdleTimeOut:  uint32(c.cfg.IdleTimeout.Milliseconds()),
	}
	if err := c.conn.WritePerformative(0, open); err != nil {
		return 0, fmt.Errorf("writing open: %w", err)
	}
	perf, err := c.expect(performatives.DescriptorOpen)
	if err != nil {
		return 0, err
	}
	peer := perf.(*performatives.Open)
	if peer.MaxFrameSize >= frames.MinMaxFrameSize {
		c.conn.SetMaxFrameSize(min(peer.MaxFrameSize, c.cfg.MaxFrameSize))
	}

	begin := &performatives.Begin{
		NextOutgoingID: 0,
		IncomingWindow: sessionWindow,
		OutgoingWindow: sessionWindow,
		HandleMax:      handleMax,
	}
	if err := c.conn.WritePerformative(0, begin); err != nil {
		return 0, fmt.Errorf("writing begin: %w", err)
	}
	if _, err := c.expect(performatives.DescriptorBegin); err != nil {
		return 0, err
	}
	return time.Duration(peer.IdleTimeOut) * time.Millisecond, nil
}

// expect reads until a non-heartbeat performative and checks its descriptor.
func (c *Client) expect(want uint64) (any, error) {
	for {
		_, desc, perf, _, err := c.conn.ReadPerformative()
		if err != nil {
			return nil, err
		}
		if perf == nil && desc == 0 {
			continue
		}
		if desc == performatives.DescriptorClose {
			if e := perf.(*performatives.Close).Error; e != nil {
				return nil, fmt.Errorf("peer closed connection: %w", e)
			}
			return nil, fmt.Errorf("peer closed connection")
		}
		if desc != want {
			return nil, fmt.Errorf("expected descriptor 0x%02x, got 0x%02x", want, desc)
		}
		return perf, nil
	}
}

// IsConnected reports whether the connection is open and not closing.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil && !c.closing
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that terminated the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// Close sends close, waits briefly for the peer's close and releases the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing || c.err != nil {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := c.conn.WritePerformative(0, &performatives.Close{})
	select {
	case <-c.done:
	case <-time.After(closeWaitPeriod):
	}
	c.shutdown(ErrClosed)
	<-c.done
	return err
}

// Sender publishes messages on an attached sender link.
type Sender struct {
	c *Client
	l *link
}

// Receiver is an attached receiver link; messages arrive through Listener.
type Receiver struct {
	c *Client
	l *link
}

// AttachSender attaches a sender link targeting address.
func (c *Client) AttachSender(ctx context.Context, name, address string, props map[types.Symbol]any) (*Sender, error) {
	l, err := c.newLink(name, performatives.RoleSender)
	if err != nil {
		return nil, err
	}
	attach := &performatives.Attach{
		Name:                 name,
		Handle:               l.handle,
		Role:                 performatives.RoleSender,
		Source:               &performatives.Source{Address: name},
		Target:               &performatives.Target{Address: address},
		InitialDeliveryCount: performatives.Uint32(0),
		Properties:           props,
	}
	if err := c.attach(ctx, l, attach); err != nil {
		return nil, err
	}
	return &Sender{c: c, l: l}, nil
}

// AttachReceiver attaches a receiver link sourcing from address and grants
// credit messages.
func (c *Client) AttachReceiver(ctx context.Context, name, address string, props map[types.Symbol]any, credit uint32) (*Receiver, error) {
	if credit == 0 {
		credit = 1
	}
	l, err := c.newLink(name, performatives.RoleReceiver)
	if err != nil {
		return nil, err
	}
	l.maxCredit = credit
	attach := &performatives.Attach{
		Name:          name,
		Handle:        l.handle,
		Role:          performatives.RoleReceiver,
		RcvSettleMode: performatives.Uint8(performatives.ReceiverSettleFirst),
		Source:        &performatives.Source{Address: address},
		Target:        &performatives.Target{Address: name},
		Properties:    props,
	}
	if err := c.attach(ctx, l, attach); err != nil {
		return nil, err
	}
	if err := c.grantCredit(l); err != nil {
		return nil, err
	}
	return &Receiver{c: c, l: l}, nil
}

func (c *Client) newLink(name string, role bool) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil || c.closing {
		return nil, ErrClosed
	}
	if c.nextHandle > handleMax {
		return nil, fmt.Errorf("link handles exhausted")
	}
	l := &link{
		name:     name,
		handle:   c.nextHandle,
		role:     role,
		attached: make(chan error, 1),
		detached: make(chan struct{}),
		creditCh: make(chan struct{}),
	}
	c.nextHandle++
	c.links[l.handle] = l
	return l, nil
}

func (c *Client) attach(ctx context.Context, l *link, a *performatives.Attach) error {
	if err := c.conn.WritePerformative(0, a); err != nil {
		return fmt.Errorf("writing attach: %w", err)
	}
	select {
	case err := <-l.attached:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (c *Client) grantCredit(l *link) error {
	c.mu.Lock()
	l.credit = l.maxCredit
	flow := &performatives.Flow{
		NextIncomingID: performatives.Uint32(c.nextIncomingID),
		IncomingWindow: sessionWindow,
		NextOutgoingID: c.nextOutgoingID,
		OutgoingWindow: sessionWindow,
		Handle:         performatives.Uint32(l.handle),
		DeliveryCount:  performatives.Uint32(l.deliveryCount),
		LinkCredit:     performatives.Uint32(l.maxCredit),
	}
	c.mu.Unlock()
	return c.conn.WritePerformative(0, flow)
}

// Send transfers msg unsettled and waits for the peer's disposition.
func (s *Sender) Send(ctx context.Context, msg *message.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	c, l := s.c, s.l

	c.mu.Lock()
	for l.credit == 0 {
		ch := l.creditCh
		c.mu.Unlock()
		select {
		case <-ch:
		case <-l.detached:
			return ErrLinkDetached
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.Err()
		}
		c.mu.Lock()
	}
	l.credit--
	l.deliveryCount++
	id := c.nextOutgoingID
	c.nextOutgoingID++
	wait := make(chan error, 1)
	c.deliveries[id] = wait
	c.mu.Unlock()

	transfer := &performatives.Transfer{
		Handle:        l.handle,
		DeliveryID:    performatives.Uint32(id),
		DeliveryTag:   binary.BigEndian.AppendUint32(nil, id),
		MessageFormat: performatives.Uint32(0),
	}
	if err := c.conn.WriteTransfer(0, transfer, payload); err != nil {
		c.dropDelivery(id)
		return fmt.Errorf("writing transfer: %w", err)
	}

	select {
	case err := <-wait:
		return err
	case <-l.detached:
		c.dropDelivery(id)
		return ErrLinkDetached
	case <-ctx.Done():
		c.dropDelivery(id)
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

// Name returns the link name.
func (s *Sender) Name() string { return s.l.name }

// Name returns the link name.
func (r *Receiver) Name() string { return r.l.name }

func (c *Client) dropDelivery(id uint32) {
	c.mu.Lock()
	delete(c.deliveries, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, desc, perf, payload, err := c.conn.ReadPerformative()
		if err != nil {
			c.shutdown(err)
			return
		}
		if perf == nil && desc == 0 {
			continue
		}
		stop, err := c.handle(desc, perf, payload)
		if err != nil {
			c.shutdown(err)
			return
		}
		if stop {
			return
		}
	}
}

func (c *Client) handle(desc uint64, perf any, payload []byte) (bool, error) {
	switch desc {
	case performatives.DescriptorAttach:
		c.onAttach(perf.(*performatives.Attach))
	case performatives.DescriptorFlow:
		c.onFlow(perf.(*performatives.Flow))
	case performatives.DescriptorTransfer:
		return false, c.onTransfer(perf.(*performatives.Transfer), payload)
	case performatives.DescriptorDisposition:
		c.onDisposition(perf.(*performatives.Disposition))
	case performatives.DescriptorDetach:
		return false, c.onDetach(perf.(*performatives.Detach))
	case performatives.DescriptorEnd:
		e := perf.(*performatives.End).Error
		_ = c.conn.WritePerformative(0, &performatives.End{})
		if e != nil {
			return true, c.shutdownWith(fmt.Errorf("peer ended session: %w", e))
		}
		return true, c.shutdownWith(errors.New("peer ended session"))
	case performatives.DescriptorClose:
		e := perf.(*performatives.Close).Error
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if !closing {
			_ = c.conn.WritePerformative(0, &performatives.Close{})
		}
		if e != nil {
			return true, c.shutdownWith(fmt.Errorf("peer closed connection: %w", e))
		}
		return true, c.shutdownWith(ErrClosed)
	default:
		c.logger.Debug("ignoring performative", slog.Uint64("descriptor", desc))
	}
	return false, nil
}

func (c *Client) onAttach(a *performatives.Attach) {
	c.mu.Lock()
	var l *link
	for _, candidate := range c.links {
		if candidate.name == a.Name && candidate.role != a.Role {
			l = candidate
			break
		}
	}
	if l != nil {
		c.remote[a.Handle] = l
	}
	c.mu.Unlock()

	if l == nil {
		c.logger.Warn("attach for unknown link", slog.String("link", a.Name))
		return
	}
	// A refused attach carries no terminus and is followed by a detach.
	if (l.role == performatives.RoleSender && a.Target == nil) ||
		(l.role == performatives.RoleReceiver && a.Source == nil) {
		return
	}
	select {
	case l.attached <- nil:
	default:
	}
}

func (c *Client) onFlow(f *performatives.Flow) {
	if f.Handle == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.remote[*f.Handle]
	if l == nil || l.role != performatives.RoleSender || f.LinkCredit == nil {
		return
	}
	var peerCount uint32
	if f.DeliveryCount != nil {
		peerCount = *f.DeliveryCount
	}
	credit := peerCount + *f.LinkCredit - l.deliveryCount
	if int32(credit) < 0 {
		credit = 0
	}
	l.credit = credit
	if credit > 0 {
		close(l.creditCh)
		l.creditCh = make(chan struct{})
	}
}

func (c *Client) onTransfer(t *performatives.Transfer, payload []byte) error {
	c.mu.Lock()
	l := c.remote[t.Handle]
	if l == nil || l.role != performatives.RoleReceiver {
		c.mu.Unlock()
		return fmt.Errorf("transfer on unknown handle %d", t.Handle)
	}
	if l.partial != nil {
		l.partial.payload = append(l.partial.payload, payload...)
		if t.More {
			c.mu.Unlock()
			return nil
		}
		t, payload = l.partial.transfer, l.partial.payload
		l.partial = nil
	} else if t.More {
		l.partial = &partialTransfer{transfer: t, payload: append([]byte(nil), payload...)}
		c.mu.Unlock()
		return nil
	}
	c.nextIncomingID++
	l.deliveryCount++
	if l.credit > 0 {
		l.credit--
	}
	replenish := l.credit <= l.maxCredit/2
	c.mu.Unlock()

	msg, decodeErr := message.Decode(payload)
	if !t.Settled && t.DeliveryID != nil {
		state := performatives.Accepted()
		if decodeErr != nil {
			var err error
			if state, err = performatives.Rejected(&performatives.Error{
				Condition:   performatives.ErrDecodeError,
				Description: decodeErr.Error(),
			}); err != nil {
				return err
			}
		}
		disp := &performatives.Disposition{
			Role:    performatives.RoleReceiver,
			First:   *t.DeliveryID,
			Settled: true,
			State:   state,
		}
		if err := c.conn.WritePerformative(0, disp); err != nil {
			return fmt.Errorf("writing disposition: %w", err)
		}
	}
	if replenish {
		if err := c.grantCredit(l); err != nil {
			return fmt.Errorf("writing flow: %w", err)
		}
	}

	if decodeErr != nil {
		c.logger.Warn("dropping undecodable message", slog.String("link", l.name), slog.String("error", decodeErr.Error()))
		return nil
	}
	if c.listener != nil {
		c.listener.MessageReceived(l.name, msg)
	}
	return nil
}

func (c *Client) onDisposition(d *performatives.Disposition) {
	if d.Role != performatives.RoleReceiver {
		return
	}
	last := d.First
	if d.Last != nil {
		last = *d.Last
	}
	outcome := performatives.OutcomeError(d.State)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := d.First; ; id++ {
		if wait, ok := c.deliveries[id]; ok {
			wait <- outcome
			delete(c.deliveries, id)
		}
		if id == last {
			break
		}
	}
}

func (c *Client) onDetach(d *performatives.Detach) error {
	c.mu.Lock()
	l := c.remote[d.Handle]
	delete(c.remote, d.Handle)
	if l != nil {
		delete(c.links, l.handle)
	}
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	var cause error = ErrLinkDetached
	if d.Error != nil {
		cause = fmt.Errorf("%w: %w", ErrLinkDetached, d.Error)
	}
	select {
	case l.attached <- cause:
	default:
	}
	l.detachOnce.Do(func() { close(l.detached) })
	c.logger.Warn("link detached by peer", slog.String("link", l.name), slog.String("error", cause.Error()))
	return c.conn.WritePerformative(0, &performatives.Detach{Handle: l.handle, Closed: true})
}

func (c *Client) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.SendHeartbeat(); err != nil {
				return
			}
		}
	}
}

// shutdownWith records err and closes the transport; the reader exits after.
func (c *Client) shutdownWith(err error) error {
	c.shutdown(err)
	return nil
}

// shutdown records the terminal error once, releases the socket and reports
// unexpected loss to the listener.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		expected := c.closing
		for id, wait := range c.deliveries {
			wait <- err
			delete(c.deliveries, id)
		}
		c.mu.Unlock()

		_ = c.conn.Close()
		if !expected && c.listener != nil {
			c.listener.ConnectionLost(err)
		}
	})
}
