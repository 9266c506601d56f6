// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp is a client-side AMQP 1.0 engine: framed connection I/O, SASL
// negotiation through a pluggable handler, and a single session with sender
// and receiver links.
package amqp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/iotdevice/amqp/frames"
	"github.com/absmach/iotdevice/amqp/performatives"
	"github.com/absmach/iotdevice/amqp/sasl"
)

// Connection wraps a net.Conn for AMQP frame I/O. Writes are serialized;
// reads are expected from a single goroutine.
type Connection struct {
	conn         net.Conn
	mu           sync.Mutex
	maxFrameSize uint32 // peer limit applied to writes
	readLimit    uint32 // our limit applied to reads
	readTimeout  time.Duration
}

// NewConnection wraps conn using the default frame size in both directions.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:         conn,
		maxFrameSize: frames.DefaultMaxFrameSize,
		readLimit:    frames.DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize applies the peer's announced max-frame-size to writes.
func (c *Connection) SetMaxFrameSize(size uint32) {
	c.mu.Lock()
	c.maxFrameSize = size
	c.mu.Unlock()
}

// SetReadTimeout arms a read deadline before every frame read. Zero disables it.
func (c *Connection) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

func (c *Connection) ReadProtocolHeader() (byte, error) {
	c.armRead()
	return frames.ReadProtocolHeader(c.conn)
}

func (c *Connection) WriteProtocolHeader(protoID byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frames.WriteProtocolHeader(c.conn, protoID)
}

func (c *Connection) ReadFrame() (*frames.Frame, error) {
	c.armRead()
	return frames.Read(c.conn, c.readLimit)
}

func (c *Connection) WriteFrame(frameType byte, channel uint16, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeFrameLocked(frameType, channel, body)
}

func (c *Connection) writeFrameLocked(frameType byte, channel uint16, body []byte) error {
	if c.maxFrameSize > 0 && uint32(frames.HeaderSize+len(body)) > c.maxFrameSize {
		return fmt.Errorf("frame size %d exceeds max frame size %d", frames.HeaderSize+len(body), c.maxFrameSize)
	}
	return frames.Write(c.conn, frameType, channel, body)
}

func (c *Connection) WritePerformative(channel uint16, p performatives.Performative) error {
	body, err := p.Encode()
	if err != nil {
		return err
	}
	return c.WriteFrame(frames.TypeAMQP, channel, body)
}

// WriteTransfer writes a transfer followed by payload, splitting the payload
// over several frames with the more flag when it exceeds the frame size.
func (c *Connection) WriteTransfer(channel uint16, t *performatives.Transfer, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxBody := int(c.maxFrameSize) - frames.HeaderSize
	first := *t
	first.More = false
	perf, err := first.Encode()
	if err != nil {
		return err
	}
	if c.maxFrameSize == 0 || len(perf)+len(payload) <= maxBody {
		return frames.Write(c.conn, frames.TypeAMQP, channel, append(perf, payload...))
	}

	first.More = true
	if perf, err = first.Encode(); err != nil {
		return err
	}
	cont, err := (&performatives.Transfer{Handle: t.Handle, More: true}).Encode()
	if err != nil {
		return err
	}
	last, err := (&performatives.Transfer{Handle: t.Handle}).Encode()
	if err != nil {
		return err
	}
	if len(perf) >= maxBody || len(cont) >= maxBody {
		return fmt.Errorf("transfer performative exceeds max frame size")
	}

	chunk := maxBody - len(perf)
	if err := frames.Write(c.conn, frames.TypeAMQP, channel, append(perf, payload[:chunk]...)); err != nil {
		return err
	}
	rest := payload[chunk:]
	for len(rest) > 0 {
		head := cont
		n := maxBody - len(cont)
		if len(rest) <= maxBody-len(last) {
			head, n = last, len(rest)
		}
		body := append(append([]byte(nil), head...), rest[:n]...)
		if err := frames.Write(c.conn, frames.TypeAMQP, channel, body); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

func (c *Connection) WriteSASL(p interface{ Encode() ([]byte, error) }) error {
	body, err := p.Encode()
	if err != nil {
		return err
	}
	return c.WriteFrame(frames.TypeSASL, 0, body)
}

// ReadSASL reads and decodes one SASL frame.
func (c *Connection) ReadSASL() (uint64, any, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	if f.Type != frames.TypeSASL {
		return 0, nil, fmt.Errorf("expected SASL frame, got type 0x%02x", f.Type)
	}
	return sasl.Decode(f.Body)
}

// ReadPerformative reads one frame. A heartbeat yields a zero descriptor and a
// nil performative.
func (c *Connection) ReadPerformative() (channel uint16, desc uint64, perf any, payload []byte, err error) {
	f, err := c.ReadFrame()
	if err != nil {
		return 0, 0, nil, nil, err
	}
	if f.IsHeartbeat() {
		return f.Channel, 0, nil, nil, nil
	}
	if f.Type != frames.TypeAMQP {
		return 0, 0, nil, nil, fmt.Errorf("unexpected frame type 0x%02x", f.Type)
	}
	desc, perf, payload, err = performatives.Decode(f.Body)
	return f.Channel, desc, perf, payload, err
}

func (c *Connection) SendHeartbeat() error {
	return c.WriteFrame(frames.TypeAMQP, 0, nil)
}

// SetDeadline forwards to the underlying connection.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) armRead() {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}
