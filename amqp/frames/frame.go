// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frames reads and writes AMQP 1.0 frames and protocol headers.
package frames

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	TypeAMQP byte = 0x00
	TypeSASL byte = 0x01

	// MinMaxFrameSize is the smallest max-frame-size a peer may announce.
	MinMaxFrameSize uint32 = 512
	// DefaultMaxFrameSize is announced in open and used until negotiated.
	DefaultMaxFrameSize uint32 = 65536

	// HeaderSize is size(4) + doff(1) + type(1) + channel(2).
	HeaderSize = 8
	minDOFF    = 2
)

// Frame is a single AMQP frame. An empty body is a heartbeat.
type Frame struct {
	Type    byte
	Channel uint16
	Body    []byte
}

// IsHeartbeat reports whether the frame carries no performative.
func (f *Frame) IsHeartbeat() bool {
	return len(f.Body) == 0
}

// Write encodes the frame with a single call to w.
func Write(w io.Writer, frameType byte, channel uint16, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(body)))
	buf[4] = minDOFF
	buf[5] = frameType
	binary.BigEndian.PutUint16(buf[6:8], channel)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Read decodes one frame. A maxSize of 0 disables the size check.
func Read(r io.Reader, maxSize uint32) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[0:4])
	doff := int(header[4]) * 4
	if size < HeaderSize {
		return nil, fmt.Errorf("frame size %d is below header size", size)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("frame size %d exceeds max frame size %d", size, maxSize)
	}
	if doff < HeaderSize || uint32(doff) > size {
		return nil, fmt.Errorf("invalid data offset %d", header[4])
	}

	if ext := doff - HeaderSize; ext > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(ext)); err != nil {
			return nil, err
		}
	}

	f := &Frame{
		Type:    header[5],
		Channel: binary.BigEndian.Uint16(header[6:8]),
	}
	if n := int(size) - doff; n > 0 {
		f.Body = make([]byte, n)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, err
		}
	}
	return f, nil
}
