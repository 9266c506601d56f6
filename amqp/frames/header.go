// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"fmt"
	"io"
)

// Protocol ids carried in the protocol header.
const (
	ProtoAMQP byte = 0x00
	ProtoSASL byte = 0x03
)

const protoHeaderSize = 8

// WriteProtocolHeader writes "AMQP" + id + 1.0.0.
func WriteProtocolHeader(w io.Writer, protoID byte) error {
	_, err := w.Write([]byte{'A', 'M', 'Q', 'P', protoID, 1, 0, 0})
	return err
}

// ReadProtocolHeader reads a protocol header and returns its protocol id.
func ReadProtocolHeader(r io.Reader) (byte, error) {
	var h [protoHeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, err
	}
	if string(h[:4]) != "AMQP" {
		return 0, fmt.Errorf("invalid protocol header %q", h[:4])
	}
	if h[5] != 1 || h[6] != 0 || h[7] != 0 {
		return 0, fmt.Errorf("unsupported AMQP version %d.%d.%d", h[5], h[6], h[7])
	}
	return h[4], nil
}
