// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sasl encodes and decodes the AMQP 1.0 SASL frame bodies.
package sasl

import (
	"bytes"
	"fmt"

	"github.com/absmach/iotdevice/amqp/types"
)

// SASL frame descriptors.
const (
	DescriptorMechanisms uint64 = 0x40
	DescriptorInit       uint64 = 0x41
	DescriptorChallenge  uint64 = 0x42
	DescriptorResponse   uint64 = 0x43
	DescriptorOutcome    uint64 = 0x44
)

// Code is a SASL outcome code.
type Code uint8

const (
	CodeOK      Code = 0
	CodeAuth    Code = 1
	CodeSys     Code = 2
	CodeSysPerm Code = 3
	CodeSysTemp Code = 4
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAuth:
		return "auth"
	case CodeSys:
		return "sys"
	case CodeSysPerm:
		return "sys-perm"
	case CodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Mechanism names.
const (
	MechPLAIN     types.Symbol = "PLAIN"
	MechANONYMOUS types.Symbol = "ANONYMOUS"
	MechTPM       types.Symbol = "TPM"
)

// Mechanisms is sent by the server to list what it accepts.
type Mechanisms struct {
	Mechanisms []types.Symbol
}

func (m *Mechanisms) Encode() ([]byte, error) {
	var syms bytes.Buffer
	types.WriteSymbols(&syms, m.Mechanisms)
	return types.Composite(DescriptorMechanisms, types.Raw(syms.Bytes()))
}

// Init selects a mechanism and carries the initial response.
type Init struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
}

func (i *Init) Encode() ([]byte, error) {
	var hostname any
	if i.Hostname != "" {
		hostname = i.Hostname
	}
	var resp any
	if i.InitialResponse != nil {
		resp = i.InitialResponse
	}
	return types.Composite(DescriptorInit, i.Mechanism, resp, hostname)
}

// Challenge is sent by the server during a multi-step exchange.
type Challenge struct {
	Challenge []byte
}

func (c *Challenge) Encode() ([]byte, error) {
	return types.Composite(DescriptorChallenge, nonNil(c.Challenge))
}

// Response answers a Challenge.
type Response struct {
	Response []byte
}

func (r *Response) Encode() ([]byte, error) {
	return types.Composite(DescriptorResponse, nonNil(r.Response))
}

// Outcome ends the exchange.
type Outcome struct {
	Code           Code
	AdditionalData []byte
}

func (o *Outcome) Encode() ([]byte, error) {
	var data any
	if o.AdditionalData != nil {
		data = o.AdditionalData
	}
	return types.Composite(DescriptorOutcome, uint8(o.Code), data)
}

// Decode parses a SASL frame body into one of the frame types above.
func Decode(body []byte) (uint64, any, error) {
	v, err := types.Decode(body)
	if err != nil {
		return 0, nil, fmt.Errorf("decoding SASL frame: %w", err)
	}
	d, ok := v.(*types.Described)
	if !ok {
		return 0, nil, fmt.Errorf("SASL frame is not a described type")
	}
	f := d.Fields()

	switch d.Descriptor {
	case DescriptorMechanisms:
		return d.Descriptor, &Mechanisms{Mechanisms: f.Symbols(0)}, nil
	case DescriptorInit:
		return d.Descriptor, &Init{Mechanism: f.Symbol(0), InitialResponse: f.Binary(1), Hostname: f.String(2)}, nil
	case DescriptorChallenge:
		return d.Descriptor, &Challenge{Challenge: binaryOrEmpty(f, 0)}, nil
	case DescriptorResponse:
		return d.Descriptor, &Response{Response: binaryOrEmpty(f, 0)}, nil
	case DescriptorOutcome:
		if !f.Has(0) {
			return 0, nil, fmt.Errorf("SASL outcome without code")
		}
		return d.Descriptor, &Outcome{Code: Code(f.Ubyte(0)), AdditionalData: f.Binary(1)}, nil
	default:
		return 0, nil, fmt.Errorf("unknown SASL descriptor 0x%02x", d.Descriptor)
	}
}

// PlainResponse builds the PLAIN initial response: authzid NUL authcid NUL passwd.
func PlainResponse(username, password string) []byte {
	b := make([]byte, 0, len(username)+len(password)+2)
	b = append(b, 0)
	b = append(b, username...)
	b = append(b, 0)
	return append(b, password...)
}

// ParsePLAIN splits a PLAIN initial response.
func ParsePLAIN(resp []byte) (authzID, username, password string, err error) {
	parts := bytes.SplitN(resp, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid PLAIN response: expected 3 fields, got %d", len(parts))
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func binaryOrEmpty(f types.Fields, i int) []byte {
	if b := f.Binary(i); b != nil {
		return b
	}
	return []byte{}
}
