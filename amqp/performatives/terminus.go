// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import "github.com/absmach/iotdevice/amqp/types"

const (
	DescriptorSource uint64 = 0x28
	DescriptorTarget uint64 = 0x29
)

// Source is the terminus a receiver link consumes from.
type Source struct {
	Address      string
	Durable      uint32
	ExpiryPolicy types.Symbol
	Timeout      uint32
	Dynamic      bool
}

func (s *Source) Encode() ([]byte, error) {
	return types.Composite(DescriptorSource,
		str(s.Address),
		s.Durable,
		expiryPolicy(s.ExpiryPolicy),
		s.Timeout,
		s.Dynamic,
	)
}

// Target is the terminus a sender link publishes to.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy types.Symbol
	Timeout      uint32
	Dynamic      bool
}

func (t *Target) Encode() ([]byte, error) {
	return types.Composite(DescriptorTarget,
		str(t.Address),
		t.Durable,
		expiryPolicy(t.ExpiryPolicy),
		t.Timeout,
		t.Dynamic,
	)
}

func expiryPolicy(p types.Symbol) types.Symbol {
	if p == "" {
		return "session-end"
	}
	return p
}

func decodeSource(d *types.Described) *Source {
	if d == nil || d.Descriptor != DescriptorSource {
		return nil
	}
	f := d.Fields()
	return &Source{
		Address:      f.String(0),
		Durable:      f.Uint(1),
		ExpiryPolicy: f.Symbol(2),
		Timeout:      f.Uint(3),
		Dynamic:      f.Bool(4),
	}
}

func decodeTarget(d *types.Described) *Target {
	if d == nil || d.Descriptor != DescriptorTarget {
		return nil
	}
	f := d.Fields()
	return &Target{
		Address:      f.String(0),
		Durable:      f.Uint(1),
		ExpiryPolicy: f.Symbol(2),
		Timeout:      f.Uint(3),
		Dynamic:      f.Bool(4),
	}
}
