// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import "github.com/absmach/iotdevice/amqp/types"

// Delivery state descriptors.
const (
	DescriptorReceived uint64 = 0x23
	DescriptorAccepted uint64 = 0x24
	DescriptorRejected uint64 = 0x25
	DescriptorReleased uint64 = 0x26
	DescriptorModified uint64 = 0x27
)

// Accepted returns the accepted outcome.
func Accepted() *types.Described {
	return &types.Described{Descriptor: DescriptorAccepted, Value: []any{}}
}

// Released returns the released outcome.
func Released() *types.Described {
	return &types.Described{Descriptor: DescriptorReleased, Value: []any{}}
}

// Rejected returns the rejected outcome carrying e.
func Rejected(e *Error) (*types.Described, error) {
	raw, err := e.raw()
	if err != nil {
		return nil, err
	}
	fields := []any{}
	if raw != nil {
		fields = append(fields, raw)
	}
	return &types.Described{Descriptor: DescriptorRejected, Value: fields}, nil
}

// OutcomeError converts a terminal delivery state into an error. Accepted and
// absent states yield nil.
func OutcomeError(state *types.Described) error {
	if state == nil {
		return nil
	}
	switch state.Descriptor {
	case DescriptorAccepted, DescriptorReceived:
		return nil
	case DescriptorRejected:
		if e := decodeError(state.Fields().Described(0)); e != nil {
			return e
		}
		return &Error{Condition: "amqp:rejected"}
	case DescriptorReleased:
		return &Error{Condition: "amqp:released"}
	case DescriptorModified:
		return &Error{Condition: "amqp:modified"}
	default:
		return &Error{Condition: "amqp:unknown-outcome"}
	}
}
