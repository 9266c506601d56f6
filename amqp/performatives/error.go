// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/iotdevice/amqp/types"
)

const DescriptorError uint64 = 0x1d

// Error conditions the client reports or inspects.
const (
	ErrInternalError         types.Symbol = "amqp:internal-error"
	ErrNotFound              types.Symbol = "amqp:not-found"
	ErrUnauthorizedAccess    types.Symbol = "amqp:unauthorized-access"
	ErrDecodeError           types.Symbol = "amqp:decode-error"
	ErrResourceLimitExceeded types.Symbol = "amqp:resource-limit-exceeded"
	ErrNotAllowed            types.Symbol = "amqp:not-allowed"
	ErrFramingError          types.Symbol = "amqp:connection:framing-error"
	ErrConnectionForced      types.Symbol = "amqp:connection:forced"
	ErrLinkDetachForced      types.Symbol = "amqp:link:detach-forced"
)

// Error is the AMQP error type carried by detach, end, close and rejected.
type Error struct {
	Condition   types.Symbol
	Description string
	Info        map[types.Symbol]any
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) Encode() ([]byte, error) {
	return types.Composite(DescriptorError, e.Condition, str(e.Description), e.Info)
}

// raw encodes e for embedding in another composite. A nil e stays null.
func (e *Error) raw() (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return types.Raw(b), nil
}

func decodeError(d *types.Described) *Error {
	if d == nil || d.Descriptor != DescriptorError {
		return nil
	}
	f := d.Fields()
	return &Error{
		Condition:   f.Symbol(0),
		Description: f.String(1),
		Info:        symbolMap(f.Map(2)),
	}
}
