// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"errors"
	"fmt"

	"github.com/absmach/iotdevice/amqp/frames"
	"github.com/absmach/iotdevice/amqp/sasl"
	"github.com/absmach/iotdevice/amqp/types"
)

// SASLHandler drives the client side of a SASL exchange. The connection calls
// ChooseMechanism once, InitPayload once, HandleChallenge for every challenge
// and HandleOutcome once.
type SASLHandler interface {
	ChooseMechanism(offered []string) (string, error)
	InitPayload() ([]byte, error)
	HandleChallenge(challenge []byte) ([]byte, error)
	HandleOutcome(code sasl.Code) error
}

// ErrSASLOutcome is returned when the handler accepts an outcome that is not ok.
var ErrSASLOutcome = errors.New("SASL negotiation failed")

func negotiateSASL(c *Connection, h SASLHandler, hostname string) error {
	if err := c.WriteProtocolHeader(frames.ProtoSASL); err != nil {
		return fmt.Errorf("writing SASL header: %w", err)
	}
	id, err := c.ReadProtocolHeader()
	if err != nil {
		return fmt.Errorf("reading SASL header: %w", err)
	}
	if id != frames.ProtoSASL {
		return fmt.Errorf("peer answered SASL header with protocol id %d", id)
	}

	desc, v, err := c.ReadSASL()
	if err != nil {
		return err
	}
	if desc != sasl.DescriptorMechanisms {
		return fmt.Errorf("expected SASL mechanisms, got descriptor 0x%02x", desc)
	}
	offered := v.(*sasl.Mechanisms).Mechanisms
	names := make([]string, len(offered))
	for i, m := range offered {
		names[i] = string(m)
	}

	mech, err := h.ChooseMechanism(names)
	if err != nil {
		return err
	}
	payload, err := h.InitPayload()
	if err != nil {
		return err
	}
	init := &sasl.Init{Mechanism: types.Symbol(mech), InitialResponse: payload, Hostname: hostname}
	if err := c.WriteSASL(init); err != nil {
		return fmt.Errorf("writing SASL init: %w", err)
	}

	for {
		desc, v, err := c.ReadSASL()
		if err != nil {
			return err
		}
		switch desc {
		case sasl.DescriptorChallenge:
			resp, err := h.HandleChallenge(v.(*sasl.Challenge).Challenge)
			if err != nil {
				return err
			}
			if err := c.WriteSASL(&sasl.Response{Response: resp}); err != nil {
				return fmt.Errorf("writing SASL response: %w", err)
			}
		case sasl.DescriptorOutcome:
			code := v.(*sasl.Outcome).Code
			if err := h.HandleOutcome(code); err != nil {
				return err
			}
			if code != sasl.CodeOK {
				return fmt.Errorf("%w: outcome %s", ErrSASLOutcome, code)
			}
			return nil
		default:
			return fmt.Errorf("unexpected SASL descriptor 0x%02x", desc)
		}
	}
}
