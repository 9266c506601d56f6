// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sasl implements the client side of the provisioning service's SASL
// mechanisms: the TPM challenge/response exchange and PLAIN with a SAS token.
package sasl

import (
	"fmt"
	"slices"

	amqpsasl "github.com/absmach/iotdevice/amqp/sasl"
	"github.com/absmach/iotdevice/amqp/types"
	"github.com/absmach/iotdevice/pkg/errors"
)

// outcomeError maps a SASL outcome to the result shared by both mechanisms.
func outcomeError(op string, code amqpsasl.Code) error {
	switch code {
	case amqpsasl.CodeOK:
		return nil
	case amqpsasl.CodeAuth:
		return errors.New(errors.ErrSecurity, op, "token rejected")
	case amqpsasl.CodeSysTemp:
		return errors.Transient(errors.ErrSecurity, op, "negotiation failed with a transient system error", nil)
	default:
		return errors.New(errors.ErrSecurity, op, fmt.Sprintf("negotiation failed with outcome %s", code))
	}
}

func offers(offered []string, mech types.Symbol) bool {
	return slices.Contains(offered, string(mech))
}
