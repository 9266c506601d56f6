// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"sync"

	"github.com/absmach/iotdevice/amqp"
	amqpsasl "github.com/absmach/iotdevice/amqp/sasl"
	"github.com/absmach/iotdevice/pkg/errors"
)

var _ amqp.SASLHandler = (*Plain)(nil)

// Plain authenticates with a SAS token as the PLAIN password.
type Plain struct {
	username string

	mu    sync.Mutex
	token string
}

// NewPlain returns a PLAIN negotiator for {idScope}/registrations/{registrationID}.
func NewPlain(idScope, registrationID, sasToken string) (*Plain, error) {
	const op = "sasl.NewPlain"
	switch {
	case idScope == "":
		return nil, errors.New(errors.ErrInvalidArgument, op, "id scope is empty")
	case registrationID == "":
		return nil, errors.New(errors.ErrInvalidArgument, op, "registration id is empty")
	case sasToken == "":
		return nil, errors.New(errors.ErrInvalidArgument, op, "SAS token is empty")
	}
	return &Plain{username: idScope + "/registrations/" + registrationID, token: sasToken}, nil
}

// Username returns the PLAIN authentication identity.
func (p *Plain) Username() string {
	return p.username
}

// SetSASToken replaces the password used by the next negotiation.
func (p *Plain) SetSASToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

func (p *Plain) ChooseMechanism(offered []string) (string, error) {
	if !offers(offered, amqpsasl.MechPLAIN) {
		return "", errors.New(errors.ErrSecurity, "sasl.Plain.ChooseMechanism", "service does not offer PLAIN authentication")
	}
	return string(amqpsasl.MechPLAIN), nil
}

func (p *Plain) InitPayload() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return amqpsasl.PlainResponse(p.username, p.token), nil
}

func (p *Plain) HandleChallenge([]byte) ([]byte, error) {
	return nil, errors.New(errors.ErrIllegalState, "sasl.Plain.HandleChallenge", "PLAIN does not use challenges")
}

func (p *Plain) HandleOutcome(code amqpsasl.Code) error {
	return outcomeError("sasl.Plain.HandleOutcome", code)
}
