// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/iotdevice/amqp"
	amqpsasl "github.com/absmach/iotdevice/amqp/sasl"
	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/absmach/iotdevice/provisioning/contract"
)

// Segment control bytes prefixing TPM SASL payloads.
const (
	SegmentInit         byte = 0x00
	SegmentIntermediate byte = 0x80
	SegmentFinal        byte = 0xC1
)

// DefaultTokenTimeout bounds the wait for a SAS token after the nonce is handed out.
const DefaultTokenTimeout = 60 * time.Second

var _ amqp.SASLHandler = (*TPM)(nil)

type state int

const (
	waitingForMechanisms state = iota
	waitingToBuildInit
	waitingForFirstChallenge
	waitingForSecondChallenge
	waitingForThirdChallenge
	waitingToSendSASToken
	waitingForFinalOutcome
	negotiated
)

func (s state) String() string {
	switch s {
	case waitingForMechanisms:
		return "waiting for mechanisms"
	case waitingToBuildInit:
		return "waiting to build init"
	case waitingForFirstChallenge:
		return "waiting for first challenge"
	case waitingForSecondChallenge:
		return "waiting for second challenge"
	case waitingForThirdChallenge:
		return "waiting for third challenge"
	case waitingToSendSASToken:
		return "waiting to send SAS token"
	case waitingForFinalOutcome:
		return "waiting for final outcome"
	case negotiated:
		return "negotiated"
	default:
		return "unknown"
	}
}

type event int

const (
	chooseMechanism event = iota
	buildInit
	challenge
	outcome
)

type step func(t *TPM, data []byte) ([]byte, error)

// transitions lists every legal (state, event) pair. Anything else is an
// illegal-state error.
var transitions = map[state]map[event]step{
	waitingForMechanisms:      {chooseMechanism: nil},
	waitingToBuildInit:        {buildInit: (*TPM).initPayload},
	waitingForFirstChallenge:  {challenge: (*TPM).firstChallenge},
	waitingForSecondChallenge: {challenge: (*TPM).secondChallenge},
	waitingForThirdChallenge:  {challenge: (*TPM).thirdChallenge},
	waitingForFinalOutcome:    {outcome: nil},
}

// TPMOption configures a TPM negotiator.
type TPMOption func(*TPM)

// WithTokenTimeout overrides DefaultTokenTimeout.
func WithTokenTimeout(d time.Duration) TPMOption {
	return func(t *TPM) {
		if d > 0 {
			t.tokenTimeout = d
		}
	}
}

// TPM negotiates the TPM mechanism. The nonce issued by the service is handed
// to the callback; the caller answers with SetSASToken.
type TPM struct {
	idScope        string
	registrationID string
	ek             []byte
	srk            []byte
	callback       contract.ResponseCallback
	cbCtx          any
	tokenTimeout   time.Duration

	mu    sync.Mutex
	state state
	// busy is set while a step runs, so a concurrent call in the same state
	// cannot run it twice.
	busy  bool
	nonce []byte
	token string

	ready     chan struct{}
	readyOnce sync.Once
}

// NewTPM returns a negotiator for the given registration.
func NewTPM(idScope, registrationID string, ek, srk []byte, callback contract.ResponseCallback, cbCtx any, opts ...TPMOption) (*TPM, error) {
	const op = "sasl.NewTPM"
	switch {
	case idScope == "":
		return nil, errors.New(errors.ErrInvalidArgument, op, "id scope is empty")
	case registrationID == "":
		return nil, errors.New(errors.ErrInvalidArgument, op, "registration id is empty")
	case len(ek) == 0:
		return nil, errors.New(errors.ErrInvalidArgument, op, "endorsement key is empty")
	case len(srk) == 0:
		return nil, errors.New(errors.ErrInvalidArgument, op, "storage root key is empty")
	case callback == nil:
		return nil, errors.New(errors.ErrInvalidArgument, op, "response callback is nil")
	}

	t := &TPM{
		idScope:        idScope,
		registrationID: registrationID,
		ek:             bytes.Clone(ek),
		srk:            bytes.Clone(srk),
		callback:       callback,
		cbCtx:          cbCtx,
		tokenTimeout:   DefaultTokenTimeout,
		state:          waitingForMechanisms,
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SetSASToken supplies the token computed from the nonce. It may be called
// from any goroutine.
func (t *TPM) SetSASToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
}

// begin claims the step registered for ev in the current state. Callers
// release it with end once the step returns.
func (t *TPM) begin(op string, ev event) (step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return nil, errors.New(errors.ErrIllegalState, op, fmt.Sprintf("another step is running while %s", t.state))
	}
	if steps, ok := transitions[t.state]; ok {
		if s, ok := steps[ev]; ok {
			t.busy = true
			return s, nil
		}
	}
	return nil, errors.New(errors.ErrIllegalState, op, fmt.Sprintf("not legal while %s", t.state))
}

func (t *TPM) end() {
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
}

func (t *TPM) setState(s state) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *TPM) ChooseMechanism(offered []string) (string, error) {
	const op = "sasl.TPM.ChooseMechanism"
	if _, err := t.begin(op, chooseMechanism); err != nil {
		return "", err
	}
	defer t.end()
	if !offers(offered, amqpsasl.MechTPM) {
		return "", errors.New(errors.ErrSecurity, op, "service does not offer TPM authentication")
	}
	t.setState(waitingToBuildInit)
	return string(amqpsasl.MechTPM), nil
}

// InitPayload returns idScope, registrationId and the endorsement key joined
// by NUL and prefixed with the init control byte.
func (t *TPM) InitPayload() ([]byte, error) {
	s, err := t.begin("sasl.TPM.InitPayload", buildInit)
	if err != nil {
		return nil, err
	}
	defer t.end()
	return s(t, nil)
}

func (t *TPM) HandleChallenge(data []byte) ([]byte, error) {
	const op = "sasl.TPM.HandleChallenge"
	if data == nil {
		return nil, errors.New(errors.ErrInvalidArgument, op, "challenge is nil")
	}
	s, err := t.begin(op, challenge)
	if err != nil {
		return nil, err
	}
	defer t.end()
	return s(t, data)
}

func (t *TPM) HandleOutcome(code amqpsasl.Code) error {
	const op = "sasl.TPM.HandleOutcome"
	if _, err := t.begin(op, outcome); err != nil {
		return err
	}
	defer t.end()
	t.setState(negotiated)
	return outcomeError(op, code)
}

func (t *TPM) initPayload([]byte) ([]byte, error) {
	payload := bytes.Join([][]byte{[]byte(t.idScope), []byte(t.registrationID), t.ek}, []byte{0})
	t.setState(waitingForFirstChallenge)
	return segment(SegmentInit, payload), nil
}

func (t *TPM) firstChallenge(data []byte) ([]byte, error) {
	if len(data) != 1 || data[0] != 0 {
		return nil, errors.New(errors.ErrSecurity, "sasl.TPM.HandleChallenge", "first challenge must be a single NUL byte")
	}
	t.setState(waitingForSecondChallenge)
	return segment(SegmentInit, t.srk), nil
}

func (t *TPM) secondChallenge(data []byte) ([]byte, error) {
	if len(data) < 1 || data[0] != SegmentIntermediate {
		return nil, errors.New(errors.ErrSecurity, "sasl.TPM.HandleChallenge", "second challenge is not an intermediate segment")
	}
	t.mu.Lock()
	t.nonce = bytes.Clone(data[1:])
	t.state = waitingForThirdChallenge
	t.mu.Unlock()
	return []byte{0}, nil
}

func (t *TPM) thirdChallenge(data []byte) ([]byte, error) {
	const op = "sasl.TPM.HandleChallenge"
	if len(data) < 1 || data[0] != SegmentFinal {
		return nil, errors.New(errors.ErrSecurity, op, "third challenge is not a final segment")
	}
	t.mu.Lock()
	nonce := append(t.nonce, data[1:]...)
	t.nonce = nil
	t.state = waitingToSendSASToken
	t.mu.Unlock()

	t.callback(contract.ResponseData{Body: nonce, State: contract.StateNonceReceived}, t.cbCtx)

	timer := time.NewTimer(t.tokenTimeout)
	defer timer.Stop()
	select {
	case <-t.ready:
	case <-timer.C:
		return nil, errors.New(errors.ErrSecurity, op, "SAS token was not supplied in time")
	}

	t.mu.Lock()
	token := t.token
	t.state = waitingForFinalOutcome
	t.mu.Unlock()
	return segment(SegmentInit, []byte(token)), nil
}

func segment(control byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, control)
	return append(out, data...)
}
