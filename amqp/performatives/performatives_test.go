// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"testing"

	"github.com/absmach/iotdevice/amqp/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, p Performative) (uint64, any, []byte) {
	t.Helper()
	body, err := p.Encode()
	require.NoError(t, err)
	desc, perf, payload, err := Decode(body)
	require.NoError(t, err)
	return desc, perf, payload
}

func TestOpen(t *testing.T) {
	desc, perf, _ := decode(t, &Open{
		ContainerID:  "dev-1",
		Hostname:     "global.azure-devices-provisioning.net",
		MaxFrameSize: 65536,
		ChannelMax:   1,
		IdleTimeOut:  120000,
	})
	assert.Equal(t, DescriptorOpen, desc)
	o := perf.(*Open)
	assert.Equal(t, "dev-1", o.ContainerID)
	assert.Equal(t, "global.azure-devices-provisioning.net", o.Hostname)
	assert.Equal(t, uint32(65536), o.MaxFrameSize)
	assert.Equal(t, uint16(1), o.ChannelMax)
	assert.Equal(t, uint32(120000), o.IdleTimeOut)
}

func TestOpenDefaults(t *testing.T) {
	_, perf, _ := decode(t, &Open{ContainerID: "c"})
	o := perf.(*Open)
	assert.Equal(t, uint32(0), o.MaxFrameSize)

	body, err := types.Composite(DescriptorOpen, "c")
	require.NoError(t, err)
	_, perf, _, err = Decode(body)
	require.NoError(t, err)
	o = perf.(*Open)
	assert.Equal(t, uint32(0xFFFFFFFF), o.MaxFrameSize)
	assert.Equal(t, uint16(0xFFFF), o.ChannelMax)
}

func TestBegin(t *testing.T) {
	_, perf, _ := decode(t, &Begin{RemoteChannel: Uint16(0), NextOutgoingID: 1, IncomingWindow: 100, OutgoingWindow: 100, HandleMax: 7})
	b := perf.(*Begin)
	require.NotNil(t, b.RemoteChannel)
	assert.Equal(t, uint16(0), *b.RemoteChannel)
	assert.Equal(t, uint32(7), b.HandleMax)

	_, perf, _ = decode(t, &Begin{IncomingWindow: 1})
	assert.Nil(t, perf.(*Begin).RemoteChannel)
}

func TestAttach(t *testing.T) {
	props := map[types.Symbol]any{"com.microsoft:api-version": "2019-03-31"}
	_, perf, _ := decode(t, &Attach{
		Name:                 "provision_sender",
		Handle:               0,
		Role:                 RoleSender,
		Source:               &Source{Address: "provision_sender"},
		Target:               &Target{Address: "/scope/registrations/dev"},
		InitialDeliveryCount: Uint32(0),
		Properties:           props,
	})
	a := perf.(*Attach)
	assert.Equal(t, "provision_sender", a.Name)
	assert.Equal(t, RoleSender, a.Role)
	require.NotNil(t, a.Target)
	assert.Equal(t, "/scope/registrations/dev", a.Target.Address)
	assert.Equal(t, types.Symbol("session-end"), a.Target.ExpiryPolicy)
	require.NotNil(t, a.InitialDeliveryCount)
	assert.Equal(t, props, a.Properties)
}

func TestFlow(t *testing.T) {
	_, perf, _ := decode(t, &Flow{
		NextIncomingID: Uint32(0),
		IncomingWindow: 100,
		OutgoingWindow: 100,
		Handle:         Uint32(1),
		DeliveryCount:  Uint32(0),
		LinkCredit:     Uint32(10),
	})
	f := perf.(*Flow)
	require.NotNil(t, f.Handle)
	assert.Equal(t, uint32(1), *f.Handle)
	require.NotNil(t, f.LinkCredit)
	assert.Equal(t, uint32(10), *f.LinkCredit)
	assert.Nil(t, f.Available)
}

func TestTransferPayload(t *testing.T) {
	tr := &Transfer{Handle: 0, DeliveryID: Uint32(4), DeliveryTag: []byte{1}, MessageFormat: Uint32(0)}
	body, err := tr.Encode()
	require.NoError(t, err)
	body = append(body, []byte("message-bytes")...)

	desc, perf, payload, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, DescriptorTransfer, desc)
	got := perf.(*Transfer)
	assert.Equal(t, uint32(4), *got.DeliveryID)
	assert.Equal(t, []byte{1}, got.DeliveryTag)
	assert.Equal(t, []byte("message-bytes"), payload)
}

func TestDispositionOutcome(t *testing.T) {
	_, perf, _ := decode(t, &Disposition{Role: RoleReceiver, First: 3, Settled: true, State: Accepted()})
	d := perf.(*Disposition)
	assert.Equal(t, uint32(3), d.First)
	assert.True(t, d.Settled)
	assert.NoError(t, OutcomeError(d.State))

	rejected, err := Rejected(&Error{Condition: ErrNotAllowed, Description: "bad"})
	require.NoError(t, err)
	_, perf, _ = decode(t, &Disposition{Role: RoleReceiver, First: 3, Settled: true, State: rejected})
	err = OutcomeError(perf.(*Disposition).State)
	require.Error(t, err)
	assert.Equal(t, "amqp:not-allowed: bad", err.Error())

	assert.Error(t, OutcomeError(Released()))
	assert.NoError(t, OutcomeError(nil))
}

func TestCloseWithError(t *testing.T) {
	_, perf, _ := decode(t, &Close{Error: &Error{Condition: ErrUnauthorizedAccess, Description: "denied"}})
	c := perf.(*Close)
	require.NotNil(t, c.Error)
	assert.Equal(t, ErrUnauthorizedAccess, c.Error.Condition)

	_, perf, _ = decode(t, &Detach{Handle: 2, Closed: true})
	d := perf.(*Detach)
	assert.Equal(t, uint32(2), d.Handle)
	assert.Nil(t, d.Error)

	_, perf, _ = decode(t, &End{})
	assert.Nil(t, perf.(*End).Error)
}

func TestDecodeUnknown(t *testing.T) {
	body, err := types.Composite(0x99)
	require.NoError(t, err)
	_, _, _, err = Decode(body)
	assert.Error(t, err)
}
