// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"testing"

	"github.com/absmach/iotdevice/amqp/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMechanisms(t *testing.T) {
	for _, mechs := range [][]types.Symbol{{MechTPM}, {MechPLAIN, MechANONYMOUS, MechTPM}} {
		body, err := (&Mechanisms{Mechanisms: mechs}).Encode()
		require.NoError(t, err)

		desc, v, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, DescriptorMechanisms, desc)
		assert.Equal(t, mechs, v.(*Mechanisms).Mechanisms)
	}
}

func TestInit(t *testing.T) {
	body, err := (&Init{Mechanism: MechTPM, InitialResponse: []byte{0, 'a', 0, 'b'}, Hostname: "global.azure-devices-provisioning.net"}).Encode()
	require.NoError(t, err)

	desc, v, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, DescriptorInit, desc)
	init := v.(*Init)
	assert.Equal(t, MechTPM, init.Mechanism)
	assert.Equal(t, []byte{0, 'a', 0, 'b'}, init.InitialResponse)
	assert.Equal(t, "global.azure-devices-provisioning.net", init.Hostname)
}

func TestChallengeResponse(t *testing.T) {
	body, err := (&Challenge{Challenge: []byte{0x80, 1, 2}}).Encode()
	require.NoError(t, err)
	desc, v, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, DescriptorChallenge, desc)
	assert.Equal(t, []byte{0x80, 1, 2}, v.(*Challenge).Challenge)

	body, err = (&Response{}).Encode()
	require.NoError(t, err)
	desc, v, err = Decode(body)
	require.NoError(t, err)
	assert.Equal(t, DescriptorResponse, desc)
	assert.Equal(t, []byte{}, v.(*Response).Response)
}

func TestOutcome(t *testing.T) {
	for _, code := range []Code{CodeOK, CodeAuth, CodeSys, CodeSysPerm, CodeSysTemp} {
		body, err := (&Outcome{Code: code}).Encode()
		require.NoError(t, err)
		desc, v, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, DescriptorOutcome, desc)
		assert.Equal(t, code, v.(*Outcome).Code, code.String())
	}
}

func TestOutcomeWithoutCode(t *testing.T) {
	body, err := types.Composite(DescriptorOutcome)
	require.NoError(t, err)
	_, _, err = Decode(body)
	assert.Error(t, err)
}

func TestDecodeUnknown(t *testing.T) {
	body, err := types.Composite(0x10, "open")
	require.NoError(t, err)
	_, _, err = Decode(body)
	assert.Error(t, err)

	_, _, err = Decode([]byte{types.TypeNull})
	assert.Error(t, err)
}

func TestPLAIN(t *testing.T) {
	resp := PlainResponse("scope/registrations/dev", "SharedAccessSignature sr=x")
	authz, user, pass, err := ParsePLAIN(resp)
	require.NoError(t, err)
	assert.Empty(t, authz)
	assert.Equal(t, "scope/registrations/dev", user)
	assert.Equal(t, "SharedAccessSignature sr=x", pass)

	_, _, _, err = ParsePLAIN([]byte("nonul"))
	assert.Error(t, err)
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "sys-temp", CodeSysTemp.String())
	assert.Equal(t, "unknown(9)", Code(9).String())
}
