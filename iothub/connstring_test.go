// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package iothub_test

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/absmach/iotdevice/iothub"
	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/absmach/iotdevice/pkg/sas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = base64.StdEncoding.EncodeToString([]byte("device-secret"))

func TestParseConnectionString(t *testing.T) {
	c, err := iothub.ParseConnectionString("HostName=hub.example.net;DeviceId=dev1;ModuleId=mod1;SharedAccessKey=" + key)
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", c.HostName)
	assert.Equal(t, "dev1", c.DeviceID)
	assert.Equal(t, "mod1", c.ModuleID)
	assert.Equal(t, key, c.SharedAccessKey)
	assert.Equal(t, "dev1/mod1", c.ClientID())
	assert.Equal(t, "hub.example.net/devices/dev1/modules/mod1", c.ResourceURI())
	assert.Equal(t, "hub.example.net", c.Host())
}

func TestParseConnectionStringErrors(t *testing.T) {
	cases := []struct {
		desc string
		cs   string
	}{
		{desc: "missing host", cs: "DeviceId=dev1;SharedAccessKey=" + key},
		{desc: "missing device", cs: "HostName=h;SharedAccessKey=" + key},
		{desc: "missing credential", cs: "HostName=h;DeviceId=d"},
		{desc: "both credentials", cs: "HostName=h;DeviceId=d;SharedAccessKey=" + key + ";SharedAccessSignature=sig"},
		{desc: "entry without separator", cs: "HostName=h;DeviceId"},
		{desc: "unknown key", cs: "HostName=h;DeviceId=d;Color=blue;SharedAccessKey=" + key},
		{desc: "key not base64", cs: "HostName=h;DeviceId=d;SharedAccessKey=%%%"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := iothub.ParseConnectionString(tc.cs)
			assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
		})
	}
}

func TestGatewayHost(t *testing.T) {
	c, err := iothub.ParseConnectionString("HostName=hub.example.net;DeviceId=dev1;SharedAccessSignature=SharedAccessSignature sr=x;GatewayHostName=edge.local")
	require.NoError(t, err)
	assert.Equal(t, "edge.local", c.Host())
	assert.Equal(t, "SharedAccessSignature sr=x", c.SharedAccessSignature)

	token, err := c.Token(time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "SharedAccessSignature sr=x", token)
}

func TestToken(t *testing.T) {
	c, err := iothub.ParseConnectionString("HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=" + key)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	token, err := c.Token(now, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev1&sig="))
	assert.True(t, strings.HasSuffix(token, "&se=1700003600"))

	raw, err := sas.DecodeKey(key)
	require.NoError(t, err)
	assert.Equal(t, sas.Token("hub.example.net/devices/dev1", raw, "", now.Add(time.Hour)), token)
}
