// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package iothub holds the device identity used to reach an IoT hub.
package iothub

import (
	"strings"
	"time"

	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/absmach/iotdevice/pkg/sas"
)

const (
	keyHostName        = "HostName"
	keyDeviceID        = "DeviceId"
	keyModuleID        = "ModuleId"
	keySharedAccessKey = "SharedAccessKey"
	keyKeyName         = "SharedAccessKeyName"
	keySignature       = "SharedAccessSignature"
	keyGatewayHostName = "GatewayHostName"
)

// Credentials identify a device or module to the hub. Exactly one of
// SharedAccessKey and SharedAccessSignature is set.
type Credentials struct {
	HostName              string
	DeviceID              string
	ModuleID              string
	SharedAccessKey       string
	SharedAccessKeyName   string
	SharedAccessSignature string
	GatewayHostName       string
}

// ParseConnectionString parses "HostName=..;DeviceId=..;SharedAccessKey=.."
// style strings. Keys are case-sensitive and values may contain '='.
func ParseConnectionString(cs string) (Credentials, error) {
	const op = "parse connection string"
	var c Credentials
	for _, part := range strings.Split(cs, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Credentials{}, errors.New(errors.ErrInvalidArgument, op, "entry "+part+" has no value separator")
		}
		switch k {
		case keyHostName:
			c.HostName = v
		case keyDeviceID:
			c.DeviceID = v
		case keyModuleID:
			c.ModuleID = v
		case keySharedAccessKey:
			c.SharedAccessKey = v
		case keyKeyName:
			c.SharedAccessKeyName = v
		case keySignature:
			c.SharedAccessSignature = v
		case keyGatewayHostName:
			c.GatewayHostName = v
		default:
			return Credentials{}, errors.New(errors.ErrInvalidArgument, op, "unknown key "+k)
		}
	}
	return c, c.Validate()
}

func (c Credentials) Validate() error {
	const op = "credentials"
	switch {
	case c.HostName == "":
		return errors.New(errors.ErrInvalidArgument, op, "host name is required")
	case c.DeviceID == "":
		return errors.New(errors.ErrInvalidArgument, op, "device id is required")
	case c.SharedAccessKey == "" && c.SharedAccessSignature == "":
		return errors.New(errors.ErrInvalidArgument, op, "shared access key or signature is required")
	case c.SharedAccessKey != "" && c.SharedAccessSignature != "":
		return errors.New(errors.ErrInvalidArgument, op, "shared access key and signature are exclusive")
	}
	if c.SharedAccessKey != "" {
		if _, err := sas.DecodeKey(c.SharedAccessKey); err != nil {
			return errors.Wrap(errors.ErrInvalidArgument, op, err)
		}
	}
	return nil
}

// Host returns the endpoint to connect to, preferring a gateway.
func (c Credentials) Host() string {
	if c.GatewayHostName != "" {
		return c.GatewayHostName
	}
	return c.HostName
}

// ClientID is the MQTT client identifier of the identity.
func (c Credentials) ClientID() string {
	if c.ModuleID != "" {
		return c.DeviceID + "/" + c.ModuleID
	}
	return c.DeviceID
}

// ResourceURI is the audience of the identity's SAS tokens.
func (c Credentials) ResourceURI() string {
	uri := c.HostName + "/devices/" + c.DeviceID
	if c.ModuleID != "" {
		uri += "/modules/" + c.ModuleID
	}
	return uri
}

// Token returns a SAS token valid for ttl, or the fixed signature the
// identity was created with.
func (c Credentials) Token(now time.Time, ttl time.Duration) (string, error) {
	if c.SharedAccessSignature != "" {
		return c.SharedAccessSignature, nil
	}
	key, err := sas.DecodeKey(c.SharedAccessKey)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidArgument, "token", err)
	}
	return sas.Token(c.ResourceURI(), key, c.SharedAccessKeyName, now.Add(ttl)), nil
}
