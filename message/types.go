// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// Type is the hub feature a message belongs to.
type Type uint8

const (
	Unknown Type = iota
	Telemetry
	DeviceTwin
	DeviceMethods
)

func (t Type) String() string {
	switch t {
	case Telemetry:
		return "telemetry"
	case DeviceTwin:
		return "device_twin"
	case DeviceMethods:
		return "device_methods"
	default:
		return "unknown"
	}
}

// Operation identifies what a twin or method message asks for.
type Operation uint8

const (
	OpNone Operation = iota
	OpTwinGet
	OpTwinUpdateReported
	OpTwinSubscribeDesired
	OpTwinUnsubscribeDesired
	OpTwinResponse
	OpTwinDesiredPatch
	OpMethodSubscribe
	OpMethodRequest
	OpMethodResponse
)

func (o Operation) String() string {
	switch o {
	case OpTwinGet:
		return "twin_get"
	case OpTwinUpdateReported:
		return "twin_update_reported"
	case OpTwinSubscribeDesired:
		return "twin_subscribe_desired"
	case OpTwinUnsubscribeDesired:
		return "twin_unsubscribe_desired"
	case OpTwinResponse:
		return "twin_response"
	case OpTwinDesiredPatch:
		return "twin_desired_patch"
	case OpMethodSubscribe:
		return "method_subscribe"
	case OpMethodRequest:
		return "method_request"
	case OpMethodResponse:
		return "method_response"
	default:
		return "none"
	}
}

func (o Operation) messageType() Type {
	switch o {
	case OpTwinGet, OpTwinUpdateReported, OpTwinSubscribeDesired,
		OpTwinUnsubscribeDesired, OpTwinResponse, OpTwinDesiredPatch:
		return DeviceTwin
	case OpMethodSubscribe, OpMethodRequest, OpMethodResponse:
		return DeviceMethods
	default:
		return Unknown
	}
}
