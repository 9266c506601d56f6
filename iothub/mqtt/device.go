// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"strconv"

	"github.com/absmach/iotdevice/iothub/topic"
	"github.com/absmach/iotdevice/message"
	"github.com/absmach/iotdevice/pkg/errors"
)

// Device exposes the hub features of one device or module identity over a
// Binding. Replies to twin and method requests arrive through Receive.
type Device struct {
	binding  *Binding
	deviceID string
	moduleID string
}

// NewDevice returns the helpers for deviceID. moduleID is empty for a device
// identity.
func NewDevice(b *Binding, deviceID, moduleID string) *Device {
	return &Device{binding: b, deviceID: deviceID, moduleID: moduleID}
}

// SendEvent publishes msg as telemetry, with its properties encoded in the
// topic.
func (d *Device) SendEvent(ctx context.Context, msg message.Message) error {
	name, err := topic.Encode(msg, topic.Telemetry(d.deviceID, d.moduleID))
	if err != nil {
		return err
	}
	return d.binding.Publish(ctx, name, msg)
}

func (d *Device) SubscribeCloudToDevice(ctx context.Context) error {
	return d.binding.Subscribe(ctx, topic.CloudToDeviceFilter(d.deviceID))
}

// SubscribeInputs receives messages routed to the module's inputs.
func (d *Device) SubscribeInputs(ctx context.Context) error {
	if d.moduleID == "" {
		return errors.New(errors.ErrInvalidArgument, "subscribe inputs", "module id is required")
	}
	return d.binding.Subscribe(ctx, topic.InputsFilter(d.deviceID, d.moduleID))
}

// GetTwin requests the full twin and returns the request id the response
// will carry.
func (d *Device) GetTwin(ctx context.Context) (string, error) {
	if err := d.twinResponses(ctx); err != nil {
		return "", err
	}
	rid := message.NewID()
	msg, err := message.New([]byte{},
		message.WithOperation(message.OpTwinGet),
		message.WithRequestID(rid),
	)
	if err != nil {
		return "", err
	}
	return rid, d.binding.Publish(ctx, topic.TwinGet(rid), msg)
}

// UpdateReported patches the reported properties. A non-empty version makes
// the hub reject the patch if the twin changed since.
func (d *Device) UpdateReported(ctx context.Context, patch []byte, version string) (string, error) {
	if err := d.twinResponses(ctx); err != nil {
		return "", err
	}
	rid := message.NewID()
	msg, err := message.New(patch,
		message.WithOperation(message.OpTwinUpdateReported),
		message.WithRequestID(rid),
		message.WithVersion(version),
	)
	if err != nil {
		return "", err
	}
	return rid, d.binding.Publish(ctx, topic.TwinPatchReported(rid, version), msg)
}

func (d *Device) SubscribeDesired(ctx context.Context) error {
	ctrl, err := message.New(nil, message.WithOperation(message.OpTwinSubscribeDesired))
	if err != nil {
		return err
	}
	return d.binding.subscribe(ctx, topic.TwinDesiredFilter, &ctrl)
}

func (d *Device) UnsubscribeDesired(ctx context.Context) error {
	ctrl, err := message.New(nil, message.WithOperation(message.OpTwinUnsubscribeDesired))
	if err != nil {
		return err
	}
	return d.binding.unsubscribe(ctx, topic.TwinDesiredFilter, &ctrl)
}

// SubscribeMethods receives direct method invocations.
func (d *Device) SubscribeMethods(ctx context.Context) error {
	ctrl, err := message.New(nil, message.WithOperation(message.OpMethodSubscribe))
	if err != nil {
		return err
	}
	return d.binding.subscribe(ctx, topic.MethodFilter, &ctrl)
}

// RespondMethod answers the method request requestID with status and payload.
func (d *Device) RespondMethod(ctx context.Context, requestID string, status int, payload []byte) error {
	if requestID == "" {
		return errors.New(errors.ErrInvalidArgument, "respond method", "request id is required")
	}
	if payload == nil {
		payload = []byte{}
	}
	msg, err := message.New(payload,
		message.WithOperation(message.OpMethodResponse),
		message.WithRequestID(requestID),
		message.WithStatus(strconv.Itoa(status)),
	)
	if err != nil {
		return err
	}
	return d.binding.Publish(ctx, topic.MethodResponse(status, requestID), msg)
}

// twinResponses subscribes to twin responses the first time a twin request
// is made.
func (d *Device) twinResponses(ctx context.Context) error {
	for _, f := range d.binding.Subscriptions() {
		if f == topic.TwinResponseFilter {
			return nil
		}
	}
	return d.binding.Subscribe(ctx, topic.TwinResponseFilter)
}
