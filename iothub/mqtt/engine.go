// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import "context"

// QoS levels accepted by the hub. QoS 2 is not supported.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// Handler receives the asynchronous events of an Engine. Implementations must
// not block: the engine calls them from its network goroutines.
type Handler interface {
	MessageArrived(topic string, payload []byte)
	DeliveryComplete(id uint64)
	DeliveryFailed(id uint64, err error)
	ConnectionLost(err error)
}

// Engine is the MQTT protocol client a Binding drives. Publish, Subscribe and
// Unsubscribe are tagged with a delivery id chosen by the caller; the engine
// reports the outcome of each through DeliveryComplete or DeliveryFailed.
type Engine interface {
	Connect(ctx context.Context) error
	// Disconnect closes the link gracefully, waiting up to quiesceMillis for
	// outstanding work.
	Disconnect(quiesceMillis uint) error
	// Close releases the client handle. A later Connect starts from scratch.
	Close()
	IsConnected() bool
	Publish(id uint64, topic string, qos byte, payload []byte) error
	Subscribe(ctx context.Context, id uint64, filter string, qos byte) error
	Unsubscribe(ctx context.Context, id uint64, filter string) error
	SetHandler(h Handler)
}
