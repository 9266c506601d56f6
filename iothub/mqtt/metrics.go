// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments of a Binding. A nil *Metrics
// records nothing.
type Metrics struct {
	published       metric.Int64Counter
	delivered       metric.Int64Counter
	received        metric.Int64Counter
	publishErrors   metric.Int64Counter
	connectionsLost metric.Int64Counter
	bytesSent       metric.Int64Counter

	inflight metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("iotdevice/mqtt"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.published, err = meter.Int64Counter(
		"iothub.mqtt.messages.published.total",
		metric.WithDescription("Messages handed to the MQTT engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.delivered, err = meter.Int64Counter(
		"iothub.mqtt.messages.delivered.total",
		metric.WithDescription("Messages confirmed by the hub"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.received, err = meter.Int64Counter(
		"iothub.mqtt.messages.received.total",
		metric.WithDescription("Messages received from the hub"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create received counter: %w", err)
	}

	m.publishErrors, err = meter.Int64Counter(
		"iothub.mqtt.publish.errors.total",
		metric.WithDescription("Publishes that failed before or after the send"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishErrors counter: %w", err)
	}

	m.connectionsLost, err = meter.Int64Counter(
		"iothub.mqtt.connections.lost.total",
		metric.WithDescription("Connection losses reported by the engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsLost counter: %w", err)
	}

	m.bytesSent, err = meter.Int64Counter(
		"iothub.mqtt.bytes.sent.total",
		metric.WithDescription("Payload bytes handed to the MQTT engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.inflight, err = meter.Int64UpDownCounter(
		"iothub.mqtt.deliveries.inflight",
		metric.WithDescription("Sent messages awaiting confirmation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordPublished(size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.published.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(size))
	m.inflight.Add(ctx, 1)
}

func (m *Metrics) recordDelivered(ok bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.inflight.Add(ctx, -1)
	if ok {
		m.delivered.Add(ctx, 1)
		return
	}
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "delivery")))
}

func (m *Metrics) recordPublishError(stage string) {
	if m == nil {
		return
	}
	m.publishErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) recordReceived() {
	if m == nil {
		return
	}
	m.received.Add(context.Background(), 1)
}

func (m *Metrics) recordConnectionLost() {
	if m == nil {
		return
	}
	m.connectionsLost.Add(context.Background(), 1)
}
