// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the value exchanged between applications and the
// transport bindings.
package message

import (
	"strings"
	"time"

	"github.com/absmach/iotdevice/pkg/errors"
	"github.com/google/uuid"
)

// ReservedPrefix marks property names that carry system fields on the wire.
const ReservedPrefix = "$."

// AckProperty is set by the hub on inbound messages and never surfaced.
const AckProperty = "iothub-ack"

// Property is a single custom application property.
type Property struct {
	Name  string
	Value string
}

// Message is immutable once built. Accessors return copies of mutable data.
type Message struct {
	payload    []byte
	properties []Property

	messageID          string
	correlationID      string
	to                 string
	expiryTime         time.Time
	contentEncoding    string
	contentType        string
	connectionDeviceID string
	connectionModuleID string
	inputName          string
	outputName         string
	creationTime       time.Time
	userID             string

	typ        Type
	operation  Operation
	requestID  string
	methodName string
	status     string
	version    string
}

// Option configures a Message under construction.
type Option func(*Message) error

// New builds a message around payload. The payload is copied; a nil payload
// stays nil so transports can tell "no payload" from "empty payload".
func New(payload []byte, opts ...Option) (Message, error) {
	m := Message{payload: cloneBytes(payload)}
	for _, opt := range opts {
		if err := opt(&m); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// With returns a copy of m with opts applied. m is left untouched.
func (m Message) With(opts ...Option) (Message, error) {
	c := m
	c.payload = cloneBytes(m.payload)
	c.properties = append([]Property(nil), m.properties...)
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Message{}, err
		}
	}
	return c, nil
}

// NewID returns a fresh identifier suitable for MessageID or RequestID.
func NewID() string {
	return uuid.NewString()
}

func (m Message) Payload() []byte { return cloneBytes(m.payload) }

// HasPayload reports whether the message was built with a non-nil payload.
func (m Message) HasPayload() bool { return m.payload != nil }

// Properties returns the custom properties in insertion order.
func (m Message) Properties() []Property {
	props := make([]Property, len(m.properties))
	copy(props, m.properties)
	return props
}

// Property returns the value of the named custom property.
func (m Message) Property(name string) (string, bool) {
	for _, p := range m.properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func (m Message) MessageID() string          { return m.messageID }
func (m Message) CorrelationID() string      { return m.correlationID }
func (m Message) To() string                 { return m.to }
func (m Message) ExpiryTime() time.Time      { return m.expiryTime }
func (m Message) ContentEncoding() string    { return m.contentEncoding }
func (m Message) ContentType() string        { return m.contentType }
func (m Message) ConnectionDeviceID() string { return m.connectionDeviceID }
func (m Message) ConnectionModuleID() string { return m.connectionModuleID }
func (m Message) InputName() string          { return m.inputName }
func (m Message) OutputName() string         { return m.outputName }
func (m Message) CreationTime() time.Time    { return m.creationTime }
func (m Message) UserID() string             { return m.userID }
func (m Message) Type() Type                 { return m.typ }
func (m Message) Operation() Operation       { return m.operation }
func (m Message) RequestID() string          { return m.requestID }
func (m Message) MethodName() string         { return m.methodName }
func (m Message) Status() string             { return m.status }
func (m Message) Version() string            { return m.version }

// IsExpired reports whether the message carries an expiry time before now.
func (m Message) IsExpired(now time.Time) bool {
	return !m.expiryTime.IsZero() && now.After(m.expiryTime)
}

// IsSubscriptionControl reports whether the message only exists to manage a
// subscription. Such messages never produce a user-visible sent notification.
func (m Message) IsSubscriptionControl() bool {
	switch m.operation {
	case OpTwinSubscribeDesired, OpTwinUnsubscribeDesired, OpMethodSubscribe:
		return true
	default:
		return false
	}
}

// WithProperty adds a custom property. Setting an existing name replaces its
// value and keeps its position.
func WithProperty(name, value string) Option {
	return func(m *Message) error {
		if name == "" {
			return errors.New(errors.ErrInvalidArgument, "message", "property name is empty")
		}
		if strings.HasPrefix(name, ReservedPrefix) || name == AckProperty {
			return errors.New(errors.ErrInvalidArgument, "message", "property name "+name+" is reserved")
		}
		for i := range m.properties {
			if m.properties[i].Name == name {
				m.properties[i].Value = value
				return nil
			}
		}
		m.properties = append(m.properties, Property{Name: name, Value: value})
		return nil
	}
}

func WithMessageID(id string) Option {
	return func(m *Message) error { m.messageID = id; return nil }
}

func WithCorrelationID(id string) Option {
	return func(m *Message) error { m.correlationID = id; return nil }
}

func WithTo(to string) Option {
	return func(m *Message) error { m.to = to; return nil }
}

// WithExpiryTime sets the expiry, kept to the millisecond precision of the wire.
func WithExpiryTime(t time.Time) Option {
	return func(m *Message) error { m.expiryTime = t.Truncate(time.Millisecond); return nil }
}

func WithContentEncoding(enc string) Option {
	return func(m *Message) error { m.contentEncoding = enc; return nil }
}

func WithContentType(ct string) Option {
	return func(m *Message) error { m.contentType = ct; return nil }
}

func WithConnectionDeviceID(id string) Option {
	return func(m *Message) error { m.connectionDeviceID = id; return nil }
}

func WithConnectionModuleID(id string) Option {
	return func(m *Message) error { m.connectionModuleID = id; return nil }
}

func WithInputName(name string) Option {
	return func(m *Message) error { m.inputName = name; return nil }
}

func WithOutputName(name string) Option {
	return func(m *Message) error { m.outputName = name; return nil }
}

// WithCreationTime sets the creation time, truncated like WithExpiryTime.
func WithCreationTime(t time.Time) Option {
	return func(m *Message) error { m.creationTime = t.Truncate(time.Millisecond); return nil }
}

func WithUserID(id string) Option {
	return func(m *Message) error { m.userID = id; return nil }
}

func WithType(t Type) Option {
	return func(m *Message) error { m.typ = t; return nil }
}

// WithOperation also sets the message type implied by op.
func WithOperation(op Operation) Option {
	return func(m *Message) error {
		m.operation = op
		if t := op.messageType(); t != Unknown {
			m.typ = t
		}
		return nil
	}
}

func WithRequestID(id string) Option {
	return func(m *Message) error { m.requestID = id; return nil }
}

func WithMethodName(name string) Option {
	return func(m *Message) error { m.methodName = name; return nil }
}

func WithStatus(status string) Option {
	return func(m *Message) error { m.status = status; return nil }
}

func WithVersion(version string) Option {
	return func(m *Message) error { m.version = version; return nil }
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
