// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message implements the AMQP 1.0 message format: a sequence of
// described sections carried by one or more transfers.
package message

import (
	"bytes"
	"fmt"
	"time"

	"github.com/absmach/iotdevice/amqp/types"
)

// Section descriptors.
const (
	DescriptorHeader                uint64 = 0x70
	DescriptorDeliveryAnnotations   uint64 = 0x71
	DescriptorMessageAnnotations    uint64 = 0x72
	DescriptorProperties            uint64 = 0x73
	DescriptorApplicationProperties uint64 = 0x74
	DescriptorData                  uint64 = 0x75
	DescriptorSequence              uint64 = 0x76
	DescriptorValue                 uint64 = 0x77
	DescriptorFooter                uint64 = 0x78
)

type Header struct {
	Durable  bool
	Priority uint8
	TTL      uint32
}

type Properties struct {
	MessageID       any
	To              string
	Subject         string
	ReplyTo         string
	CorrelationID   any
	ContentType     types.Symbol
	ContentEncoding types.Symbol
	CreationTime    time.Time
}

// Message is a decoded AMQP message. Only the sections this client reads are
// kept; annotations and footers are skipped on decode.
type Message struct {
	Header                *Header
	Properties            *Properties
	ApplicationProperties map[string]any
	MessageAnnotations    map[types.Symbol]any
	Data                  [][]byte
	Value                 any
}

// Body returns the concatenated data sections, or the value section when it
// holds binary or string content.
func (m *Message) Body() []byte {
	if len(m.Data) == 1 {
		return m.Data[0]
	}
	if len(m.Data) > 1 {
		return bytes.Join(m.Data, nil)
	}
	switch v := m.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func (m *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if h := m.Header; h != nil {
		b, err := types.Composite(DescriptorHeader, h.Durable, nonZeroByte(h.Priority), nonZero(h.TTL))
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	if len(m.MessageAnnotations) > 0 {
		types.WriteDescriptor(&buf, DescriptorMessageAnnotations)
		if err := types.WriteAny(&buf, m.MessageAnnotations); err != nil {
			return nil, err
		}
	}
	if p := m.Properties; p != nil {
		var created any
		if !p.CreationTime.IsZero() {
			created = p.CreationTime
		}
		b, err := types.Composite(DescriptorProperties,
			p.MessageID,
			nil,
			str(p.To),
			str(p.Subject),
			str(p.ReplyTo),
			p.CorrelationID,
			sym(p.ContentType),
			sym(p.ContentEncoding),
			nil,
			created,
		)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	if len(m.ApplicationProperties) > 0 {
		types.WriteDescriptor(&buf, DescriptorApplicationProperties)
		if err := types.WriteAny(&buf, m.ApplicationProperties); err != nil {
			return nil, err
		}
	}
	for _, d := range m.Data {
		types.WriteDescriptor(&buf, DescriptorData)
		types.WriteBinary(&buf, d)
	}
	if m.Value != nil {
		types.WriteDescriptor(&buf, DescriptorValue)
		if err := types.WriteAny(&buf, m.Value); err != nil {
			return nil, err
		}
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("message has no sections")
	}
	return buf.Bytes(), nil
}

// Decode parses the concatenated sections of a message.
func Decode(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	m := &Message{}
	for r.Len() > 0 {
		v, err := types.ReadType(r)
		if err != nil {
			return nil, fmt.Errorf("decoding message section: %w", err)
		}
		d, ok := v.(*types.Described)
		if !ok {
			return nil, fmt.Errorf("message section is not a described type")
		}
		switch d.Descriptor {
		case DescriptorHeader:
			f := d.Fields()
			m.Header = &Header{Durable: f.Bool(0), Priority: f.Ubyte(1), TTL: f.Uint(2)}
		case DescriptorProperties:
			f := d.Fields()
			m.Properties = &Properties{
				MessageID:       f.Any(0),
				To:              f.String(2),
				Subject:         f.String(3),
				ReplyTo:         f.String(4),
				CorrelationID:   f.Any(5),
				ContentType:     f.Symbol(6),
				ContentEncoding: f.Symbol(7),
				CreationTime:    f.Time(9),
			}
		case DescriptorMessageAnnotations:
			mm, _ := d.Value.(map[any]any)
			m.MessageAnnotations = make(map[types.Symbol]any, len(mm))
			for k, v := range mm {
				if s, ok := k.(types.Symbol); ok {
					m.MessageAnnotations[s] = v
				}
			}
		case DescriptorApplicationProperties:
			mm, _ := d.Value.(map[any]any)
			m.ApplicationProperties = types.StringMap(mm)
		case DescriptorData:
			b, ok := d.Value.([]byte)
			if !ok {
				return nil, fmt.Errorf("data section holds %T", d.Value)
			}
			m.Data = append(m.Data, b)
		case DescriptorValue:
			m.Value = d.Value
		case DescriptorDeliveryAnnotations, DescriptorSequence, DescriptorFooter:
		default:
			return nil, fmt.Errorf("unknown message section 0x%02x", d.Descriptor)
		}
	}
	return m, nil
}

func str(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sym(s types.Symbol) any {
	if s == "" {
		return nil
	}
	return s
}

func nonZero(v uint32) any {
	if v == 0 {
		return nil
	}
	return v
}

func nonZeroByte(v uint8) any {
	if v == 0 {
		return nil
	}
	return v
}
