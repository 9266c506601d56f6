// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package performatives encodes and decodes the AMQP 1.0 transport
// performatives used by a client connection.
package performatives

import (
	"bytes"
	"fmt"

	"github.com/absmach/iotdevice/amqp/types"
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// Link roles.
const (
	RoleSender   = false
	RoleReceiver = true
)

// Receiver settle modes.
const (
	ReceiverSettleFirst  uint8 = 0
	ReceiverSettleSecond uint8 = 1
)

// Performative is implemented by every frame body the connection writes.
type Performative interface {
	Encode() ([]byte, error)
}

type Open struct {
	ContainerID  string
	Hostname     string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeOut  uint32 // milliseconds
	Properties   map[types.Symbol]any
}

func (o *Open) Encode() ([]byte, error) {
	return types.Composite(DescriptorOpen,
		o.ContainerID,
		str(o.Hostname),
		o.MaxFrameSize,
		o.ChannelMax,
		nonZero(o.IdleTimeOut),
		nil, nil, nil, nil,
		o.Properties,
	)
}

type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
}

func (b *Begin) Encode() ([]byte, error) {
	return types.Composite(DescriptorBegin,
		opt(b.RemoteChannel),
		b.NextOutgoingID,
		b.IncomingWindow,
		b.OutgoingWindow,
		b.HandleMax,
	)
}

type Attach struct {
	Name                 string
	Handle               uint32
	Role                 bool
	SndSettleMode        *uint8
	RcvSettleMode        *uint8
	Source               *Source
	Target               *Target
	InitialDeliveryCount *uint32
	MaxMessageSize       uint64
	Properties           map[types.Symbol]any
}

func (a *Attach) Encode() ([]byte, error) {
	var source, target any
	if a.Source != nil {
		b, err := a.Source.Encode()
		if err != nil {
			return nil, err
		}
		source = types.Raw(b)
	}
	if a.Target != nil {
		b, err := a.Target.Encode()
		if err != nil {
			return nil, err
		}
		target = types.Raw(b)
	}
	return types.Composite(DescriptorAttach,
		a.Name,
		a.Handle,
		a.Role,
		opt(a.SndSettleMode),
		opt(a.RcvSettleMode),
		source,
		target,
		nil, nil,
		opt(a.InitialDeliveryCount),
		nonZero64(a.MaxMessageSize),
		nil, nil,
		a.Properties,
	)
}

type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
}

func (f *Flow) Encode() ([]byte, error) {
	return types.Composite(DescriptorFlow,
		opt(f.NextIncomingID),
		f.IncomingWindow,
		f.NextOutgoingID,
		f.OutgoingWindow,
		opt(f.Handle),
		opt(f.DeliveryCount),
		opt(f.LinkCredit),
		opt(f.Available),
		f.Drain,
		f.Echo,
	)
}

type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	State         *types.Described
}

func (t *Transfer) Encode() ([]byte, error) {
	var tag any
	if t.DeliveryTag != nil {
		tag = t.DeliveryTag
	}
	return types.Composite(DescriptorTransfer,
		t.Handle,
		opt(t.DeliveryID),
		tag,
		opt(t.MessageFormat),
		t.Settled,
		t.More,
		nil,
		t.State,
	)
}

type Disposition struct {
	Role    bool
	First   uint32
	Last    *uint32
	Settled bool
	State   *types.Described
}

func (d *Disposition) Encode() ([]byte, error) {
	return types.Composite(DescriptorDisposition,
		d.Role,
		d.First,
		opt(d.Last),
		d.Settled,
		d.State,
	)
}

type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (d *Detach) Encode() ([]byte, error) {
	e, err := d.Error.raw()
	if err != nil {
		return nil, err
	}
	return types.Composite(DescriptorDetach, d.Handle, d.Closed, e)
}

type End struct {
	Error *Error
}

func (e *End) Encode() ([]byte, error) {
	raw, err := e.Error.raw()
	if err != nil {
		return nil, err
	}
	return types.Composite(DescriptorEnd, raw)
}

type Close struct {
	Error *Error
}

func (c *Close) Encode() ([]byte, error) {
	raw, err := c.Error.raw()
	if err != nil {
		return nil, err
	}
	return types.Composite(DescriptorClose, raw)
}

// Decode parses a frame body into a performative. Bytes following the
// performative, the message payload of a transfer, are returned as payload.
func Decode(body []byte) (desc uint64, perf any, payload []byte, err error) {
	r := bytes.NewReader(body)
	v, err := types.ReadType(r)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("decoding performative: %w", err)
	}
	d, ok := v.(*types.Described)
	if !ok {
		return 0, nil, nil, fmt.Errorf("performative is not a described type")
	}
	if r.Len() > 0 {
		payload = body[len(body)-r.Len():]
	}

	f := d.Fields()
	switch d.Descriptor {
	case DescriptorOpen:
		perf = &Open{
			ContainerID:  f.String(0),
			Hostname:     f.String(1),
			MaxFrameSize: uintOr(f, 2, 0xFFFFFFFF),
			ChannelMax:   uint16(uintOr(f, 3, 0xFFFF)),
			IdleTimeOut:  f.Uint(4),
			Properties:   symbolMap(f.Map(9)),
		}
	case DescriptorBegin:
		perf = &Begin{
			RemoteChannel:  optUshort(f, 0),
			NextOutgoingID: f.Uint(1),
			IncomingWindow: f.Uint(2),
			OutgoingWindow: f.Uint(3),
			HandleMax:      uintOr(f, 4, 0xFFFFFFFF),
		}
	case DescriptorAttach:
		perf = &Attach{
			Name:                 f.String(0),
			Handle:               f.Uint(1),
			Role:                 f.Bool(2),
			SndSettleMode:        optUbyte(f, 3),
			RcvSettleMode:        optUbyte(f, 4),
			Source:               decodeSource(f.Described(5)),
			Target:               decodeTarget(f.Described(6)),
			InitialDeliveryCount: optUint(f, 9),
			MaxMessageSize:       f.Ulong(10),
			Properties:           symbolMap(f.Map(13)),
		}
	case DescriptorFlow:
		perf = &Flow{
			NextIncomingID: optUint(f, 0),
			IncomingWindow: f.Uint(1),
			NextOutgoingID: f.Uint(2),
			OutgoingWindow: f.Uint(3),
			Handle:         optUint(f, 4),
			DeliveryCount:  optUint(f, 5),
			LinkCredit:     optUint(f, 6),
			Available:      optUint(f, 7),
			Drain:          f.Bool(8),
			Echo:           f.Bool(9),
		}
	case DescriptorTransfer:
		perf = &Transfer{
			Handle:        f.Uint(0),
			DeliveryID:    optUint(f, 1),
			DeliveryTag:   f.Binary(2),
			MessageFormat: optUint(f, 3),
			Settled:       f.Bool(4),
			More:          f.Bool(5),
			State:         f.Described(7),
		}
	case DescriptorDisposition:
		perf = &Disposition{
			Role:    f.Bool(0),
			First:   f.Uint(1),
			Last:    optUint(f, 2),
			Settled: f.Bool(3),
			State:   f.Described(4),
		}
	case DescriptorDetach:
		perf = &Detach{Handle: f.Uint(0), Closed: f.Bool(1), Error: decodeError(f.Described(2))}
	case DescriptorEnd:
		perf = &End{Error: decodeError(f.Described(0))}
	case DescriptorClose:
		perf = &Close{Error: decodeError(f.Described(0))}
	default:
		return d.Descriptor, nil, payload, fmt.Errorf("unknown performative descriptor 0x%02x", d.Descriptor)
	}
	return d.Descriptor, perf, payload, nil
}

func opt[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func str(s string) any {
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

func nonZero64(v uint64) any {
	if v == 0 {
		return nil
	}
	return v
}

func uintOr(f types.Fields, i int, def uint32) uint32 {
	if !f.Has(i) {
		return def
	}
	return f.Uint(i)
}

func optUint(f types.Fields, i int) *uint32 {
	if !f.Has(i) {
		return nil
	}
	v := f.Uint(i)
	return &v
}

func optUshort(f types.Fields, i int) *uint16 {
	if !f.Has(i) {
		return nil
	}
	v := f.Ushort(i)
	return &v
}

func optUbyte(f types.Fields, i int) *uint8 {
	if !f.Has(i) {
		return nil
	}
	v := f.Ubyte(i)
	return &v
}

func symbolMap(m map[any]any) map[types.Symbol]any {
	if m == nil {
		return nil
	}
	out := make(map[types.Symbol]any, len(m))
	for k, v := range m {
		if s, ok := k.(types.Symbol); ok {
			out[s] = v
		}
	}
	return out
}

// Uint32 returns a pointer to v, for optional fields.
func Uint32(v uint32) *uint32 { return &v }

// Uint16 returns a pointer to v, for optional fields.
func Uint16(v uint16) *uint16 { return &v }

// Uint8 returns a pointer to v, for optional fields.
func Uint8(v uint8) *uint8 { return &v }
