// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types implements the AMQP 1.0 primitive and composite type codec.
package types

import "time"

// Constructor codes.
const (
	TypeDescriptor byte = 0x00

	TypeNull       byte = 0x40
	TypeBoolTrue   byte = 0x41
	TypeBoolFalse  byte = 0x42
	TypeUint0      byte = 0x43
	TypeUlong0     byte = 0x44
	TypeList0      byte = 0x45
	TypeUbyte      byte = 0x50
	TypeByte       byte = 0x51
	TypeUintSmall  byte = 0x52
	TypeUlongSmall byte = 0x53
	TypeIntSmall   byte = 0x54
	TypeLongSmall  byte = 0x55
	TypeBool       byte = 0x56
	TypeUshort     byte = 0x60
	TypeShort      byte = 0x61
	TypeUint       byte = 0x70
	TypeInt        byte = 0x71
	TypeFloat      byte = 0x72
	TypeUlong      byte = 0x80
	TypeLong       byte = 0x81
	TypeDouble     byte = 0x82
	TypeTimestamp  byte = 0x83
	TypeUUID       byte = 0x98

	TypeBinary8  byte = 0xa0
	TypeString8  byte = 0xa1
	TypeSymbol8  byte = 0xa3
	TypeBinary32 byte = 0xb0
	TypeString32 byte = 0xb1
	TypeSymbol32 byte = 0xb3

	TypeList8   byte = 0xc0
	TypeMap8    byte = 0xc1
	TypeList32  byte = 0xd0
	TypeMap32   byte = 0xd1
	TypeArray8  byte = 0xe0
	TypeArray32 byte = 0xf0
)

// Symbol is an AMQP symbolic value.
type Symbol string

// UUID is a 128-bit identifier.
type UUID [16]byte

// Described is a value tagged with a numeric descriptor.
type Described struct {
	Descriptor uint64
	Value      any
}

// Fields returns the value as a composite field list. Non-list values yield nil.
func (d *Described) Fields() Fields {
	if d == nil {
		return nil
	}
	fields, _ := d.Value.([]any)
	return fields
}

// Raw is an already encoded value written as is.
type Raw []byte

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}
