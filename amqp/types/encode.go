// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Writes to a bytes.Buffer never fail, so the primitive writers return nothing.

func WriteNull(b *bytes.Buffer) { b.WriteByte(TypeNull) }

func WriteBool(b *bytes.Buffer, v bool) {
	if v {
		b.WriteByte(TypeBoolTrue)
		return
	}
	b.WriteByte(TypeBoolFalse)
}

func WriteUbyte(b *bytes.Buffer, v uint8) { b.Write([]byte{TypeUbyte, v}) }

func WriteUshort(b *bytes.Buffer, v uint16) {
	b.WriteByte(TypeUshort)
	b.Write(binary.BigEndian.AppendUint16(nil, v))
}

func WriteUint(b *bytes.Buffer, v uint32) {
	switch {
	case v == 0:
		b.WriteByte(TypeUint0)
	case v <= math.MaxUint8:
		b.Write([]byte{TypeUintSmall, byte(v)})
	default:
		b.WriteByte(TypeUint)
		b.Write(binary.BigEndian.AppendUint32(nil, v))
	}
}

func WriteUlong(b *bytes.Buffer, v uint64) {
	switch {
	case v == 0:
		b.WriteByte(TypeUlong0)
	case v <= math.MaxUint8:
		b.Write([]byte{TypeUlongSmall, byte(v)})
	default:
		b.WriteByte(TypeUlong)
		b.Write(binary.BigEndian.AppendUint64(nil, v))
	}
}

func WriteInt(b *bytes.Buffer, v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		b.Write([]byte{TypeIntSmall, byte(int8(v))})
		return
	}
	b.WriteByte(TypeInt)
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func WriteLong(b *bytes.Buffer, v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		b.Write([]byte{TypeLongSmall, byte(int8(v))})
		return
	}
	b.WriteByte(TypeLong)
	b.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func WriteDouble(b *bytes.Buffer, v float64) {
	b.WriteByte(TypeDouble)
	b.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

func WriteTimestamp(b *bytes.Buffer, t time.Time) {
	b.WriteByte(TypeTimestamp)
	b.Write(binary.BigEndian.AppendUint64(nil, uint64(toMillis(t))))
}

func WriteUUID(b *bytes.Buffer, u UUID) {
	b.WriteByte(TypeUUID)
	b.Write(u[:])
}

func WriteBinary(b *bytes.Buffer, v []byte) { writeVariable(b, TypeBinary8, TypeBinary32, v) }

func WriteString(b *bytes.Buffer, v string) { writeVariable(b, TypeString8, TypeString32, []byte(v)) }

func WriteSymbol(b *bytes.Buffer, v Symbol) { writeVariable(b, TypeSymbol8, TypeSymbol32, []byte(v)) }

func writeVariable(b *bytes.Buffer, short, long byte, v []byte) {
	if len(v) <= math.MaxUint8 {
		b.Write([]byte{short, byte(len(v))})
	} else {
		b.WriteByte(long)
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(v))))
	}
	b.Write(v)
}

// WriteDescriptor writes the described-type marker followed by a ulong code.
func WriteDescriptor(b *bytes.Buffer, code uint64) {
	b.WriteByte(TypeDescriptor)
	WriteUlong(b, code)
}

// WriteList writes count already encoded elements. Size and count are 32-bit.
func WriteList(b *bytes.Buffer, elements []byte, count int) {
	if count == 0 {
		b.WriteByte(TypeList0)
		return
	}
	b.WriteByte(TypeList32)
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(elements)+4)))
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(count)))
	b.Write(elements)
}

// WriteMap writes pairs already encoded key/value pairs.
func WriteMap(b *bytes.Buffer, elements []byte, pairs int) {
	b.WriteByte(TypeMap32)
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(elements)+4)))
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(pairs*2)))
	b.Write(elements)
}

// WriteSymbols writes a multiple-symbol field. A single symbol is written bare,
// which receivers must accept for multiple fields.
func WriteSymbols(b *bytes.Buffer, syms []Symbol) {
	switch len(syms) {
	case 0:
		WriteNull(b)
		return
	case 1:
		WriteSymbol(b, syms[0])
		return
	}
	var elems bytes.Buffer
	for _, s := range syms {
		elems.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		elems.WriteString(string(s))
	}
	b.WriteByte(TypeArray32)
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(elems.Len()+5)))
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(syms))))
	b.WriteByte(TypeSymbol32)
	b.Write(elems.Bytes())
}

// WriteAny writes v using the AMQP type matching its Go type.
func WriteAny(b *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		WriteNull(b)
	case bool:
		WriteBool(b, val)
	case uint8:
		WriteUbyte(b, val)
	case uint16:
		WriteUshort(b, val)
	case uint32:
		WriteUint(b, val)
	case uint64:
		WriteUlong(b, val)
	case int32:
		WriteInt(b, val)
	case int64:
		WriteLong(b, val)
	case int:
		WriteLong(b, int64(val))
	case float64:
		WriteDouble(b, val)
	case string:
		WriteString(b, val)
	case Symbol:
		WriteSymbol(b, val)
	case []byte:
		WriteBinary(b, val)
	case []Symbol:
		WriteSymbols(b, val)
	case time.Time:
		WriteTimestamp(b, val)
	case UUID:
		WriteUUID(b, val)
	case Raw:
		b.Write(val)
	case *Described:
		if val == nil {
			WriteNull(b)
			return nil
		}
		WriteDescriptor(b, val.Descriptor)
		return WriteAny(b, val.Value)
	case []any:
		var elems bytes.Buffer
		for _, e := range val {
			if err := WriteAny(&elems, e); err != nil {
				return err
			}
		}
		WriteList(b, elems.Bytes(), len(val))
	case map[string]any:
		var elems bytes.Buffer
		for k, e := range val {
			WriteString(&elems, k)
			if err := WriteAny(&elems, e); err != nil {
				return err
			}
		}
		WriteMap(b, elems.Bytes(), len(val))
	case map[Symbol]any:
		var elems bytes.Buffer
		for k, e := range val {
			WriteSymbol(&elems, k)
			if err := WriteAny(&elems, e); err != nil {
				return err
			}
		}
		WriteMap(b, elems.Bytes(), len(val))
	default:
		return fmt.Errorf("unsupported AMQP value type %T", v)
	}
	return nil
}

// Composite encodes a described list. Trailing nil fields are omitted, as the
// protocol treats absent trailing fields as null.
func Composite(descriptor uint64, fields ...any) ([]byte, error) {
	n := len(fields)
	for n > 0 && isNull(fields[n-1]) {
		n--
	}

	var elems bytes.Buffer
	for i := 0; i < n; i++ {
		if err := WriteAny(&elems, fields[i]); err != nil {
			return nil, fmt.Errorf("field %d of descriptor 0x%02x: %w", i, descriptor, err)
		}
	}

	var b bytes.Buffer
	WriteDescriptor(&b, descriptor)
	WriteList(&b, elems.Bytes(), n)
	return b.Bytes(), nil
}

func isNull(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case Raw:
		return len(val) == 0
	case []Symbol:
		return len(val) == 0
	case *Described:
		return val == nil
	case map[string]any:
		return val == nil
	case map[Symbol]any:
		return val == nil
	default:
		return false
	}
}
