// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// maxPrealloc caps slice and map allocation driven by peer-supplied counts.
const maxPrealloc = 1024

// Decode reads a single value from data.
func Decode(data []byte) (any, error) {
	return ReadType(bytes.NewReader(data))
}

// ReadType reads a single typed value. Lists and arrays decode to []any, maps
// to map[any]any and described values to *Described.
func ReadType(r io.Reader) (any, error) {
	code, err := readN(r, 1)
	if err != nil {
		return nil, err
	}
	return readByCode(r, code[0])
}

func readByCode(r io.Reader, code byte) (any, error) {
	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeUint0:
		return uint32(0), nil
	case TypeUlong0:
		return uint64(0), nil
	case TypeList0:
		return []any{}, nil
	case TypeDescriptor:
		return readDescribed(r)
	}

	switch code {
	case TypeBool, TypeUbyte, TypeByte, TypeUintSmall, TypeUlongSmall, TypeIntSmall, TypeLongSmall:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return fixed1(code, b[0]), nil
	case TypeUshort, TypeShort:
		b, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint16(b)
		if code == TypeShort {
			return int16(v), nil
		}
		return v, nil
	case TypeUint, TypeInt, TypeFloat:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint32(b)
		switch code {
		case TypeInt:
			return int32(v), nil
		case TypeFloat:
			return math.Float32frombits(v), nil
		}
		return v, nil
	case TypeUlong, TypeLong, TypeDouble, TypeTimestamp:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		v := binary.BigEndian.Uint64(b)
		switch code {
		case TypeLong:
			return int64(v), nil
		case TypeDouble:
			return math.Float64frombits(v), nil
		case TypeTimestamp:
			return time.UnixMilli(int64(v)).UTC(), nil
		}
		return v, nil
	case TypeUUID:
		var u UUID
		_, err := io.ReadFull(r, u[:])
		return u, err
	case TypeBinary8, TypeString8, TypeSymbol8:
		return readVariable(r, code, 1)
	case TypeBinary32, TypeString32, TypeSymbol32:
		return readVariable(r, code, 4)
	case TypeList8, TypeMap8, TypeArray8:
		return readCompound(r, code, 1)
	case TypeList32, TypeMap32, TypeArray32:
		return readCompound(r, code, 4)
	}
	return nil, fmt.Errorf("unknown AMQP type code 0x%02x", code)
}

func fixed1(code, b byte) any {
	switch code {
	case TypeBool:
		return b != 0
	case TypeUbyte:
		return b
	case TypeByte:
		return int8(b)
	case TypeUintSmall:
		return uint32(b)
	case TypeUlongSmall:
		return uint64(b)
	case TypeIntSmall:
		return int32(int8(b))
	default:
		return int64(int8(b))
	}
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readWidth(r io.Reader, width int) (uint32, error) {
	b, err := readN(r, width)
	if err != nil {
		return 0, err
	}
	if width == 1 {
		return uint32(b[0]), nil
	}
	return binary.BigEndian.Uint32(b), nil
}

func readVariable(r io.Reader, code byte, width int) (any, error) {
	size, err := readWidth(r, width)
	if err != nil {
		return nil, err
	}
	b, err := readN(r, int(size))
	if err != nil {
		return nil, err
	}
	switch code {
	case TypeString8, TypeString32:
		return string(b), nil
	case TypeSymbol8, TypeSymbol32:
		return Symbol(b), nil
	default:
		return b, nil
	}
}

func readCompound(r io.Reader, code byte, width int) (any, error) {
	if _, err := readWidth(r, width); err != nil { // size
		return nil, err
	}
	count, err := readWidth(r, width)
	if err != nil {
		return nil, err
	}

	switch code {
	case TypeMap8, TypeMap32:
		if count%2 != 0 {
			return nil, fmt.Errorf("map with odd element count %d", count)
		}
		m := make(map[any]any, min(int(count/2), maxPrealloc))
		for i := uint32(0); i < count; i += 2 {
			k, err := ReadType(r)
			if err != nil {
				return nil, err
			}
			switch key := k.(type) {
			case []byte:
				k = string(key)
			case []any, map[any]any:
				return nil, fmt.Errorf("unhashable map key of type %T", k)
			}
			v, err := ReadType(r)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case TypeArray8, TypeArray32:
		ctor, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, min(int(count), maxPrealloc))
		for i := uint32(0); i < count; i++ {
			v, err := readByCode(r, ctor[0])
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	default:
		items := make([]any, 0, min(int(count), maxPrealloc))
		for i := uint32(0); i < count; i++ {
			v, err := ReadType(r)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	}
}

func readDescribed(r io.Reader) (*Described, error) {
	desc, err := ReadType(r)
	if err != nil {
		return nil, err
	}
	code, ok := desc.(uint64)
	if !ok {
		// Symbolic descriptors are not used by this client.
		return nil, fmt.Errorf("unsupported descriptor %v", desc)
	}
	val, err := ReadType(r)
	if err != nil {
		return nil, err
	}
	return &Described{Descriptor: code, Value: val}, nil
}
