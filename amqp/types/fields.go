// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// Fields gives typed, bounds-checked access to a decoded composite. Missing or
// mistyped fields read as the zero value.
type Fields []any

func (f Fields) Has(i int) bool { return i < len(f) && f[i] != nil }

func (f Fields) Any(i int) any {
	if i < len(f) {
		return f[i]
	}
	return nil
}

func (f Fields) Bool(i int) bool {
	v, _ := f.Any(i).(bool)
	return v
}

func (f Fields) Ubyte(i int) uint8 {
	return uint8(f.Ulong(i))
}

func (f Fields) Ushort(i int) uint16 {
	return uint16(f.Ulong(i))
}

func (f Fields) Uint(i int) uint32 {
	return uint32(f.Ulong(i))
}

// Ulong widens any unsigned value.
func (f Fields) Ulong(i int) uint64 {
	switch v := f.Any(i).(type) {
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	default:
		return 0
	}
}

func (f Fields) String(i int) string {
	switch v := f.Any(i).(type) {
	case string:
		return v
	case Symbol:
		return string(v)
	default:
		return ""
	}
}

func (f Fields) Symbol(i int) Symbol {
	return Symbol(f.String(i))
}

func (f Fields) Binary(i int) []byte {
	v, _ := f.Any(i).([]byte)
	return v
}

func (f Fields) Time(i int) time.Time {
	v, _ := f.Any(i).(time.Time)
	return v
}

// Symbols reads a multiple-symbol field, accepting a bare symbol or an array.
func (f Fields) Symbols(i int) []Symbol {
	switch v := f.Any(i).(type) {
	case Symbol:
		return []Symbol{v}
	case []any:
		syms := make([]Symbol, 0, len(v))
		for _, e := range v {
			if s, ok := e.(Symbol); ok {
				syms = append(syms, s)
			}
		}
		return syms
	default:
		return nil
	}
}

func (f Fields) Map(i int) map[any]any {
	v, _ := f.Any(i).(map[any]any)
	return v
}

func (f Fields) Described(i int) *Described {
	v, _ := f.Any(i).(*Described)
	return v
}

// StringMap converts a decoded map with string or symbol keys.
func StringMap(m map[any]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch key := k.(type) {
		case string:
			out[key] = v
		case Symbol:
			out[string(key)] = v
		}
	}
	return out
}
