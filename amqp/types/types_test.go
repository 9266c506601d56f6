// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteAny(&buf, v))
	got, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "trailing bytes")
	return got
}

func TestPrimitives(t *testing.T) {
	cases := []any{
		nil, true, false,
		uint8(7), uint16(65535),
		uint32(0), uint32(200), uint32(70000),
		uint64(0), uint64(200), uint64(1 << 40),
		int32(-5), int32(-70000), int64(100), int64(-1 << 40),
		float64(1.5),
		"", "hello", strings.Repeat("x", 300),
		Symbol("TPM"), Symbol(strings.Repeat("s", 256)),
		[]byte{0, 1, 2},
		UUID{1, 2, 3},
	}
	for _, v := range cases {
		assert.Equal(t, v, roundTrip(t, v))
	}
}

func TestSmallEncodings(t *testing.T) {
	var buf bytes.Buffer
	WriteUint(&buf, 0)
	WriteUint(&buf, 5)
	WriteUlong(&buf, 0)
	WriteBool(&buf, true)
	assert.Equal(t, []byte{TypeUint0, TypeUintSmall, 5, TypeUlong0, TypeBoolTrue}, buf.Bytes())
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	got := roundTrip(t, ts)
	assert.True(t, ts.Equal(got.(time.Time)))
}

func TestSymbols(t *testing.T) {
	var buf bytes.Buffer
	WriteSymbols(&buf, []Symbol{"TPM", "PLAIN"})
	v, err := ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, []Symbol{"TPM", "PLAIN"}, Fields{v}.Symbols(0))

	buf.Reset()
	WriteSymbols(&buf, []Symbol{"TPM"})
	assert.Equal(t, byte(TypeSymbol8), buf.Bytes()[0])
	v, err = ReadType(&buf)
	require.NoError(t, err)
	assert.Equal(t, []Symbol{"TPM"}, Fields{v}.Symbols(0))
}

func TestMaps(t *testing.T) {
	got := roundTrip(t, map[string]any{"a": "b", "n": int64(1)})
	assert.Equal(t, map[any]any{"a": "b", "n": int64(1)}, got)

	got = roundTrip(t, map[Symbol]any{"com.microsoft:api-version": "2019-03-31"})
	assert.Equal(t, map[string]any{"com.microsoft:api-version": "2019-03-31"}, StringMap(got.(map[any]any)))
}

func TestCompositeTrimsTrailingNulls(t *testing.T) {
	body, err := Composite(0x41, Symbol("PLAIN"), []byte("x"), nil, nil)
	require.NoError(t, err)

	v, err := Decode(body)
	require.NoError(t, err)
	d, ok := v.(*Described)
	require.True(t, ok)
	assert.Equal(t, uint64(0x41), d.Descriptor)
	fields := d.Fields()
	assert.Len(t, fields, 2)
	assert.Equal(t, Symbol("PLAIN"), fields.Symbol(0))
	assert.Equal(t, []byte("x"), fields.Binary(1))
	assert.False(t, fields.Has(2))
}

func TestCompositeEmpty(t *testing.T) {
	body, err := Composite(0x24)
	require.NoError(t, err)
	assert.Equal(t, []byte{TypeDescriptor, TypeUlongSmall, 0x24, TypeList0}, body)
}

func TestNestedDescribed(t *testing.T) {
	inner, err := Composite(0x28, "/scope/registrations/dev")
	require.NoError(t, err)
	outer, err := Composite(0x12, "link", uint32(0), true, nil, nil, Raw(inner))
	require.NoError(t, err)

	v, err := Decode(outer)
	require.NoError(t, err)
	fields := v.(*Described).Fields()
	assert.Equal(t, "link", fields.String(0))
	assert.True(t, fields.Bool(2))
	src := fields.Described(5)
	require.NotNil(t, src)
	assert.Equal(t, "/scope/registrations/dev", src.Fields().String(0))
}

func TestFieldsZeroValues(t *testing.T) {
	var f Fields
	assert.False(t, f.Has(0))
	assert.Equal(t, uint32(0), f.Uint(3))
	assert.Equal(t, "", f.String(1))
	assert.Nil(t, f.Symbols(0))
	assert.Nil(t, (*Described)(nil).Fields())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assert.Error(t, err)

	_, err = Decode([]byte{TypeString8, 10, 'a'})
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.Error(t, err)
}
