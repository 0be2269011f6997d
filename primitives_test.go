// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUnsignedMinimalLength(t *testing.T) {
	cases := []struct {
		value uint32
		bytes int
	}{
		{0, 0},
		{1, 1},
		{255, 1},
		{256, 2},
		{65535, 2},
		{65536, 3},
		{16777215, 3},
		{16777216, 4},
	}
	for _, c := range cases {
		encoded := EncodeUnsigned(c.value)
		assert.Lenf(t, encoded, c.bytes, "value %d", c.value)
		assert.Equal(t, c.value, DecodeUnsigned(encoded))
	}
}

func TestEncodeSignedRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 127, -128, 128, -129, 32767, -32768, 8388607, -8388608, 8388608} {
		encoded := EncodeSigned(v)
		assert.LessOrEqual(t, len(encoded), 4)
		assert.Equal(t, v, DecodeSigned(encoded))
	}
}

func TestEncodeRealRoundTrip(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 72.5, 3.14159} {
		encoded := EncodeReal(v)
		assert.Len(t, encoded, 4)
		assert.Equal(t, v, DecodeReal(encoded))
	}
}

func TestEncodeDoubleRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1, -1, 72.5, 2.718281828} {
		encoded := EncodeDouble(v)
		assert.Len(t, encoded, 8)
		assert.Equal(t, v, DecodeDouble(encoded))
	}
}

func TestObjectIdentifierPacking(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeDevice, 1001)
	encoded := EncodeObjectIdentifier(oid)
	require.Len(t, encoded, 4)

	decoded := DecodeObjectIdentifierFromBytes(encoded)
	assert.Equal(t, oid, decoded)
	assert.Equal(t, ObjectTypeDevice, decoded.Type)
	assert.Equal(t, uint32(1001), decoded.Instance)
}

func TestObjectIdentifierPackingLayout(t *testing.T) {
	// Type occupies the top 10 bits, instance the low 22.
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, EncodeObjectIdentifier(oid))

	oid = NewObjectIdentifier(ObjectTypeBinaryOutput, 0)
	assert.Equal(t, uint32(ObjectTypeBinaryOutput)<<22, oid.Encode())
}

func TestCharacterStringRoundTripUTF8(t *testing.T) {
	s := "hello bacnet"
	encoded := EncodeCharacterString(s)
	decoded, err := DecodeCharacterString(encoded)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestCharacterStringRejectsDBCSAndJIS(t *testing.T) {
	for _, selector := range []byte{characterSetDBCS, characterSetJIS} {
		_, err := DecodeCharacterString([]byte{selector, 0x41})
		assert.ErrorIs(t, err, ErrUnsupportedEncoding)
	}
}

func TestCharacterStringLength254Boundary(t *testing.T) {
	long := make([]byte, 254)
	for i := range long {
		long[i] = 'a'
	}
	s := string(long)
	tag := EncodeCharacterStringTag(s)

	_, _, length, headerLen, err := DecodeTagNumber(tag)
	require.NoError(t, err)
	assert.Equal(t, len(s)+1, length)

	decoded, err := DecodeCharacterString(tag[headerLen : headerLen+length])
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestBitStringRoundTrip(t *testing.T) {
	bs := BitString{Bits: []bool{true, false, true, true, false}}
	encoded := EncodeBitString(bs)
	decoded, err := DecodeBitString(encoded)
	require.NoError(t, err)
	assert.Equal(t, bs.Bits, decoded.Bits)
}

func TestBitStringEmptyRoundTrip(t *testing.T) {
	bs := BitString{}
	encoded := EncodeBitString(bs)
	assert.Equal(t, []byte{0}, encoded)
	decoded, err := DecodeBitString(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.Bits)
}

func TestDateRoundTrip(t *testing.T) {
	d := Date{Year: 2026, Month: 8, Day: 6, DayOfWeek: 4}
	encoded := EncodeDate(d)
	require.Len(t, encoded, 4)
	decoded, err := DecodeDate(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestDateUnspecifiedFields(t *testing.T) {
	// 0xFF in any field means "unspecified" (spec.md §8 boundary).
	d := Date{Year: 1900 + 0xFF, Month: 0xFF, Day: 0xFF, DayOfWeek: 0xFF}
	encoded := EncodeDate(d)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, encoded)
	decoded, err := DecodeDate(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestTimeRoundTrip(t *testing.T) {
	tm := Time{Hour: 23, Minute: 59, Second: 59, Hundredths: 99}
	encoded := EncodeTime(tm)
	require.Len(t, encoded, 4)
	decoded, err := DecodeTime(encoded)
	require.NoError(t, err)
	assert.Equal(t, tm, decoded)
}

func TestDecodeDateTimeBadLength(t *testing.T) {
	_, err := DecodeDate([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBadLength)

	_, err = DecodeTime([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestEncodeUnsignedTagAppliesApplicationClass(t *testing.T) {
	tag := EncodeUnsignedTag(72)
	tagNum, class, length, headerLen, err := DecodeTagNumber(tag)
	require.NoError(t, err)
	assert.Equal(t, uint8(TagUnsignedInt), tagNum)
	assert.Equal(t, TagClassApplication, class)
	assert.Equal(t, uint32(72), DecodeUnsigned(tag[headerLen:headerLen+length]))
}

func TestEncodeEnumeratedZeroLengthValue(t *testing.T) {
	// EncodeUnsigned(0) is the zero-length encoding; enumerated reuses it.
	tag := EncodeEnumeratedTag(0)
	assert.Equal(t, []byte{byte(uint8(TagEnumerated) << 4)}, tag)
}
