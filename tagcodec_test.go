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

func TestEncodeTagShortForm(t *testing.T) {
	// Application tag 4 (Real), length 4: (4<<4)|(0<<3)|4 = 0x44.
	assert.Equal(t, []byte{0x44}, EncodeTag(4, TagClassApplication, 4))

	// Context tag 1, length 1: (1<<4)|(1<<3)|1 = 0x19.
	assert.Equal(t, []byte{0x19}, EncodeTag(1, TagClassContext, 1))

	// Context tag 0, length 4: (0<<4)|(1<<3)|4 = 0x0C.
	assert.Equal(t, []byte{0x0C}, EncodeTag(0, TagClassContext, 4))
}

func TestEncodeTagExtendedLength(t *testing.T) {
	// 253 bytes is the largest length that fits the single-byte extended
	// length marker.
	tag := EncodeTag(7, TagClassApplication, 253)
	require.Len(t, tag, 2)
	assert.Equal(t, byte((7<<4)|5), tag[0])
	assert.Equal(t, byte(253), tag[1])

	tagNum, class, length, headerLen, err := DecodeTagNumber(tag)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), tagNum)
	assert.Equal(t, TagClassApplication, class)
	assert.Equal(t, 253, length)
	assert.Equal(t, 2, headerLen)
}

func TestEncodeTagExtendedLength254Boundary(t *testing.T) {
	// 254 crosses into the 2-byte length form (spec.md §8 boundary: a
	// UTF-8 CharacterString payload of exactly 254 bytes).
	tag := EncodeTag(7, TagClassApplication, 254)
	require.Len(t, tag, 4)
	assert.Equal(t, byte((7<<4)|5), tag[0])
	assert.Equal(t, byte(254), tag[1])

	tagNum, class, length, headerLen, err := DecodeTagNumber(tag)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), tagNum)
	assert.Equal(t, TagClassApplication, class)
	assert.Equal(t, 254, length)
	assert.Equal(t, 4, headerLen)
}

func TestEncodeTagExtendedTagNumber(t *testing.T) {
	tag := EncodeTag(20, TagClassContext, 1)
	require.Len(t, tag, 2)
	assert.Equal(t, byte(0xF9), tag[0])
	assert.Equal(t, byte(20), tag[1])

	tagNum, class, length, headerLen, err := DecodeTagNumber(tag)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), tagNum)
	assert.Equal(t, TagClassContext, class)
	assert.Equal(t, 1, length)
	assert.Equal(t, 2, headerLen)
}

func TestOpeningClosingTagRoundTrip(t *testing.T) {
	for _, num := range []uint8{0, 1, 3, 14} {
		open := EncodeOpeningTag(num)
		tagNum, class, length, headerLen, err := DecodeTagNumber(open)
		require.NoError(t, err)
		assert.Equal(t, num, tagNum)
		assert.Equal(t, TagClassContext, class)
		assert.Equal(t, -1, length)
		assert.Equal(t, 1, headerLen)

		closeTag := EncodeClosingTag(num)
		tagNum, class, length, headerLen, err = DecodeTagNumber(closeTag)
		require.NoError(t, err)
		assert.Equal(t, num, tagNum)
		assert.Equal(t, TagClassContext, class)
		assert.Equal(t, -2, length)
		assert.Equal(t, 1, headerLen)
	}
}

func TestOpeningClosingTagExtendedNumber(t *testing.T) {
	open := EncodeOpeningTag(15)
	assert.Equal(t, []byte{0xFE, 15}, open)
	closeTag := EncodeClosingTag(15)
	assert.Equal(t, []byte{0xFF, 15}, closeTag)
}

func TestDecodeTagNumberShortBuffer(t *testing.T) {
	_, _, _, _, err := DecodeTagNumber(nil)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, _, _, _, err = DecodeTagNumber([]byte{0xF9})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestEncodeContextTagRoundTrip(t *testing.T) {
	encoded := EncodeContextUnsigned(2, 250)
	tagNum, class, length, headerLen, err := DecodeTagNumber(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), tagNum)
	assert.Equal(t, TagClassContext, class)
	assert.Equal(t, DecodeUnsigned(encoded[headerLen:headerLen+length]), uint32(250))
}
