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

func TestBVLCRoundTrip(t *testing.T) {
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)
	apdu := EncodeUnconfirmedRequest(ServiceWhoIs, nil)
	bvlc := EncodeBVLC(BVLCOriginalBroadcastNPDU, len(npdu)+len(apdu))

	frame := append(append([]byte{}, bvlc...), append(npdu, apdu...)...)

	header, err := DecodeBVLC(frame)
	require.NoError(t, err)
	assert.Equal(t, BVLCTypeBACnetIP, header.Type)
	assert.Equal(t, BVLCOriginalBroadcastNPDU, header.Function)
	assert.Equal(t, uint16(len(frame)), header.Length)
}

func TestDecodeBVLCWrongLink(t *testing.T) {
	frame := []byte{0x82, 0x0B, 0x00, 0x04}
	_, err := DecodeBVLC(frame)
	assert.ErrorIs(t, err, ErrWrongLink)
}

func TestDecodeBVLCBadLength(t *testing.T) {
	frame := []byte{0x81, 0x0B, 0x00, 0x05}
	_, err := DecodeBVLC(frame)
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestNPDURoundTripUnicast(t *testing.T) {
	npdu := EncodeNPDU(true, NPDUControlPriorityUrgent)
	decoded, offset, err := DecodeNPDU(npdu)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), decoded.Version)
	assert.True(t, decoded.Control&NPDUControlExpectingReply != 0)
	assert.Equal(t, 2, offset)
}

func TestNPDURoundTripWithDestination(t *testing.T) {
	destAddr := []byte{0xC0, 0xA8, 0x01, 0x0A, 0xBA, 0xC0}
	npdu := EncodeNPDUWithDest(42, destAddr, 255, false, NPDUControlPriorityNormal)

	decoded, offset, err := DecodeNPDU(npdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), decoded.DestNet)
	assert.Equal(t, destAddr, decoded.DestAddr)
	assert.Equal(t, uint8(255), decoded.DestHopCount)
	assert.Equal(t, len(npdu), offset)
}

func TestDecodeNPDUVersionMismatch(t *testing.T) {
	_, _, err := DecodeNPDU([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestConfirmedRequestAPDURoundTrip(t *testing.T) {
	data := []byte{0xAA, 0xBB}
	apdu := EncodeConfirmedRequest(7, ServiceReadProperty, data, 0, 5)

	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeConfirmedRequest, decoded.Type)
	assert.False(t, decoded.Segmented)
	assert.Equal(t, uint8(7), decoded.InvokeID)
	assert.Equal(t, byte(ServiceReadProperty), decoded.Service)
	assert.Equal(t, data, decoded.Data)
}

func TestUnconfirmedRequestAPDURoundTrip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	apdu := EncodeUnconfirmedRequest(ServiceWhoIs, data)

	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeUnconfirmedRequest, decoded.Type)
	assert.Equal(t, byte(ServiceWhoIs), decoded.Service)
	assert.Equal(t, data, decoded.Data)
}

func TestSimpleAckAPDURoundTrip(t *testing.T) {
	apdu := EncodeSimpleAck(9, ServiceWriteProperty)
	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeSimpleAck, decoded.Type)
	assert.Equal(t, uint8(9), decoded.InvokeID)
	assert.Equal(t, byte(ServiceWriteProperty), decoded.Service)
}

func TestComplexAckAPDURoundTrip(t *testing.T) {
	data := []byte{0x0C, 0x00, 0x00, 0x00, 0x01}
	apdu := EncodeComplexAck(3, ServiceReadProperty, data)
	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeComplexAck, decoded.Type)
	assert.Equal(t, uint8(3), decoded.InvokeID)
	assert.Equal(t, data, decoded.Data)
}

func TestErrorAPDURoundTrip(t *testing.T) {
	apdu := EncodeErrorAPDU(5, ServiceWriteProperty, ErrorClassProperty, ErrorCodeValueOutOfRange)
	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeError, decoded.Type)
	assert.Equal(t, uint8(5), decoded.InvokeID)

	decodedErr := decodeErrorAPDUPayload(decoded.Data)
	var bacnetErr *BACnetError
	require.ErrorAs(t, decodedErr, &bacnetErr)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)
}

func TestRejectAbortAPDURoundTrip(t *testing.T) {
	reject := EncodeRejectAPDU(11, RejectReasonInvalidTag)
	decoded, err := DecodeAPDU(reject)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeReject, decoded.Type)
	assert.Equal(t, byte(RejectReasonInvalidTag), decoded.Service)

	abort := EncodeAbortAPDU(12, true, AbortReasonSegmentationNotSupported)
	decoded, err = DecodeAPDU(abort)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeAbort, decoded.Type)
	assert.Equal(t, byte(AbortReasonSegmentationNotSupported), decoded.Service)
}

func TestDecodeAPDUShortBuffer(t *testing.T) {
	_, err := DecodeAPDU(nil)
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}

// TestUnrestrictedWhoIsBroadcast matches spec.md §8 scenario 1: encoding an
// unrestricted Who-Is broadcast with no range parameters.
func TestUnrestrictedWhoIsBroadcast(t *testing.T) {
	apdu := EncodeUnconfirmedRequest(ServiceWhoIs, nil)
	assert.Equal(t, []byte{byte(PDUTypeUnconfirmedRequest) << 4, byte(ServiceWhoIs)}, apdu)

	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeUnconfirmedRequest, decoded.Type)
	assert.Equal(t, byte(ServiceWhoIs), decoded.Service)
	assert.Empty(t, decoded.Data)

	low, high, err := decodeWhoIsRange(decoded.Data)
	require.NoError(t, err)
	assert.Nil(t, low)
	assert.Nil(t, high)
}

// TestRangedWhoIsParameters matches spec.md §8 scenario 2: the low/high
// limit parameter bytes `09 64 19 C8` (low=100, high=200).
func TestRangedWhoIsParameters(t *testing.T) {
	data := append(EncodeContextUnsigned(0, 100), EncodeContextUnsigned(1, 200)...)
	assert.Equal(t, []byte{0x09, 0x64, 0x19, 0xC8}, data)

	low, high, err := decodeWhoIsRange(data)
	require.NoError(t, err)
	require.NotNil(t, low)
	require.NotNil(t, high)
	assert.Equal(t, uint32(100), *low)
	assert.Equal(t, uint32(200), *high)
}

// TestIAmParameters matches spec.md §8 scenario 3: an I-Am from device
// 389001, vendor 42, built and parsed through this repo's own codec (the
// object-identifier/maxAPDU/segmentation/vendor field widths are chosen by
// EncodeUnsignedTag/EncodeEnumeratedTag, not hand-picked byte literals).
func TestIAmParameters(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeDevice, 389001)
	data := make([]byte, 0, 16)
	data = append(data, EncodeObjectIdentifierTag(oid)...)
	data = append(data, EncodeUnsignedTag(1476)...)
	data = append(data, EncodeEnumeratedTag(uint32(SegmentationNone))...)
	data = append(data, EncodeUnsignedTag(42)...)

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	require.NoError(t, err)
	require.Equal(t, uint8(TagObjectID), tagNum)
	require.Equal(t, TagClassApplication, class)
	gotOID := DecodeObjectIdentifierFromBytes(data[headerLen : headerLen+length])
	assert.Equal(t, oid, gotOID)
	offset := headerLen + length

	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	require.NoError(t, err)
	maxAPDU := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
	assert.Equal(t, uint32(1476), maxAPDU)
	offset += headerLen + length

	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	require.NoError(t, err)
	segmentation := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
	assert.Equal(t, uint32(SegmentationNone), segmentation)
	offset += headerLen + length

	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	require.NoError(t, err)
	vendor := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
	assert.Equal(t, uint32(42), vendor)
}

// TestReadPropertyWireLayout matches spec.md §8 scenario 4: reading
// AnalogInput(1).PresentValue = 72.5, request parameters `0C 00 00 00 01
// 19 55` and response parameters with the value wrapped in opening/closing
// context tag 3.
func TestReadPropertyWireLayout(t *testing.T) {
	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	reqParams := append(EncodeContextObjectIdentifier(0, objectID), EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	assert.Equal(t, []byte{0x0C, 0x00, 0x00, 0x00, 0x01, 0x19, 0x55}, reqParams)

	gotOID, gotProp, gotIdx, err := decodeReadPropertyRequest(reqParams)
	require.NoError(t, err)
	assert.Equal(t, objectID, gotOID)
	assert.Equal(t, PropertyPresentValue, gotProp)
	assert.Nil(t, gotIdx)

	respParams := make([]byte, 0, 16)
	respParams = append(respParams, EncodeContextObjectIdentifier(0, objectID)...)
	respParams = append(respParams, EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	respParams = append(respParams, EncodeOpeningTag(3)...)
	respParams = append(respParams, EncodeRealTag(72.5)...)
	respParams = append(respParams, EncodeClosingTag(3)...)

	assert.Equal(t,
		[]byte{0x0C, 0x00, 0x00, 0x00, 0x01, 0x19, 0x55, 0x3E, 0x44, 0x42, 0x91, 0x00, 0x00, 0x3F},
		respParams,
	)
}

// TestWritePropertyWireLayout matches spec.md §8 scenario 5: writing
// AnalogOutput(1).PresentValue = 74.0 at priority 8.
func TestWritePropertyWireLayout(t *testing.T) {
	objectID := NewObjectIdentifier(ObjectTypeAnalogOutput, 1)
	reqParams := make([]byte, 0, 32)
	reqParams = append(reqParams, EncodeContextObjectIdentifier(0, objectID)...)
	reqParams = append(reqParams, EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	reqParams = append(reqParams, EncodeOpeningTag(3)...)
	reqParams = append(reqParams, EncodeRealTag(74.0)...)
	reqParams = append(reqParams, EncodeClosingTag(3)...)
	reqParams = append(reqParams, EncodeContextUnsigned(4, 8)...)

	assert.Equal(t, []byte{
		0x0C, 0x00, 0x40, 0x00, 0x01,
		0x19, 0x55,
		0x3E, 0x44, 0x42, 0x94, 0x00, 0x00, 0x3F,
		0x49, 0x08,
	}, reqParams)

	gotOID, gotProp, gotIdx, gotValue, gotPriority, err := decodeWritePropertyRequest(reqParams)
	require.NoError(t, err)
	assert.Equal(t, objectID, gotOID)
	assert.Equal(t, PropertyPresentValue, gotProp)
	assert.Nil(t, gotIdx)
	assert.Equal(t, float32(74.0), gotValue)
	require.NotNil(t, gotPriority)
	assert.Equal(t, uint8(8), *gotPriority)
}

// TestWritePropertyOutOfRangeError matches spec.md §8 scenario 6: writing
// a value outside an object's configured present-value range yields
// error-class=Property (2), error-code=ValueOutOfRange (37), encoded as
// two application-tagged Enumerated values in the Error APDU body.
func TestWritePropertyOutOfRangeError(t *testing.T) {
	apdu := EncodeErrorAPDU(4, ServiceWriteProperty, ErrorClassProperty, ErrorCodeValueOutOfRange)
	assert.Equal(t, []byte{0x91, 0x02, 0x91, 0x25}, apdu[3:])

	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)
	bacnetErr, ok := decodeErrorAPDUPayload(decoded.Data).(*BACnetError)
	require.True(t, ok)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)
}
