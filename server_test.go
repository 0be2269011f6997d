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
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is a raw UDP socket used to drive a Server end-to-end without
// going through a driver of its own.
type testClient struct {
	t    *testing.T
	conn *net.UDPConn
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp4", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) sendAPDU(serverAddr *net.UDPAddr, apdu []byte) {
	npdu := EncodeNPDU(true, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))
	packet := append(append(bvlc, npdu...), apdu...)
	_, err := c.conn.WriteToUDP(packet, serverAddr)
	require.NoError(c.t, err)
}

// recvAPDU reads one datagram and strips the BVLC/NPDU envelope, returning
// the decoded APDU.
func (c *testClient) recvAPDU() *APDU {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := c.conn.ReadFromUDP(buf)
	require.NoError(c.t, err)
	data := buf[:n]

	_, err = DecodeBVLC(data)
	require.NoError(c.t, err)
	npdu, offset, err := DecodeNPDU(data[4:])
	require.NoError(c.t, err)
	_ = npdu

	apdu, err := DecodeAPDU(data[4+offset:])
	require.NoError(c.t, err)
	return apdu
}

func newTestServer(t *testing.T, deviceID uint32, opts ...ServerOption) (*Server, *net.UDPAddr) {
	t.Helper()
	opts = append([]ServerOption{
		WithServerLocalAddress("127.0.0.1:0"),
		WithServerLogger(discardLogger()),
	}, opts...)
	s := NewServer(deviceID, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown() })

	ai := NewObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1), "AI1")
	ai.SetPresentValueRange(0, 100)
	ai.SetProperty(PropertyPresentValue, float32(72.5))
	require.NoError(t, s.Registry().Add(ai))

	ao := NewObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1), "AO1")
	ao.SetPresentValueRange(0, 100)
	ao.SetProperty(PropertyPresentValue, float32(0))
	require.NoError(t, s.Registry().Add(ao))

	serverAddr, err := net.ResolveUDPAddr("udp4", s.transport.LocalAddr().String())
	require.NoError(t, err)
	return s, serverAddr
}

// TestServerUnrestrictedWhoIsGetsIAm matches spec.md §8 scenario 1: a
// global Who-Is always gets an I-Am reply.
func TestServerUnrestrictedWhoIsGetsIAm(t *testing.T) {
	s, serverAddr := newTestServer(t, 389001)
	client := newTestClient(t)

	client.sendAPDU(serverAddr, EncodeUnconfirmedRequest(ServiceWhoIs, nil))

	apdu := client.recvAPDU()
	assert.Equal(t, PDUTypeUnconfirmedRequest, apdu.Type)
	assert.Equal(t, byte(ServiceIAm), apdu.Service)

	tagNum, _, length, headerLen, err := DecodeTagNumber(apdu.Data)
	require.NoError(t, err)
	require.Equal(t, uint8(TagObjectID), tagNum)
	oid := DecodeObjectIdentifierFromBytes(apdu.Data[headerLen : headerLen+length])
	assert.Equal(t, uint32(389001), oid.Instance)
	_ = s
}

// TestServerRangedWhoIsOutOfRangeGetsNoReply matches spec.md §8 scenario 2
// semantics: a ranged Who-Is that excludes this device's instance gets no
// I-Am.
func TestServerRangedWhoIsOutOfRangeGetsNoReply(t *testing.T) {
	_, serverAddr := newTestServer(t, 500)
	client := newTestClient(t)

	data := append(EncodeContextUnsigned(0, 100), EncodeContextUnsigned(1, 200)...)
	client.sendAPDU(serverAddr, EncodeUnconfirmedRequest(ServiceWhoIs, data))

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	buf := make([]byte, 64)
	_, _, err := client.conn.ReadFromUDP(buf)
	assert.Error(t, err, "device 500 is outside [100,200] and must not reply")
}

func TestServerRangedWhoIsInRangeGetsIAm(t *testing.T) {
	_, serverAddr := newTestServer(t, 150)
	client := newTestClient(t)

	data := append(EncodeContextUnsigned(0, 100), EncodeContextUnsigned(1, 200)...)
	client.sendAPDU(serverAddr, EncodeUnconfirmedRequest(ServiceWhoIs, data))

	apdu := client.recvAPDU()
	assert.Equal(t, byte(ServiceIAm), apdu.Service)
}

// TestServerReadPropertyDispatch matches spec.md §8 scenario 4 at the full
// dispatch level.
func TestServerReadPropertyDispatch(t *testing.T) {
	_, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	params := append(EncodeContextObjectIdentifier(0, objectID), EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	client.sendAPDU(serverAddr, EncodeConfirmedRequest(11, ServiceReadProperty, params, 0, uint8(MaxAPDULength&0xFF)))

	apdu := client.recvAPDU()
	require.Equal(t, PDUTypeComplexAck, apdu.Type)
	assert.Equal(t, uint8(11), apdu.InvokeID)
	assert.Equal(t, byte(ServiceReadProperty), apdu.Service)

	gotOID, gotProp, _, err := decodeReadPropertyRequest(apdu.Data)
	require.NoError(t, err)
	assert.Equal(t, objectID, gotOID)
	assert.Equal(t, PropertyPresentValue, gotProp)
}

func TestServerReadPropertyUnknownObjectReturnsError(t *testing.T) {
	_, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 99)
	params := append(EncodeContextObjectIdentifier(0, objectID), EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	client.sendAPDU(serverAddr, EncodeConfirmedRequest(3, ServiceReadProperty, params, 0, 50))

	apdu := client.recvAPDU()
	require.Equal(t, PDUTypeError, apdu.Type)

	err := decodeErrorAPDUPayload(apdu.Data)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassObject, bacnetErr.Class)
	assert.Equal(t, ErrorCodeUnknownObject, bacnetErr.Code)
}

// TestServerWritePropertyDispatch matches spec.md §8 scenario 5 at the full
// dispatch level.
func TestServerWritePropertyDispatch(t *testing.T) {
	s, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	objectID := NewObjectIdentifier(ObjectTypeAnalogOutput, 1)
	var params []byte
	params = append(params, EncodeContextObjectIdentifier(0, objectID)...)
	params = append(params, EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	params = append(params, EncodeOpeningTag(3)...)
	params = append(params, EncodeRealTag(74.0)...)
	params = append(params, EncodeClosingTag(3)...)
	params = append(params, EncodeContextUnsigned(4, 8)...)

	client.sendAPDU(serverAddr, EncodeConfirmedRequest(21, ServiceWriteProperty, params, 0, 50))

	apdu := client.recvAPDU()
	require.Equal(t, PDUTypeSimpleAck, apdu.Type)
	assert.Equal(t, uint8(21), apdu.InvokeID)

	value, err := s.Registry().ReadProperty(objectID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(74.0), value)
}

// TestServerWritePropertyOutOfRangeDispatch matches spec.md §8 scenario 6
// at the full dispatch level.
func TestServerWritePropertyOutOfRangeDispatch(t *testing.T) {
	_, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	objectID := NewObjectIdentifier(ObjectTypeAnalogOutput, 1)
	var params []byte
	params = append(params, EncodeContextObjectIdentifier(0, objectID)...)
	params = append(params, EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	params = append(params, EncodeOpeningTag(3)...)
	params = append(params, EncodeRealTag(250.0)...)
	params = append(params, EncodeClosingTag(3)...)

	client.sendAPDU(serverAddr, EncodeConfirmedRequest(4, ServiceWriteProperty, params, 0, 50))

	apdu := client.recvAPDU()
	require.Equal(t, PDUTypeError, apdu.Type)

	err := decodeErrorAPDUPayload(apdu.Data)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)
}

// TestServerWritePropertyOutOfRangeDispatchAnalogInput matches spec.md §8
// scenario 6 verbatim: the object is an AnalogInput, not a commandable
// output, and the dispatch must still return an Error rather than a
// Simple-Ack.
func TestServerWritePropertyOutOfRangeDispatchAnalogInput(t *testing.T) {
	_, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	var params []byte
	params = append(params, EncodeContextObjectIdentifier(0, objectID)...)
	params = append(params, EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	params = append(params, EncodeOpeningTag(3)...)
	params = append(params, EncodeRealTag(250.0)...)
	params = append(params, EncodeClosingTag(3)...)

	client.sendAPDU(serverAddr, EncodeConfirmedRequest(5, ServiceWriteProperty, params, 0, 50))

	apdu := client.recvAPDU()
	require.Equal(t, PDUTypeError, apdu.Type)

	err := decodeErrorAPDUPayload(apdu.Data)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)
}

// TestServerSegmentedRequestRejected matches §9's resolved Open Question 3:
// a segmented confirmed request is rejected before any service parsing.
func TestServerSegmentedRequestRejected(t *testing.T) {
	_, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	objectID := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	params := append(EncodeContextObjectIdentifier(0, objectID), EncodeContextEnumerated(1, uint32(PropertyPresentValue))...)
	apdu := EncodeConfirmedRequest(9, ServiceReadProperty, params, 0, 50)
	// Set the segmented-request bit (bit 3 of the first PDU byte).
	apdu[0] |= 0x08

	client.sendAPDU(serverAddr, apdu)

	resp := client.recvAPDU()
	require.Equal(t, PDUTypeError, resp.Type)

	err := decodeErrorAPDUPayload(resp.Data)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassServices, bacnetErr.Class)
	assert.Equal(t, ErrorCodeOptionalFunctionalityNotSupported, bacnetErr.Code)
}

func TestServerUnrecognizedServiceRejected(t *testing.T) {
	_, serverAddr := newTestServer(t, 1)
	client := newTestClient(t)

	client.sendAPDU(serverAddr, EncodeConfirmedRequest(6, ConfirmedServiceChoice(99), nil, 0, 50))

	resp := client.recvAPDU()
	assert.Equal(t, PDUTypeReject, resp.Type)
}
