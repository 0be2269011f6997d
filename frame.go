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
	"encoding/binary"
	"fmt"
)

// BVLCHeader is the BACnet Virtual Link Control envelope.
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC encodes a BVLC header for an NPDU payload of npduLength bytes.
func EncodeBVLC(function BVLCFunction, npduLength int) []byte {
	totalLength := 4 + npduLength
	buf := make([]byte, 4)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(totalLength))
	return buf
}

// DecodeBVLC decodes a BVLC header. The declared length must equal the
// length of the full buffer it was read from; callers pass the whole
// received datagram as data.
func DecodeBVLC(data []byte) (*BVLCHeader, error) {
	if len(data) < 4 {
		return nil, ErrInvalidBVLC
	}
	h := &BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}
	if h.Type != BVLCTypeBACnetIP {
		return nil, fmt.Errorf("%w: type %#x", ErrWrongLink, data[0])
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("%w: declared %d, got %d", ErrBadLength, h.Length, len(data))
	}
	return h, nil
}

// NPDU is a decoded Network Protocol Data Unit.
type NPDU struct {
	Version      uint8
	Control      NPDUControl
	DestNet      uint16
	DestAddr     []byte
	DestHopCount uint8
	SrcNet       uint16
	SrcAddr      []byte
	MessageType  NetworkMessageType
	VendorID     uint16
	Data         []byte
}

// EncodeNPDU encodes an NPDU for unicast/broadcast delivery with no routing.
func EncodeNPDU(expectingReply bool, priority NPDUControl) []byte {
	control := priority
	if expectingReply {
		control |= NPDUControlExpectingReply
	}
	return []byte{0x01, byte(control)}
}

// EncodeNPDUWithDest encodes an NPDU carrying a remote network destination.
func EncodeNPDUWithDest(destNet uint16, destAddr []byte, hopCount uint8, expectingReply bool, priority NPDUControl) []byte {
	control := priority | NPDUControlDestSpecifier
	if expectingReply {
		control |= NPDUControlExpectingReply
	}

	buf := make([]byte, 0, 8+len(destAddr))
	buf = append(buf, 0x01)
	buf = append(buf, byte(control))
	buf = append(buf, byte(destNet>>8), byte(destNet))
	buf = append(buf, byte(len(destAddr)))
	buf = append(buf, destAddr...)
	buf = append(buf, hopCount)

	return buf
}

// DecodeNPDU decodes an NPDU and returns the number of bytes consumed so
// the caller can locate the following application payload.
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrInvalidNPDU
	}

	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}

	if npdu.Version != 0x01 {
		return nil, 0, fmt.Errorf("%w: version %d", ErrVersionMismatch, npdu.Version)
	}

	offset := 2

	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestAddr = make([]byte, addrLen)
		copy(npdu.DestAddr, data[offset:offset+addrLen])
		offset += addrLen

		npdu.DestHopCount = data[offset]
		offset++
	}

	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcAddr = make([]byte, addrLen)
		copy(npdu.SrcAddr, data[offset:offset+addrLen])
		offset += addrLen
	}

	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.MessageType = NetworkMessageType(data[offset])
		offset++

		if npdu.MessageType >= 0x80 {
			if len(data) < offset+2 {
				return nil, 0, ErrInvalidNPDU
			}
			npdu.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	npdu.Data = data[offset:]
	return npdu, offset, nil
}

// APDU is a decoded Application Protocol Data Unit.
type APDU struct {
	Type         PDUType
	Segmented    bool
	MoreFollows  bool
	SegmentedAck bool
	MaxSegments  uint8
	MaxAPDU      uint8
	InvokeID     uint8
	SequenceNum  uint8
	WindowSize   uint8
	Service      uint8
	Data         []byte
}

// EncodeConfirmedRequest encodes an unsegmented confirmed-service-request APDU.
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, data []byte, maxSegments, maxAPDU uint8) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest)<<4)
	buf = append(buf, (maxSegments<<4)|maxAPDU)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeUnconfirmedRequest encodes an unconfirmed-service-request APDU.
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest)<<4)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeSimpleAck encodes a Simple-Ack APDU.
func EncodeSimpleAck(invokeID uint8, service ConfirmedServiceChoice) []byte {
	return []byte{byte(PDUTypeSimpleAck) << 4, invokeID, byte(service)}
}

// EncodeComplexAck encodes an unsegmented Complex-Ack APDU.
func EncodeComplexAck(invokeID uint8, service ConfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck)<<4)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, data...)
	return buf
}

// EncodeErrorAPDU encodes an Error APDU: the original service choice plus
// an application-tagged error class and error code.
func EncodeErrorAPDU(invokeID uint8, service ConfirmedServiceChoice, class ErrorClass, code ErrorCode) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, byte(PDUTypeError)<<4)
	buf = append(buf, invokeID)
	buf = append(buf, byte(service))
	buf = append(buf, EncodeEnumeratedTag(uint32(class))...)
	buf = append(buf, EncodeEnumeratedTag(uint32(code))...)
	return buf
}

// EncodeRejectAPDU encodes a Reject APDU.
func EncodeRejectAPDU(invokeID uint8, reason RejectReason) []byte {
	return []byte{byte(PDUTypeReject) << 4, invokeID, byte(reason)}
}

// EncodeAbortAPDU encodes an Abort APDU.
func EncodeAbortAPDU(invokeID uint8, server bool, reason AbortReason) []byte {
	flags := byte(PDUTypeAbort) << 4
	if server {
		flags |= 0x01
	}
	return []byte{flags, invokeID, byte(reason)}
}

// DecodeAPDU decodes an APDU, dispatching on the PDU type in the top
// nibble of the first octet.
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}

	pduType := PDUType((data[0] >> 4) & 0x0F)

	switch pduType {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeSimpleAck:
		return decodeSimpleAck(data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeSegmentAck:
		return decodeSegmentAck(data)
	case PDUTypeError:
		return decodeErrorAPDU(data)
	case PDUTypeReject:
		return decodeRejectAPDU(data)
	case PDUTypeAbort:
		return decodeAbortAPDU(data)
	default:
		return nil, fmt.Errorf("%w: unknown PDU type %d", ErrInvalidAPDU, pduType)
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeConfirmedRequest,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		MaxSegments: (data[1] >> 4) & 0x07,
		MaxAPDU:     data[1] & 0x0F,
		InvokeID:    data[2],
		Service:     data[3],
		Data:        data[4:],
	}

	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[4]
		apdu.WindowSize = data[5]
		apdu.Data = data[6:]
	}

	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

func decodeSimpleAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeSimpleAck,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		InvokeID:    data[1],
		Service:     data[2],
		Data:        data[3:],
	}

	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[3]
		apdu.WindowSize = data[4]
		apdu.Data = data[5:]
	}

	return apdu, nil
}

func decodeSegmentAck(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:         PDUTypeSegmentAck,
		SegmentedAck: data[0]&0x02 != 0,
		InvokeID:     data[1],
		SequenceNum:  data[2],
		WindowSize:   data[3],
	}, nil
}

func decodeErrorAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeError,
		InvokeID: data[1],
		Service:  data[2],
		Data:     data[3:],
	}, nil
}

func decodeRejectAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeReject,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeAbortAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     PDUTypeAbort,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}
