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
	"fmt"
	"log/slog"
	"net"

	"github.com/edgeo-scada/bacnet/internal/transport"
)

// serverOptions configures a Server (spec.md §6 configuration block:
// bind-address, port, max-apdu-len, segmentation-support).
type serverOptions struct {
	localAddress  string
	maxAPDULength uint16
	segmentation  Segmentation
	vendorID      uint16
	logger        *slog.Logger
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		localAddress:  fmt.Sprintf(":%d", DefaultPort),
		maxAPDULength: MaxAPDULength,
		segmentation:  SegmentationNone,
		logger:        slog.Default(),
	}
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*serverOptions)

// WithServerLocalAddress sets the local address the server binds to.
func WithServerLocalAddress(addr string) ServerOption {
	return func(o *serverOptions) {
		o.localAddress = addr
	}
}

// WithServerMaxAPDULength sets the max-APDU-length-accepted advertised in I-Am.
func WithServerMaxAPDULength(length uint16) ServerOption {
	return func(o *serverOptions) {
		o.maxAPDULength = length
	}
}

// WithServerVendorID sets the vendor ID advertised in I-Am.
func WithServerVendorID(id uint16) ServerOption {
	return func(o *serverOptions) {
		o.vendorID = id
	}
}

// WithServerLogger sets the logger used by the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// Server is a BACnet/IP device: it binds a UDP socket via the shared
// driver, answers Who-Is with I-Am, and serves ReadProperty/WriteProperty
// against its Registry (spec.md §4.8 "Server").
type Server struct {
	opts     *serverOptions
	deviceID uint32

	transport *transport.UDPTransport
	driver    *driver
	registry  *Registry
	metrics   *Metrics
	logger    *slog.Logger
}

// NewServer creates a server for the device instance deviceID. Objects are
// added via Registry() before or after Start.
func NewServer(deviceID uint32, opts ...ServerOption) *Server {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}

	metrics := NewMetrics()
	t := transport.NewUDPTransport(o.localAddress)
	d := newDriver(t, o.logger, metrics)

	s := &Server{
		opts:      o,
		deviceID:  deviceID,
		transport: t,
		driver:    d,
		registry:  NewRegistry(),
		metrics:   metrics,
		logger:    o.logger,
	}

	device := NewDevice(deviceID, "")
	device.SetProperty(PropertyVendorIdentifier, uint32(o.vendorID))
	device.SetProperty(PropertyMaxApduLengthAccepted, uint32(o.maxAPDULength))
	device.SetProperty(PropertySegmentationSupported, uint32(o.segmentation))
	_ = s.registry.Add(device.Object)

	d.setHandler(s.handleFrame)
	return s
}

// Registry exposes the device-local object table so callers can add
// objects before or after Start.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's metrics snapshot source.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start opens the UDP socket and launches the receive loop.
func (s *Server) Start(ctx context.Context) error {
	if err := s.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	s.driver.start()
	s.logger.Info("bacnet server started",
		slog.String("address", s.transport.LocalAddr().String()),
		slog.Uint64("device_id", uint64(s.deviceID)),
	)
	return nil
}

// Shutdown stops the receive loop and closes the socket.
func (s *Server) Shutdown() error {
	s.driver.shutdown()
	return s.transport.Close()
}

func (s *Server) handleFrame(apdu *APDU, npdu *NPDU, addr *net.UDPAddr) {
	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		s.handleUnconfirmed(apdu, addr)
	case PDUTypeConfirmedRequest:
		s.handleConfirmed(apdu, addr)
	}
}

func (s *Server) handleUnconfirmed(apdu *APDU, addr *net.UDPAddr) {
	switch UnconfirmedServiceChoice(apdu.Service) {
	case ServiceWhoIs:
		s.handleWhoIs(apdu.Data, addr)
	}
}

// handleWhoIs replies with I-Am when the request has no range or the
// server's own instance falls within [low, high] (spec.md §4.5 IAm).
func (s *Server) handleWhoIs(data []byte, addr *net.UDPAddr) {
	low, high, err := decodeWhoIsRange(data)
	if err != nil {
		s.logger.Debug("malformed who-is", slog.String("error", err.Error()))
		return
	}
	if low != nil && high != nil && (s.deviceID < *low || s.deviceID > *high) {
		return
	}
	s.replyIAm(addr)
}

func (s *Server) replyIAm(addr *net.UDPAddr) {
	data := make([]byte, 0, 16)
	data = append(data, EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeDevice, s.deviceID))...)
	data = append(data, EncodeUnsignedTag(uint32(s.opts.maxAPDULength))...)
	data = append(data, EncodeEnumeratedTag(uint32(s.opts.segmentation))...)
	data = append(data, EncodeUnsignedTag(uint32(s.opts.vendorID))...)

	if err := s.driver.sendUnconfirmed(context.Background(), addr, false, ServiceIAm, data); err != nil {
		s.logger.Debug("send i-am failed", slog.String("error", err.Error()))
	}
}

// decodeWhoIsRange parses the optional context-0/context-1 low/high-limit
// pair (spec.md §4.5). No limits present is a global Who-Is.
func decodeWhoIsRange(data []byte) (low, high *uint32, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || class != TagClassContext || tagNum != 0 {
		return nil, nil, nil
	}
	lowVal := DecodeUnsigned(data[headerLen : headerLen+length])
	offset := headerLen + length

	if len(data) <= offset {
		return nil, nil, ErrInvalidAPDU
	}
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || class != TagClassContext || tagNum != 1 {
		return nil, nil, ErrInvalidAPDU
	}
	highVal := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])

	if lowVal > highVal {
		return nil, nil, ErrInvalidAPDU
	}
	return &lowVal, &highVal, nil
}

// handleConfirmed dispatches ReadProperty/WriteProperty, rejecting any
// segmented confirmed request per §9's resolved Open Question 3.
func (s *Server) handleConfirmed(apdu *APDU, addr *net.UDPAddr) {
	ctx := context.Background()
	service := ConfirmedServiceChoice(apdu.Service)

	if apdu.Segmented {
		s.sendError(ctx, addr, apdu.InvokeID, service, ErrorClassServices, ErrorCodeOptionalFunctionalityNotSupported)
		return
	}

	switch service {
	case ServiceReadProperty:
		s.handleReadProperty(ctx, apdu, addr)
	case ServiceWriteProperty:
		s.handleWriteProperty(ctx, apdu, addr)
	default:
		s.sendReject(ctx, addr, apdu.InvokeID, RejectReasonUnrecognizedService)
	}
}

func (s *Server) handleReadProperty(ctx context.Context, apdu *APDU, addr *net.UDPAddr) {
	objectID, propertyID, arrayIndex, err := decodeReadPropertyRequest(apdu.Data)
	if err != nil {
		s.sendReject(ctx, addr, apdu.InvokeID, RejectReasonInvalidTag)
		return
	}

	value, err := s.registry.ReadProperty(objectID, propertyID, arrayIndex)
	if err != nil {
		s.sendServiceError(ctx, addr, apdu.InvokeID, ServiceReadProperty, err)
		return
	}

	resp := make([]byte, 0, 32)
	resp = append(resp, EncodeContextObjectIdentifier(0, objectID)...)
	resp = append(resp, EncodeContextEnumerated(1, uint32(propertyID))...)
	if arrayIndex != nil {
		resp = append(resp, EncodeContextUnsigned(2, *arrayIndex)...)
	}
	resp = append(resp, EncodeOpeningTag(3)...)
	encoded, err := encodeApplicationValue(value)
	if err != nil {
		s.sendError(ctx, addr, apdu.InvokeID, ServiceReadProperty, ErrorClassProperty, ErrorCodeDatatypeNotSupported)
		return
	}
	resp = append(resp, encoded...)
	resp = append(resp, EncodeClosingTag(3)...)

	s.sendReply(ctx, addr, EncodeComplexAck(apdu.InvokeID, ServiceReadProperty, resp))
}

func (s *Server) handleWriteProperty(ctx context.Context, apdu *APDU, addr *net.UDPAddr) {
	objectID, propertyID, arrayIndex, value, priority, err := decodeWritePropertyRequest(apdu.Data)
	if err != nil {
		s.sendReject(ctx, addr, apdu.InvokeID, RejectReasonInvalidTag)
		return
	}

	if err := s.registry.WriteProperty(objectID, propertyID, value, arrayIndex, priority); err != nil {
		s.sendServiceError(ctx, addr, apdu.InvokeID, ServiceWriteProperty, err)
		return
	}

	s.sendReply(ctx, addr, EncodeSimpleAck(apdu.InvokeID, ServiceWriteProperty))
}

func (s *Server) sendReply(ctx context.Context, addr *net.UDPAddr, apdu []byte) {
	if err := s.driver.sendReply(ctx, addr, apdu); err != nil {
		s.logger.Debug("send reply failed", slog.String("error", err.Error()))
	}
}

func (s *Server) sendError(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice, class ErrorClass, code ErrorCode) {
	s.metrics.ErrorsReceived.Inc()
	s.sendReply(ctx, addr, EncodeErrorAPDU(invokeID, service, class, code))
}

// sendServiceError maps a Registry/Object error (always a *BACnetError
// per spec.md §4.4) onto an Error APDU.
func (s *Server) sendServiceError(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice, err error) {
	if bacnetErr, ok := err.(*BACnetError); ok {
		s.sendError(ctx, addr, invokeID, service, bacnetErr.Class, bacnetErr.Code)
		return
	}
	s.sendError(ctx, addr, invokeID, service, ErrorClassDevice, ErrorCodeOther)
}

func (s *Server) sendReject(ctx context.Context, addr *net.UDPAddr, invokeID uint8, reason RejectReason) {
	s.metrics.RejectsReceived.Inc()
	s.sendReply(ctx, addr, EncodeRejectAPDU(invokeID, reason))
}

// decodeReadPropertyRequest parses context-0 object-id, context-1
// property-id, optional context-2 array-index (spec.md §4.5).
func decodeReadPropertyRequest(data []byte) (ObjectIdentifier, PropertyIdentifier, *uint32, error) {
	if len(data) < 2 {
		return ObjectIdentifier{}, 0, nil, ErrInvalidAPDU
	}

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || tagNum != 0 || class != TagClassContext {
		return ObjectIdentifier{}, 0, nil, ErrInvalidAPDU
	}
	objectID := DecodeObjectIdentifierFromBytes(data[headerLen : headerLen+length])
	offset := headerLen + length

	if len(data) <= offset {
		return ObjectIdentifier{}, 0, nil, ErrInvalidAPDU
	}
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 1 || class != TagClassContext {
		return ObjectIdentifier{}, 0, nil, ErrInvalidAPDU
	}
	propertyID := PropertyIdentifier(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	var arrayIndex *uint32
	if len(data) > offset {
		tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
		if err == nil && tagNum == 2 && class == TagClassContext {
			idx := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
			arrayIndex = &idx
		}
	}

	return objectID, propertyID, arrayIndex, nil
}

// decodeWritePropertyRequest parses context-0 object-id, context-1
// property-id, optional context-2 array-index, context-3-opening one
// application-tagged value context-3-closing, optional context-4
// priority (spec.md §4.5).
func decodeWritePropertyRequest(data []byte) (ObjectIdentifier, PropertyIdentifier, *uint32, interface{}, *uint8, error) {
	if len(data) < 2 {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || tagNum != 0 || class != TagClassContext {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	objectID := DecodeObjectIdentifierFromBytes(data[headerLen : headerLen+length])
	offset := headerLen + length

	if len(data) <= offset {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 1 || class != TagClassContext {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	propertyID := PropertyIdentifier(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	var arrayIndex *uint32
	if len(data) <= offset {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	if tagNum == 2 && class == TagClassContext {
		idx := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
		arrayIndex = &idx
		offset += headerLen + length

		tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
		if err != nil {
			return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
		}
	}

	if tagNum != 3 || class != TagClassContext || length != -1 {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	offset++

	value, consumed, err := decodeApplicationValue(data[offset:])
	if err != nil {
		return ObjectIdentifier{}, 0, nil, nil, nil, err
	}
	offset += consumed

	if len(data) <= offset {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	tagNum, class, _, _, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 3 || class != TagClassContext {
		return ObjectIdentifier{}, 0, nil, nil, nil, ErrInvalidAPDU
	}
	offset++

	var priority *uint8
	if len(data) > offset {
		tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
		if err == nil && tagNum == 4 && class == TagClassContext {
			p := uint8(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
			priority = &p
		}
	}

	return objectID, propertyID, arrayIndex, value, priority, nil
}

// decodeApplicationValue decodes a single application-tagged value,
// returning the number of bytes consumed so callers can locate the
// closing context tag that follows it.
func decodeApplicationValue(data []byte) (interface{}, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrInvalidAPDU
	}

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || class != TagClassApplication {
		return nil, 0, ErrInvalidAPDU
	}

	valueData := data[headerLen : headerLen+length]
	consumed := headerLen + length

	switch ApplicationTag(tagNum) {
	case TagNull:
		return nil, consumed, nil
	case TagBoolean:
		return length == 1, consumed, nil
	case TagUnsignedInt:
		return DecodeUnsigned(valueData), consumed, nil
	case TagSignedInt:
		return DecodeSigned(valueData), consumed, nil
	case TagReal:
		return DecodeReal(valueData), consumed, nil
	case TagDouble:
		return DecodeDouble(valueData), consumed, nil
	case TagOctetString:
		return valueData, consumed, nil
	case TagCharacterString:
		s, err := DecodeCharacterString(valueData)
		return s, consumed, err
	case TagBitString:
		bs, err := DecodeBitString(valueData)
		return bs, consumed, err
	case TagEnumerated:
		return DecodeUnsigned(valueData), consumed, nil
	case TagDate:
		d, err := DecodeDate(valueData)
		return d, consumed, err
	case TagTime:
		t, err := DecodeTime(valueData)
		return t, consumed, err
	case TagObjectID:
		return DecodeObjectIdentifierFromBytes(valueData), consumed, nil
	default:
		return valueData, consumed, nil
	}
}

// encodeApplicationValue is the server-side mirror of Client's
// encodePropertyValue, used to build ReadProperty Complex-Ack payloads.
func encodeApplicationValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte{0x00}, nil
	case bool:
		return EncodeBooleanTag(v), nil
	case uint32:
		return EncodeUnsignedTag(v), nil
	case int32:
		return EncodeSignedTag(v), nil
	case float32:
		return EncodeRealTag(v), nil
	case float64:
		return EncodeDoubleTag(v), nil
	case string:
		return EncodeCharacterStringTag(v), nil
	case []byte:
		return EncodeOctetStringTag(v), nil
	case BitString:
		return EncodeBitStringTag(v), nil
	case Date:
		return EncodeDateTag(v), nil
	case Time:
		return EncodeTimeTag(v), nil
	case ObjectIdentifier:
		return EncodeObjectIdentifierTag(v), nil
	case []interface{}:
		buf := make([]byte, 0, len(v)*4)
		for _, elem := range v {
			encoded, err := encodeApplicationValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, encoded...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedEncoding, value)
	}
}
