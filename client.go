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
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/bacnet/internal/transport"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Client is a BACnet/IP client. It owns a transport and driver and
// delegates device discovery to a DeviceManager (spec.md §4.6, §4.7).
type Client struct {
	opts      *clientOptions
	transport *transport.UDPTransport
	driver    *driver
	devices   *DeviceManager

	state atomic.Int32

	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new BACnet client
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	metrics := NewMetrics()
	t := transport.NewUDPTransport(options.localAddress)
	t.SetReadTimeout(options.timeout)
	t.SetWriteTimeout(options.timeout)

	d := newDriver(t, options.logger, metrics)

	c := &Client{
		opts:      options,
		transport: t,
		driver:    d,
		devices:   newDeviceManager(d, options.logger, metrics),
		metrics:   metrics,
		logger:    options.logger,
	}

	d.setHandler(c.handleUnconfirmedFrame)

	return c, nil
}

// Connect opens the BACnet client connection
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.metrics.ConnectAttempts.Inc()

	if err := c.transport.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.metrics.ConnectFailures.Inc()
		return fmt.Errorf("open transport: %w", err)
	}

	c.driver.start()

	c.state.Store(int32(StateConnected))
	c.metrics.ConnectSuccesses.Inc()

	c.logger.Info("connected",
		slog.String("local_addr", c.transport.LocalAddr().String()),
	)

	return nil
}

// Close closes the BACnet client connection
func (c *Client) Close() error {
	if c.state.Load() == int32(StateDisconnected) {
		return nil
	}

	c.state.Store(int32(StateDisconnected))
	c.metrics.Disconnects.Inc()

	c.driver.shutdown()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	c.logger.Info("disconnected")
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Devices returns the device manager backing Who-Is discovery and the
// device address cache (spec.md §4.7).
func (c *Client) Devices() *DeviceManager {
	return c.devices
}

// handleUnconfirmedFrame is the driver's frameHandler callback: the only
// unconfirmed service a client acts on is I-Am.
func (c *Client) handleUnconfirmedFrame(apdu *APDU, npdu *NPDU, addr *net.UDPAddr) {
	c.metrics.ResponsesReceived.Inc()

	if apdu.Type != PDUTypeUnconfirmedRequest {
		return
	}
	if UnconfirmedServiceChoice(apdu.Service) == ServiceIAm {
		c.devices.handleIAm(apdu.Data, addr, npdu)
	}
}

// sendRequest sends a confirmed request and waits for the response.
func (c *Client) sendRequest(ctx context.Context, addr *net.UDPAddr, service ConfirmedServiceChoice, data []byte) (*APDU, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}
	return c.driver.sendConfirmed(ctx, addr, service, data, 0, 5)
}

// sendUnconfirmedRequest sends an unconfirmed request.
func (c *Client) sendUnconfirmedRequest(ctx context.Context, addr *net.UDPAddr, broadcast bool, service UnconfirmedServiceChoice, data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.driver.sendUnconfirmed(ctx, addr, broadcast, service, data)
}

// WhoIs sends a Who-Is request and collects I-Am responses until the
// discovery timeout or ctx cancellation (spec.md §4.7).
func (c *Client) WhoIs(ctx context.Context, opts ...DiscoverOption) ([]*DeviceInfo, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return c.devices.DiscoverDevices(ctx, opts...)
}

// GetDevice returns information about a discovered device
func (c *Client) GetDevice(deviceID uint32) (*DeviceInfo, bool) {
	return c.devices.Get(deviceID)
}

// resolveDevice resolves a device ID to its address, discovering it via a
// targeted Who-Is if it is not already cached.
func (c *Client) resolveDevice(ctx context.Context, deviceID uint32) (*net.UDPAddr, error) {
	dev, ok := c.devices.Get(deviceID)
	if !ok {
		_, err := c.WhoIs(ctx, WithDeviceRange(deviceID, deviceID), WithDiscoveryTimeout(2*time.Second))
		if err != nil {
			return nil, err
		}

		dev, ok = c.devices.Get(deviceID)
		if !ok {
			return nil, ErrDeviceNotFound
		}
	}

	switch len(dev.Address.Addr) {
	case 4:
		return &net.UDPAddr{IP: net.IP(dev.Address.Addr), Port: DefaultPort}, nil
	case 6:
		return &net.UDPAddr{
			IP:   net.IP(dev.Address.Addr[:4]),
			Port: int(binary.BigEndian.Uint16(dev.Address.Addr[4:])),
		}, nil
	default:
		return nil, fmt.Errorf("invalid device address format")
	}
}

// ReadProperty reads a property from a BACnet object
func (c *Client) ReadProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, opts ...ReadOption) (interface{}, error) {
	options := &ReadOptions{}
	for _, opt := range opts {
		opt(options)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 16)
	data = append(data, EncodeContextObjectIdentifier(0, objectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(propertyID))...)
	if options.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *options.ArrayIndex)...)
	}

	resp, err := c.sendRequest(ctx, addr, ServiceReadProperty, data)
	if err != nil {
		return nil, err
	}

	return c.decodeReadPropertyResponse(resp.Data)
}

// decodeReadPropertyResponse decodes a ReadProperty response
func (c *Client) decodeReadPropertyResponse(data []byte) (interface{}, error) {
	if len(data) < 8 {
		return nil, ErrInvalidResponse
	}

	offset := 0

	tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 0 || class != TagClassContext {
		return nil, ErrInvalidResponse
	}
	offset += headerLen + length

	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 1 || class != TagClassContext {
		return nil, ErrInvalidResponse
	}
	offset += headerLen + length

	if len(data) > offset {
		tagNum, class, _, headerLen, err = DecodeTagNumber(data[offset:])
		if err == nil && tagNum == 2 && class == TagClassContext {
			offset += headerLen + length
		}
	}

	if len(data) <= offset {
		return nil, ErrInvalidResponse
	}
	tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 3 || class != TagClassContext || length != -1 {
		return nil, ErrInvalidResponse
	}
	offset++

	return c.decodePropertyValue(data[offset:])
}

// decodePropertyValue decodes a single application-tagged property value.
func (c *Client) decodePropertyValue(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, ErrInvalidResponse
	}

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return nil, err
	}

	if length == -2 {
		return nil, nil
	}

	if class == TagClassApplication {
		valueData := data[headerLen : headerLen+length]

		switch ApplicationTag(tagNum) {
		case TagNull:
			return nil, nil
		case TagBoolean:
			return length == 1, nil
		case TagUnsignedInt:
			return DecodeUnsigned(valueData), nil
		case TagSignedInt:
			return DecodeSigned(valueData), nil
		case TagReal:
			return DecodeReal(valueData), nil
		case TagDouble:
			return DecodeDouble(valueData), nil
		case TagOctetString:
			return valueData, nil
		case TagCharacterString:
			return DecodeCharacterString(valueData)
		case TagBitString:
			return DecodeBitString(valueData)
		case TagEnumerated:
			return DecodeUnsigned(valueData), nil
		case TagDate:
			return DecodeDate(valueData)
		case TagTime:
			return DecodeTime(valueData)
		case TagObjectID:
			oidValue := binary.BigEndian.Uint32(valueData)
			return DecodeObjectIdentifier(oidValue), nil
		default:
			return valueData, nil
		}
	}

	return data[headerLen : headerLen+length], nil
}

// WriteProperty writes a property to a BACnet object
func (c *Client) WriteProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, value interface{}, opts ...WriteOption) error {
	options := &WriteOptions{}
	for _, opt := range opts {
		opt(options)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	data := make([]byte, 0, 32)
	data = append(data, EncodeContextObjectIdentifier(0, objectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(propertyID))...)

	if options.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *options.ArrayIndex)...)
	}

	data = append(data, EncodeOpeningTag(3)...)
	encodedValue, err := c.encodePropertyValue(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	data = append(data, encodedValue...)
	data = append(data, EncodeClosingTag(3)...)

	if options.Priority != nil {
		data = append(data, EncodeContextUnsigned(4, uint32(*options.Priority))...)
	}

	_, err = c.sendRequest(ctx, addr, ServiceWriteProperty, data)
	return err
}

// encodePropertyValue encodes a property value for writing
func (c *Client) encodePropertyValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte{0x00}, nil
	case bool:
		return EncodeBooleanTag(v), nil
	case int:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		return EncodeSignedTag(int32(v)), nil
	case int32:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		return EncodeSignedTag(v), nil
	case uint32:
		return EncodeUnsignedTag(v), nil
	case float32:
		return EncodeRealTag(v), nil
	case float64:
		return EncodeDoubleTag(v), nil
	case string:
		return EncodeCharacterStringTag(v), nil
	case ObjectIdentifier:
		return EncodeObjectIdentifierTag(v), nil
	case BitString:
		return EncodeBitStringTag(v), nil
	case Date:
		return EncodeDateTag(v), nil
	case Time:
		return EncodeTimeTag(v), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}
}

// ReadPropertyMultiple reads multiple properties from one or more objects
func (c *Client) ReadPropertyMultiple(ctx context.Context, deviceID uint32, requests []ReadPropertyRequest) ([]PropertyValue, error) {
	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 64)

	objectRequests := make(map[ObjectIdentifier][]ReadPropertyRequest)
	var order []ObjectIdentifier
	for _, req := range requests {
		if _, seen := objectRequests[req.ObjectID]; !seen {
			order = append(order, req.ObjectID)
		}
		objectRequests[req.ObjectID] = append(objectRequests[req.ObjectID], req)
	}

	for _, oid := range order {
		data = append(data, EncodeContextObjectIdentifier(0, oid)...)
		data = append(data, EncodeOpeningTag(1)...)
		for _, req := range objectRequests[oid] {
			data = append(data, EncodeContextEnumerated(0, uint32(req.PropertyID))...)
			if req.ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(1, *req.ArrayIndex)...)
			}
		}
		data = append(data, EncodeClosingTag(1)...)
	}

	resp, err := c.sendRequest(ctx, addr, ServiceReadPropertyMultiple, data)
	if err != nil {
		return nil, err
	}

	return c.decodeReadPropertyMultipleResponse(resp.Data)
}

// decodeReadPropertyMultipleResponse decodes a ReadPropertyMultiple response
func (c *Client) decodeReadPropertyMultipleResponse(data []byte) ([]PropertyValue, error) {
	var results []PropertyValue
	offset := 0

	for offset < len(data) {
		tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil {
			break
		}
		if tagNum != 0 || class != TagClassContext {
			break
		}

		oidValue := binary.BigEndian.Uint32(data[offset+headerLen:])
		oid := DecodeObjectIdentifier(oidValue)
		offset += headerLen + length

		tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
		if err != nil || tagNum != 1 || class != TagClassContext || length != -1 {
			break
		}
		offset++

		for offset < len(data) {
			tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
			if err != nil {
				break
			}

			if length == -2 && tagNum == 1 {
				offset++
				break
			}

			if tagNum != 2 || class != TagClassContext {
				offset++
				continue
			}
			offset += headerLen
			propID := PropertyIdentifier(DecodeUnsigned(data[offset : offset+length]))
			offset += length

			var arrayIndex *uint32
			tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
			if err == nil && tagNum == 3 && class == TagClassContext {
				idx := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
				arrayIndex = &idx
				offset += headerLen + length
			}

			tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
			if err != nil {
				break
			}

			if tagNum == 4 && class == TagClassContext && length == -1 {
				offset++
				value, _ := c.decodePropertyValue(data[offset:])

				for offset < len(data) {
					_, _, l, h, _ := DecodeTagNumber(data[offset:])
					offset += h
					if l == -2 {
						break
					}
					if l > 0 {
						offset += l
					}
				}

				results = append(results, PropertyValue{
					ObjectID:   oid,
					PropertyID: propID,
					ArrayIndex: arrayIndex,
					Value:      value,
				})
			} else if tagNum == 5 && class == TagClassContext && length == -1 {
				offset++
				for offset < len(data) {
					_, _, l, h, _ := DecodeTagNumber(data[offset:])
					offset += h
					if l == -2 {
						break
					}
					if l > 0 {
						offset += l
					}
				}
			}
		}
	}

	return results, nil
}

// GetObjectList retrieves the list of objects from a device
func (c *Client) GetObjectList(ctx context.Context, deviceID uint32) ([]ObjectIdentifier, error) {
	lengthVal, err := c.ReadProperty(ctx, deviceID,
		NewObjectIdentifier(ObjectTypeDevice, deviceID),
		PropertyObjectList,
		WithArrayIndex(0),
	)
	if err != nil {
		return nil, err
	}

	length, ok := lengthVal.(uint32)
	if !ok {
		return nil, fmt.Errorf("unexpected object-list length type: %T", lengthVal)
	}

	objects := make([]ObjectIdentifier, 0, length)
	for i := uint32(1); i <= length; i++ {
		val, err := c.ReadProperty(ctx, deviceID,
			NewObjectIdentifier(ObjectTypeDevice, deviceID),
			PropertyObjectList,
			WithArrayIndex(i),
		)
		if err != nil {
			continue
		}

		if oid, ok := val.(ObjectIdentifier); ok {
			objects = append(objects, oid)
		}
	}

	return objects, nil
}
