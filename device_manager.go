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
	"log/slog"
	"net"
	"sync"
)

// DeviceEventType distinguishes the kinds of events a DeviceManager emits.
type DeviceEventType int

const (
	DeviceDiscovered DeviceEventType = iota
	DeviceAdded
	DeviceRemoved
)

func (t DeviceEventType) String() string {
	switch t {
	case DeviceDiscovered:
		return "discovered"
	case DeviceAdded:
		return "added"
	case DeviceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// DeviceEvent is delivered on a DeviceManager's event channel whenever its
// device cache changes (spec.md §4.7).
type DeviceEvent struct {
	Type   DeviceEventType
	Device *DeviceInfo
}

// DeviceManager maintains the cache of devices learned from I-Am responses
// and drives cancellable Who-Is discovery sweeps.
type DeviceManager struct {
	driver  *driver
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	devices map[uint32]*DeviceInfo

	eventsMu sync.Mutex
	events   chan DeviceEvent
}

func newDeviceManager(d *driver, logger *slog.Logger, metrics *Metrics) *DeviceManager {
	return &DeviceManager{
		driver:  d,
		logger:  logger,
		metrics: metrics,
		devices: make(map[uint32]*DeviceInfo),
		events:  make(chan DeviceEvent, 64),
	}
}

// Events returns the channel on which Discovered/Added/Removed events are
// published. The channel is never closed by DeviceManager.
func (m *DeviceManager) Events() <-chan DeviceEvent {
	return m.events
}

func (m *DeviceManager) publish(ev DeviceEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("device event dropped, channel full", slog.String("event", ev.Type.String()))
	}
}

// Get returns a cached device by its instance number.
func (m *DeviceManager) Get(deviceID uint32) (*DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	return dev, ok
}

// List returns a snapshot of all cached devices.
func (m *DeviceManager) List() []*DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]*DeviceInfo, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	return devices
}

// Remove drops a device from the cache, publishing a Removed event if it
// was present.
func (m *DeviceManager) Remove(deviceID uint32) {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if ok {
		m.publish(DeviceEvent{Type: DeviceRemoved, Device: dev})
	}
}

// handleIAm decodes an I-Am unconfirmed request and updates the device
// cache, publishing Discovered (first sighting) or Added (re-sighting)
// events.
func (m *DeviceManager) handleIAm(data []byte, addr *net.UDPAddr, npdu *NPDU) {
	m.metrics.IAmReceived.Inc()

	if len(data) < 4 {
		return
	}

	tagNum, _, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || tagNum != uint8(TagObjectID) || length != 4 || len(data) < headerLen+4 {
		return
	}

	oidValue := binary.BigEndian.Uint32(data[headerLen:])
	oid := DecodeObjectIdentifier(oidValue)
	if oid.Type != ObjectTypeDevice {
		return
	}

	offset := headerLen + 4

	if len(data) < offset+1 {
		return
	}
	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || length < 0 || len(data) < offset+headerLen+length {
		return
	}
	maxAPDU := uint16(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	if len(data) < offset+1 {
		return
	}
	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || length < 0 || len(data) < offset+headerLen+length {
		return
	}
	segmentation := Segmentation(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	if len(data) < offset+1 {
		return
	}
	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || length < 0 || len(data) < offset+headerLen+length {
		return
	}
	vendorID := uint16(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))

	var deviceAddr Address
	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		deviceAddr = Address{Net: npdu.SrcNet, Addr: npdu.SrcAddr}
	} else {
		deviceAddr = Address{Net: 0, Addr: addr.IP.To4()}
	}

	device := &DeviceInfo{
		ObjectID:      oid,
		Address:       deviceAddr,
		MaxAPDULength: maxAPDU,
		Segmentation:  segmentation,
		VendorID:      vendorID,
	}

	m.mu.Lock()
	_, existed := m.devices[oid.Instance]
	m.devices[oid.Instance] = device
	m.mu.Unlock()

	evType := DeviceAdded
	if !existed {
		evType = DeviceDiscovered
		m.metrics.DevicesDiscovered.Inc()
	}
	m.publish(DeviceEvent{Type: evType, Device: device})

	m.logger.Debug("device discovered",
		slog.Uint64("device_id", uint64(oid.Instance)),
		slog.String("address", addr.String()),
		slog.Uint64("vendor_id", uint64(vendorID)),
	)
}

// DiscoverDevices broadcasts a Who-Is and collects I-Am responses until ctx
// is cancelled/times out. A zero options.Timeout relies entirely on ctx.
// On cancellation the devices cached so far are returned with ErrCancelled.
func (m *DeviceManager) DiscoverDevices(ctx context.Context, opts ...DiscoverOption) ([]*DeviceInfo, error) {
	options := defaultDiscoverOptions()
	for _, opt := range opts {
		opt(options)
	}

	var data []byte
	if options.LowLimit != nil && options.HighLimit != nil {
		data = append(data, EncodeContextUnsigned(0, *options.LowLimit)...)
		data = append(data, EncodeContextUnsigned(1, *options.HighLimit)...)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if options.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	if err := m.driver.sendUnconfirmed(ctx, nil, true, ServiceWhoIs, data); err != nil {
		return nil, err
	}
	m.metrics.WhoIsSent.Inc()

	<-waitCtx.Done()
	if ctx.Err() == context.Canceled {
		return m.List(), ErrCancelled
	}

	return m.List(), nil
}
