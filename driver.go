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
	"sync"
	"time"

	"github.com/edgeo-scada/bacnet/internal/transport"
)

// frameHandler is invoked for every decoded frame that the driver does not
// itself correlate to a pending confirmed request: unconfirmed requests,
// confirmed service requests arriving at a server, and unsolicited acks.
type frameHandler func(apdu *APDU, npdu *NPDU, addr *net.UDPAddr)

// driver owns the UDP socket, the invoke-id pending-request table, and the
// receive loop shared by Client and Server (spec.md §4.6). Confirmed
// requests register a response channel keyed by invoke-id; the receive
// loop either completes that channel or forwards the frame to the
// registered handler.
type driver struct {
	transport *transport.UDPTransport
	logger    *slog.Logger
	metrics   *Metrics

	pendingMu sync.RWMutex
	pending   map[uint8]chan *APDU
	cursor    uint8

	handlerMu sync.RWMutex
	handler   frameHandler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newDriver(t *transport.UDPTransport, logger *slog.Logger, metrics *Metrics) *driver {
	return &driver{
		transport: t,
		logger:    logger,
		metrics:   metrics,
		pending:   make(map[uint8]chan *APDU),
	}
}

// setHandler registers the callback for frames the driver does not
// correlate to a pending request. Must be called before start.
func (d *driver) setHandler(h frameHandler) {
	d.handlerMu.Lock()
	d.handler = h
	d.handlerMu.Unlock()
}

// start launches the receive loop. The transport must already be open.
func (d *driver) start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})
	go d.receiveLoop()
}

// shutdown stops the receive loop and fails every pending request with
// ErrShutdown (spec.md §5 "Resource scoping").
func (d *driver) shutdown() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	d.pendingMu.Lock()
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
}

// registerNext reserves a pending-table slot for the next free invoke-id,
// scanning forward from a rolling cursor (spec.md §4.6: "the next free
// invoke-id, linear scan from a rolling cursor"). It fails with
// ErrResourceBusy only once all 256 invoke-ids are in use (spec.md §3
// PendingRequest), rather than the instant the cursor lands on one that is.
func (d *driver) registerNext() (uint8, chan *APDU, error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	for i := 0; i < 256; i++ {
		id := d.cursor + uint8(i)
		if _, busy := d.pending[id]; !busy {
			d.cursor = id + 1
			ch := make(chan *APDU, 1)
			d.pending[id] = ch
			return id, ch, nil
		}
	}
	return 0, nil, ErrResourceBusy
}

// register reserves a pending-table slot for a specific invokeID, failing
// with ErrResourceBusy if it is already in use. Used when the invoke-id is
// dictated by the caller rather than allocated by registerNext.
func (d *driver) register(invokeID uint8) (chan *APDU, error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, busy := d.pending[invokeID]; busy {
		return nil, ErrResourceBusy
	}
	ch := make(chan *APDU, 1)
	d.pending[invokeID] = ch
	return ch, nil
}

// release removes a pending-table slot without closing its channel.
func (d *driver) release(invokeID uint8) {
	d.pendingMu.Lock()
	delete(d.pending, invokeID)
	d.pendingMu.Unlock()
}

func (d *driver) complete(apdu *APDU) bool {
	d.pendingMu.RLock()
	ch, ok := d.pending[apdu.InvokeID]
	d.pendingMu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- apdu:
	default:
	}
	return true
}

// sendConfirmed sends a confirmed service request and blocks for the
// matching ack/error/reject/abort or ctx cancellation.
func (d *driver) sendConfirmed(ctx context.Context, addr *net.UDPAddr, service ConfirmedServiceChoice, data []byte, maxSegments, maxAPDU uint8) (*APDU, error) {
	invokeID, respCh, err := d.registerNext()
	if err != nil {
		return nil, err
	}
	defer d.release(invokeID)

	apdu := EncodeConfirmedRequest(invokeID, service, data, maxSegments, maxAPDU)
	npdu := EncodeNPDU(true, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))

	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)

	start := time.Now()
	d.metrics.RequestsSent.Inc()
	d.metrics.ActiveRequests.Inc()
	defer d.metrics.ActiveRequests.Dec()

	if err := d.transport.Send(ctx, addr, packet); err != nil {
		d.metrics.RequestsFailed.Inc()
		return nil, fmt.Errorf("send request: %w", err)
	}
	d.metrics.BytesSent.Add(int64(len(packet)))

	select {
	case <-ctx.Done():
		d.metrics.RequestsTimedOut.Inc()
		if ctx.Err() == context.Canceled {
			return nil, ErrCancelled
		}
		return nil, ErrTimeout

	case resp, ok := <-respCh:
		d.metrics.RequestLatency.Record(time.Since(start))
		if !ok {
			return nil, ErrShutdown
		}

		switch resp.Type {
		case PDUTypeSimpleAck, PDUTypeComplexAck:
			d.metrics.RequestsSucceeded.Inc()
			return resp, nil
		case PDUTypeError:
			d.metrics.RequestsFailed.Inc()
			return nil, decodeErrorAPDUPayload(resp.Data)
		case PDUTypeReject:
			d.metrics.RequestsFailed.Inc()
			return nil, &RejectError{InvokeID: resp.InvokeID, Reason: RejectReason(resp.Service)}
		case PDUTypeAbort:
			d.metrics.RequestsFailed.Inc()
			return nil, &AbortError{InvokeID: resp.InvokeID, Reason: AbortReason(resp.Service)}
		default:
			return nil, fmt.Errorf("%w: unexpected PDU type %s", ErrInvalidResponse, resp.Type)
		}
	}
}

// sendUnconfirmed sends an unconfirmed service request, optionally broadcast.
func (d *driver) sendUnconfirmed(ctx context.Context, addr *net.UDPAddr, broadcast bool, service UnconfirmedServiceChoice, data []byte) error {
	apdu := EncodeUnconfirmedRequest(service, data)
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)

	bvlcFunc := BVLCOriginalUnicastNPDU
	if broadcast {
		bvlcFunc = BVLCOriginalBroadcastNPDU
	}
	bvlc := EncodeBVLC(bvlcFunc, len(npdu)+len(apdu))

	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)

	d.metrics.RequestsSent.Inc()

	var err error
	if broadcast {
		err = d.transport.Broadcast(ctx, DefaultPort, packet)
	} else {
		err = d.transport.Send(ctx, addr, packet)
	}
	if err != nil {
		d.metrics.RequestsFailed.Inc()
		return fmt.Errorf("send unconfirmed request: %w", err)
	}

	d.metrics.BytesSent.Add(int64(len(packet)))
	d.metrics.RequestsSucceeded.Inc()
	return nil
}

// sendReply sends a pre-built APDU (SimpleAck/ComplexAck/Error/Reject/Abort)
// back to addr, used by the server side of the stack.
func (d *driver) sendReply(ctx context.Context, addr *net.UDPAddr, apdu []byte) error {
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))

	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)

	if err := d.transport.Send(ctx, addr, packet); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	d.metrics.BytesSent.Add(int64(len(packet)))
	return nil
}

func (d *driver) receiveLoop() {
	defer close(d.done)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		data, addr, err := d.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if d.transport.IsClosed() {
				return
			}
			d.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		d.metrics.BytesReceived.Add(int64(len(data)))
		d.metrics.RecordActivity()

		go d.handleDatagram(data, addr)
	}
}

func (d *driver) handleDatagram(data []byte, addr *net.UDPAddr) {
	bvlc, err := DecodeBVLC(data)
	if err != nil {
		d.logger.Debug("invalid BVLC", slog.String("error", err.Error()))
		return
	}

	npduData := data[4:]
	if bvlc.Function == BVLCForwardedNPDU {
		if len(npduData) < 6 {
			return
		}
		npduData = npduData[6:]
	}

	npdu, offset, err := DecodeNPDU(npduData)
	if err != nil {
		d.logger.Debug("invalid NPDU", slog.String("error", err.Error()))
		return
	}

	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		return
	}

	apdu, err := DecodeAPDU(npduData[offset:])
	if err != nil {
		d.logger.Debug("invalid APDU", slog.String("error", err.Error()))
		return
	}

	switch apdu.Type {
	case PDUTypeSimpleAck, PDUTypeComplexAck:
		if d.complete(apdu) {
			return
		}
	case PDUTypeError:
		d.metrics.ErrorsReceived.Inc()
		if d.complete(apdu) {
			return
		}
	case PDUTypeReject:
		d.metrics.RejectsReceived.Inc()
		if d.complete(apdu) {
			return
		}
	case PDUTypeAbort:
		d.metrics.AbortsReceived.Inc()
		if d.complete(apdu) {
			return
		}
	}

	d.handlerMu.RLock()
	h := d.handler
	d.handlerMu.RUnlock()
	if h != nil {
		h(apdu, npdu, addr)
	}
}

func decodeErrorAPDUPayload(data []byte) error {
	if len(data) < 2 {
		return ErrInvalidResponse
	}

	_, _, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return ErrInvalidResponse
	}
	errorClass := ErrorClass(DecodeUnsigned(data[headerLen : headerLen+length]))
	offset := headerLen + length

	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil {
		return ErrInvalidResponse
	}
	errorCode := ErrorCode(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))

	return NewBACnetError(errorClass, errorCode)
}
