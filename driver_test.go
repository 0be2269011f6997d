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

	"github.com/edgeo-scada/bacnet/internal/transport"
)

func newTestDriver(t *testing.T) *driver {
	t.Helper()
	tr := transport.NewUDPTransport("127.0.0.1:0")
	return newDriver(tr, discardLogger(), NewMetrics())
}

// TestInvokeIDCorrelation matches spec.md §8: a response is correlated to
// its request by invoke-id, and an unrelated invoke-id does not complete
// someone else's pending request.
func TestInvokeIDCorrelation(t *testing.T) {
	d := newTestDriver(t)

	chA, err := d.register(5)
	require.NoError(t, err)
	chB, err := d.register(6)
	require.NoError(t, err)

	ack := &APDU{Type: PDUTypeSimpleAck, InvokeID: 5}
	assert.True(t, d.complete(ack))

	select {
	case got := <-chA:
		assert.Equal(t, uint8(5), got.InvokeID)
	default:
		t.Fatal("expected invoke-id 5 to be completed")
	}

	select {
	case <-chB:
		t.Fatal("invoke-id 6 must not be completed by a reply for invoke-id 5")
	default:
	}

	// An invoke-id with no pending registration is reported as uncorrelated.
	assert.False(t, d.complete(&APDU{Type: PDUTypeSimpleAck, InvokeID: 200}))
}

func TestRegisterRejectsBusyInvokeID(t *testing.T) {
	d := newTestDriver(t)

	_, err := d.register(1)
	require.NoError(t, err)

	_, err = d.register(1)
	assert.ErrorIs(t, err, ErrResourceBusy)

	d.release(1)
	_, err = d.register(1)
	assert.NoError(t, err)
}

// TestRegisterNextSkipsOccupiedSlots matches spec.md §4.6: registerNext
// scans forward from the cursor for the first free invoke-id rather than
// failing the instant the cursor lands on one already in use.
func TestRegisterNextSkipsOccupiedSlots(t *testing.T) {
	d := newTestDriver(t)

	first, _, err := d.registerNext()
	require.NoError(t, err)

	second, _, err := d.registerNext()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// Occupy the slot the cursor would land on next, then confirm
	// registerNext skips over it instead of reporting ErrResourceBusy.
	blocked := second + 1
	_, err = d.register(blocked)
	require.NoError(t, err)

	third, _, err := d.registerNext()
	require.NoError(t, err)
	assert.NotEqual(t, blocked, third)
}

// TestRegisterNextExhaustedAllSlots matches spec.md §3 PendingRequest:
// ErrResourceBusy is only reported once all 256 invoke-ids are occupied.
func TestRegisterNextExhaustedAllSlots(t *testing.T) {
	d := newTestDriver(t)

	for i := 0; i < 256; i++ {
		_, _, err := d.registerNext()
		require.NoError(t, err, "slot %d should still be free", i)
	}

	_, _, err := d.registerNext()
	assert.ErrorIs(t, err, ErrResourceBusy)

	d.release(0)
	_, _, err = d.registerNext()
	assert.NoError(t, err, "freeing one slot must make registerNext succeed again")
}

func TestDecodeErrorAPDUPayload(t *testing.T) {
	apdu := EncodeErrorAPDU(1, ServiceReadProperty, ErrorClassObject, ErrorCodeUnknownObject)
	decoded, err := DecodeAPDU(apdu)
	require.NoError(t, err)

	err = decodeErrorAPDUPayload(decoded.Data)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassObject, bacnetErr.Class)
	assert.Equal(t, ErrorCodeUnknownObject, bacnetErr.Code)
}

func TestDecodeErrorAPDUShortBuffer(t *testing.T) {
	_, err := DecodeAPDU([]byte{byte(PDUTypeError) << 4, 1})
	assert.ErrorIs(t, err, ErrInvalidAPDU)
}
