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

func newTestRegistry(t *testing.T) (*Registry, ObjectIdentifier, ObjectIdentifier) {
	t.Helper()
	reg := NewRegistry()

	ai := NewObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1), "AnalogInput1")
	ai.SetPresentValueRange(0, 100)
	ai.SetProperty(PropertyPresentValue, float32(0))
	require.NoError(t, reg.Add(ai))

	ao := NewObject(NewObjectIdentifier(ObjectTypeAnalogOutput, 1), "AnalogOutput1")
	ao.SetPresentValueRange(0, 100)
	ao.SetProperty(PropertyPresentValue, float32(0))
	require.NoError(t, reg.Add(ao))

	return reg, ai.Identifier(), ao.Identifier()
}

func TestRegistryAddDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	obj := NewObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1), "a")
	require.NoError(t, reg.Add(obj))

	err := reg.Add(NewObject(NewObjectIdentifier(ObjectTypeAnalogInput, 1), "b"))
	assert.ErrorIs(t, err, ErrDuplicateObject)
}

func TestRegistryReadUnknownObject(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.ReadProperty(NewObjectIdentifier(ObjectTypeAnalogInput, 99), PropertyPresentValue, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassObject, bacnetErr.Class)
	assert.Equal(t, ErrorCodeUnknownObject, bacnetErr.Code)
}

func TestRegistryReadUnknownProperty(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)
	_, err := reg.ReadProperty(aiID, PropertyDescription, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeUnknownProperty, bacnetErr.Code)
}

func TestRegistryRemoveAndList(t *testing.T) {
	reg, aiID, aoID := newTestRegistry(t)
	assert.Len(t, reg.List(), 2)

	reg.Remove(aiID)
	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, aoID, list[0].Identifier())

	// Removing again is a no-op.
	reg.Remove(aiID)
	assert.Len(t, reg.List(), 1)
}

// TestCommandablePresentValuePriorityArray matches spec.md §4.4: slot 1 is
// the highest priority and wins over any lower (higher-numbered) slot.
func TestCommandablePresentValuePriorityArray(t *testing.T) {
	reg, _, aoID := newTestRegistry(t)

	low := uint8(10)
	require.NoError(t, reg.WriteProperty(aoID, PropertyPresentValue, float32(50), nil, &low))
	value, err := reg.ReadProperty(aoID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(50), value)

	high := uint8(1)
	require.NoError(t, reg.WriteProperty(aoID, PropertyPresentValue, float32(75), nil, &high))
	value, err = reg.ReadProperty(aoID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(75), value, "slot 1 must win over slot 10")

	// Relinquishing the higher priority falls back to the next-highest
	// occupied slot.
	require.NoError(t, reg.WriteProperty(aoID, PropertyPresentValue, nil, nil, &high))
	value, err = reg.ReadProperty(aoID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(50), value)
}

// TestCommandableWriteDefaultPriority matches spec.md §4.4: a write with
// no priority lands on slot 16 (relinquish-default), stored in the plain
// property map rather than occupying an array slot.
func TestCommandableWriteDefaultPriority(t *testing.T) {
	reg, _, aoID := newTestRegistry(t)

	require.NoError(t, reg.WriteProperty(aoID, PropertyPresentValue, float32(42), nil, nil))
	value, err := reg.ReadProperty(aoID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(42), value)

	slot16 := PriorityDefault
	require.NoError(t, reg.WriteProperty(aoID, PropertyPresentValue, float32(43), nil, &slot16))
	value, err = reg.ReadProperty(aoID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(43), value)
}

func TestCommandableWriteInvalidPriorityRejected(t *testing.T) {
	reg, _, aoID := newTestRegistry(t)
	bad := uint8(0)
	err := reg.WriteProperty(aoID, PropertyPresentValue, float32(1), nil, &bad)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)
}

// TestWritePropertyOutOfRangeRejected matches spec.md §8 scenario 6: a
// write of 250 to an object whose present-value range is [0, 100] is
// rejected with error-class=Property, error-code=ValueOutOfRange.
func TestWritePropertyOutOfRangeRejected(t *testing.T) {
	reg, _, aoID := newTestRegistry(t)

	err := reg.WriteProperty(aoID, PropertyPresentValue, float32(250), nil, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)
}

// TestWritePropertyOutOfRangeRejectedNonCommandable matches spec.md §8
// scenario 6 verbatim: the object named in the scenario is an AnalogInput
// (min=0, max=100), not a commandable output, and the range check must
// still apply.
func TestWritePropertyOutOfRangeRejectedNonCommandable(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)

	err := reg.WriteProperty(aiID, PropertyPresentValue, float32(250), nil, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorClassProperty, bacnetErr.Class)
	assert.Equal(t, ErrorCodeValueOutOfRange, bacnetErr.Code)

	// The rejected write must not have taken effect.
	value, err := reg.ReadProperty(aiID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(0), value)
}

func TestWritePropertyWrongTypeRejected(t *testing.T) {
	reg, _, aoID := newTestRegistry(t)
	err := reg.WriteProperty(aoID, PropertyPresentValue, "not a number", nil, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodeInvalidDataType, bacnetErr.Code)
}

func TestNonCommandablePropertyIgnoresPriority(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)
	p := uint8(1)
	require.NoError(t, reg.WriteProperty(aiID, PropertyPresentValue, float32(55), nil, &p))
	value, err := reg.ReadProperty(aiID, PropertyPresentValue, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(55), value)
}

func TestArrayIndexSemantics(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)
	list := []interface{}{uint32(1), uint32(2), uint32(3)}
	obj, ok := reg.Get(aiID)
	require.True(t, ok)
	obj.SetProperty(PropertyObjectList, list)

	zero := uint32(0)
	value, err := reg.ReadProperty(aiID, PropertyObjectList, &zero)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), value)

	one := uint32(1)
	value, err = reg.ReadProperty(aiID, PropertyObjectList, &one)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), value)

	outOfBounds := uint32(99)
	_, err = reg.ReadProperty(aiID, PropertyObjectList, &outOfBounds)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodeInvalidArrayIndex, bacnetErr.Code)
}

func TestArrayIndexOnNonArrayRejected(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)
	idx := uint32(1)
	_, err := reg.ReadProperty(aiID, PropertyPresentValue, &idx)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodePropertyIsNotAnArray, bacnetErr.Code)
}

func TestWritePropertyWithArrayIndexRejected(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)
	idx := uint32(1)
	err := reg.WriteProperty(aiID, PropertyPresentValue, float32(1), &idx, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodePropertyIsNotAnArray, bacnetErr.Code)
}

// TestWritePropertyArrayElement matches spec.md §4.4: indices >= 1 select
// an element for write just as they do for read.
func TestWritePropertyArrayElement(t *testing.T) {
	reg, aiID, _ := newTestRegistry(t)
	obj, ok := reg.Get(aiID)
	require.True(t, ok)
	obj.SetProperty(PropertyObjectList, []interface{}{uint32(1), uint32(2), uint32(3)})

	idx := uint32(2)
	require.NoError(t, reg.WriteProperty(aiID, PropertyObjectList, uint32(99), &idx, nil))

	value, err := reg.ReadProperty(aiID, PropertyObjectList, &idx)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), value)

	zero := uint32(0)
	outOfBounds := uint32(99)
	err = reg.WriteProperty(aiID, PropertyObjectList, uint32(1), &outOfBounds, nil)
	var bacnetErr *BACnetError
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodeInvalidArrayIndex, bacnetErr.Code)

	// Index 0 addresses the array length, which is not writable.
	err = reg.WriteProperty(aiID, PropertyObjectList, uint32(1), &zero, nil)
	require.ErrorAs(t, err, &bacnetErr)
	assert.Equal(t, ErrorCodeInvalidArrayIndex, bacnetErr.Code)
}

func TestNewDeviceSeedsObjectList(t *testing.T) {
	device := NewDevice(1001, "TestDevice")
	value, err := device.ReadProperty(PropertyObjectList, nil)
	require.NoError(t, err)
	list, ok := value.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, device.Identifier(), list[0])
}
