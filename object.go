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
	"sync"
)

// PriorityDefault is the slot a write lands on when no priority is given
// (spec.md §4.4: "when priority is omitted, the write uses slot 16").
const PriorityDefault uint8 = 16

// commandable marks the object types whose present-value is driven by a
// BACnet priority array rather than a plain property map (spec.md §4.4:
// "priority ... applies only to commandable present-value properties of
// output objects").
var commandable = map[ObjectType]bool{
	ObjectTypeAnalogOutput: true,
	ObjectTypeBinaryOutput: true,
}

// PresentValueRange bounds an analog present-value write (spec.md §4.4
// range check, error-class=Property/ValueOutOfRange).
type PresentValueRange struct {
	Min float32
	Max float32
}

// Object is a single addressable BACnet object held by a registry.
//
// Present-value on commandable objects is backed by a 16-slot priority
// array (slot 1 highest, slot 16 lowest/default); every other property
// is a plain map entry. This mirrors the accessor-table idiom the teacher
// uses elsewhere rather than reflection-driven property access (see
// DESIGN.md's note on spec.md §9's "reflection-driven property access"
// design question).
type Object struct {
	mu sync.RWMutex

	id   ObjectIdentifier
	name string

	properties map[PropertyIdentifier]interface{}

	// priorityArray holds commandable present-value slots 1..16 at
	// indices 0..15. A nil entry means the slot is unset.
	priorityArray [16]interface{}

	presentValueRange *PresentValueRange
}

// NewObject creates an object with the given identifier and name. Callers
// typically follow this with SetProperty calls to seed Description,
// Units, and other static properties before registering it.
func NewObject(id ObjectIdentifier, name string) *Object {
	return &Object{
		id:         id,
		name:       name,
		properties: make(map[PropertyIdentifier]interface{}),
	}
}

func (o *Object) Identifier() ObjectIdentifier {
	return o.id
}

func (o *Object) Name() string {
	return o.name
}

// SetPresentValueRange bounds future present-value writes for this object
// (spec.md §4.4 "analog present-value writes outside [min-present-value,
// max-present-value]").
func (o *Object) SetPresentValueRange(min, max float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.presentValueRange = &PresentValueRange{Min: min, Max: max}
}

// SetProperty seeds a non-commandable property value directly, bypassing
// the priority array. Used during construction and for read-only
// properties such as Object-Name, Description, Units.
func (o *Object) SetProperty(prop PropertyIdentifier, value interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.properties[prop] = value
}

func (o *Object) isCommandablePresentValue(prop PropertyIdentifier) bool {
	return prop == PropertyPresentValue && commandable[o.id.Type]
}

// ReadProperty returns the property's value, resolving the priority array
// for commandable present-value properties (highest occupied slot wins)
// and falling back to relinquish-default otherwise. arrayIndex follows
// spec.md §4.4: 0 returns the array length, >=1 selects an element,
// nil selects the whole array/value.
func (o *Object) ReadProperty(prop PropertyIdentifier, arrayIndex *uint32) (interface{}, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var value interface{}
	var ok bool

	if o.isCommandablePresentValue(prop) {
		for slot := 0; slot < 16; slot++ {
			if o.priorityArray[slot] != nil {
				value, ok = o.priorityArray[slot], true
				break
			}
		}
		if !ok {
			value, ok = o.properties[prop]
		}
	} else {
		value, ok = o.properties[prop]
	}

	if !ok {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}

	if arrayIndex == nil {
		return value, nil
	}

	list, isList := value.([]interface{})
	if !isList {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodePropertyIsNotAnArray)
	}
	if *arrayIndex == 0 {
		return uint32(len(list)), nil
	}
	idx := int(*arrayIndex) - 1
	if idx < 0 || idx >= len(list) {
		return nil, NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)
	}
	return list[idx], nil
}

// WriteProperty writes a value at the given priority (spec.md §4.4). A
// nil priority writes PriorityDefault (slot 16). Non-commandable
// properties ignore priority and land in the plain property map.
func (o *Object) WriteProperty(prop PropertyIdentifier, value interface{}, arrayIndex *uint32, priority *uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prop == PropertyPresentValue && value != nil {
		if err := o.checkRangeLocked(value); err != nil {
			return err
		}
	}

	if arrayIndex != nil {
		return o.writeArrayElementLocked(prop, value, *arrayIndex)
	}

	if o.isCommandablePresentValue(prop) {
		slot := PriorityDefault
		if priority != nil {
			slot = *priority
		}
		if slot < 1 || slot > 16 {
			return NewBACnetError(ErrorClassProperty, ErrorCodeValueOutOfRange)
		}

		if slot == PriorityDefault {
			o.properties[prop] = value
			o.priorityArray[slot-1] = nil
		} else {
			o.priorityArray[slot-1] = value
		}
		return nil
	}

	o.properties[prop] = value
	return nil
}

// writeArrayElementLocked writes a single element of an array property
// (spec.md §4.4: indices >= 1 select an element, symmetric with
// ReadProperty's array-index semantics). Index 0 addresses the array
// length, which is not writable.
func (o *Object) writeArrayElementLocked(prop PropertyIdentifier, value interface{}, index uint32) error {
	existing, ok := o.properties[prop]
	if !ok {
		return NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	}
	list, isList := existing.([]interface{})
	if !isList {
		return NewBACnetError(ErrorClassProperty, ErrorCodePropertyIsNotAnArray)
	}
	if index == 0 || int(index) > len(list) {
		return NewBACnetError(ErrorClassProperty, ErrorCodeInvalidArrayIndex)
	}
	list[index-1] = value
	return nil
}

func (o *Object) checkRangeLocked(value interface{}) error {
	if o.presentValueRange == nil {
		return nil
	}
	f, ok := toFloat32(value)
	if !ok {
		return NewBACnetError(ErrorClassProperty, ErrorCodeInvalidDataType)
	}
	if f < o.presentValueRange.Min || f > o.presentValueRange.Max {
		return NewBACnetError(ErrorClassProperty, ErrorCodeValueOutOfRange)
	}
	return nil
}

func toFloat32(value interface{}) (float32, bool) {
	switch v := value.(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	default:
		return 0, false
	}
}

// Device is the Device object of a BACnet/IP server, plus the objects it
// exposes (spec.md §4.4, modeled on iotzf-bacnet-server's Device type but
// without the Alarmable/COVSubscription/BACnetFile machinery spec.md §1
// excludes).
type Device struct {
	*Object
}

// NewDevice builds the Device object itself; other objects are added to
// the Registry separately, keyed by their own identifiers.
func NewDevice(instance uint32, name string) *Device {
	obj := NewObject(NewObjectIdentifier(ObjectTypeDevice, instance), name)
	obj.SetProperty(PropertyObjectList, []interface{}{obj.Identifier()})
	return &Device{Object: obj}
}
