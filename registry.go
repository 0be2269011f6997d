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

// Registry is the device-local object table, keyed by (object-type,
// instance) per spec.md §4.4. It is the server's only mutable shared
// state besides the driver's pending table, and is guarded by its own
// mutex per spec.md §5's "a single mutex around the device registry".
type Registry struct {
	mu      sync.RWMutex
	objects map[ObjectIdentifier]*Object
	order   []ObjectIdentifier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[ObjectIdentifier]*Object),
	}
}

// Add inserts obj, failing with ErrDuplicateObject if its identifier is
// already present (spec.md §4.4 "Adding an object already present is
// rejected with Duplicate").
func (r *Registry) Add(obj *Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := obj.Identifier()
	if _, exists := r.objects[id]; exists {
		return ErrDuplicateObject
	}
	r.objects[id] = obj
	r.order = append(r.order, id)
	return nil
}

// Remove drops an object from the registry. A no-op if it is not present.
func (r *Registry) Remove(id ObjectIdentifier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[id]; !exists {
		return
	}
	delete(r.objects, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the object at id, if present.
func (r *Registry) Get(id ObjectIdentifier) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// List returns every registered object in insertion order.
func (r *Registry) List() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.objects[id])
	}
	return out
}

// ReadProperty looks up the object at id and reads its property, mapping
// a missing object to error-class=Object/UnknownObject per spec.md §4.4.
func (r *Registry) ReadProperty(id ObjectIdentifier, prop PropertyIdentifier, arrayIndex *uint32) (interface{}, error) {
	obj, ok := r.Get(id)
	if !ok {
		return nil, NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	}
	return obj.ReadProperty(prop, arrayIndex)
}

// WriteProperty looks up the object at id and writes its property,
// mapping a missing object to error-class=Object/UnknownObject per
// spec.md §4.4.
func (r *Registry) WriteProperty(id ObjectIdentifier, prop PropertyIdentifier, value interface{}, arrayIndex *uint32, priority *uint8) error {
	obj, ok := r.Get(id)
	if !ok {
		return NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	}
	return obj.WriteProperty(prop, value, arrayIndex, priority)
}
