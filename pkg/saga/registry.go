// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the static table mapping a saga type to its step sequence.
// Definitions are injected explicitly at registration time; there is no
// dynamic service lookup at execution time.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*SagaDefinition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*SagaDefinition)}
}

// Register validates and adds a saga definition. Registering the same saga
// type twice is an error.
func (r *Registry) Register(def *SagaDefinition) error {
	if def == nil {
		return fmt.Errorf("registry: definition must not be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.SagaType]; exists {
		return fmt.Errorf("registry: saga type %q already registered", def.SagaType)
	}
	r.defs[def.SagaType] = def
	return nil
}

// Get returns the definition for a saga type or ErrDefinitionNotFound.
func (r *Registry) Get(sagaType string) (*SagaDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, sagaType)
	}
	return def, nil
}

// Types returns the registered saga types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
