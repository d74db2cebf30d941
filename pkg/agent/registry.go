// Copyright 2025 Kadir Pekel
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

package agent

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/acp/pkg/registry"
)

var (
	// ErrDuplicateIdentifier is returned when registering a name twice.
	ErrDuplicateIdentifier = registry.ErrDuplicate
	// ErrNotFound is returned for names that are not registered.
	ErrNotFound = registry.ErrNotFound
)

// Entry pairs a descriptor with its handler.
type Entry struct {
	Descriptor Descriptor
	Handler    Handler
}

// RegistryError reports a failed registry operation.
type RegistryError struct {
	Action string
	Agent  string
	Err    error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("[AgentRegistry:%s] agent '%s': %v", e.Action, e.Agent, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// Registry holds the agents a server exposes. It is safe for concurrent
// use and may be shared by several servers.
type Registry struct {
	entries *registry.OrderedRegistry[Entry]
}

func NewRegistry() *Registry {
	return &Registry{entries: registry.NewOrderedRegistry[Entry]()}
}

// Register adds an agent. A name that is already registered fails with
// ErrDuplicateIdentifier and leaves the existing agent in place.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if h == nil {
		return &RegistryError{Action: "Register", Agent: desc.Name, Err: errors.New("handler cannot be nil")}
	}
	if err := r.entries.Register(desc.Name, Entry{Descriptor: cloneDescriptor(desc), Handler: h}); err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			err = ErrDuplicateIdentifier
		}
		return &RegistryError{Action: "Register", Agent: desc.Name, Err: err}
	}
	return nil
}

// Unregister removes an agent, failing with ErrNotFound if it is absent.
func (r *Registry) Unregister(name string) error {
	if err := r.entries.Remove(name); err != nil {
		return &RegistryError{Action: "Unregister", Agent: name, Err: ErrNotFound}
	}
	return nil
}

// Resolve returns the descriptor and handler registered under name.
func (r *Registry) Resolve(name string) (Descriptor, Handler, error) {
	e, ok := r.entries.Get(name)
	if !ok {
		return Descriptor{}, nil, &RegistryError{Action: "Resolve", Agent: name, Err: ErrNotFound}
	}
	return cloneDescriptor(e.Descriptor), e.Handler, nil
}

// List returns the descriptors in registration order.
func (r *Registry) List() []Descriptor {
	entries := r.entries.List()
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = cloneDescriptor(e.Descriptor)
	}
	return out
}

// Names returns the registered agent names in registration order.
func (r *Registry) Names() []string {
	return r.entries.Names()
}

func (r *Registry) Len() int {
	return r.entries.Count()
}

// Subscribe calls fn after every registration and removal. fn runs on the
// mutating goroutine and must not block. The returned func unsubscribes.
func (r *Registry) Subscribe(fn func(registry.Change)) (unsubscribe func()) {
	return r.entries.OnChange(fn)
}
