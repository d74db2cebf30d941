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

// Package registry provides a generic, concurrency-safe named registry
// that remembers registration order and reports every mutation.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicate is returned when registering a name that already exists.
	ErrDuplicate = errors.New("duplicate identifier")
	// ErrNotFound is returned when removing a name that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmptyName is returned when registering an empty name.
	ErrEmptyName = errors.New("name cannot be empty")
)

// Op names the mutation reported to change hooks.
type Op int

const (
	OpRegister Op = iota + 1
	OpRemove
	OpClear
)

func (o Op) String() string {
	switch o {
	case OpRegister:
		return "register"
	case OpRemove:
		return "remove"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Change describes one successful mutation. Name is empty for OpClear.
type Change struct {
	Op   Op
	Name string
}

type entry[T any] struct {
	name string
	item T
}

// OrderedRegistry maps unique names to items. Mutations are atomic with
// respect to readers, List returns items in registration order, and change
// hooks run after the lock is released.
type OrderedRegistry[T any] struct {
	mu      sync.RWMutex
	index   map[string]int
	entries []entry[T]

	hookMu  sync.RWMutex
	hooks   map[int]func(Change)
	nextKey int
}

func NewOrderedRegistry[T any]() *OrderedRegistry[T] {
	return &OrderedRegistry[T]{
		index: make(map[string]int),
		hooks: make(map[int]func(Change)),
	}
}

// Register adds item under name. An existing entry is never replaced.
func (r *OrderedRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	if _, exists := r.index[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("item with name '%s' already registered: %w", name, ErrDuplicate)
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, entry[T]{name: name, item: item})
	r.mu.Unlock()

	r.notify(Change{Op: OpRegister, Name: name})
	return nil
}

func (r *OrderedRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, exists := r.index[name]
	if !exists {
		var zero T
		return zero, false
	}
	return r.entries[i].item, true
}

// List returns a snapshot of all items in registration order.
func (r *OrderedRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]T, len(r.entries))
	for i, e := range r.entries {
		items[i] = e.item
	}
	return items
}

// Names returns the registered names in registration order.
func (r *OrderedRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

func (r *OrderedRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	i, exists := r.index[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("item '%s': %w", name, ErrNotFound)
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, name)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].name] = j
	}
	r.mu.Unlock()

	r.notify(Change{Op: OpRemove, Name: name})
	return nil
}

func (r *OrderedRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

func (r *OrderedRegistry[T]) Clear() {
	r.mu.Lock()
	had := len(r.entries) > 0
	r.index = make(map[string]int)
	r.entries = nil
	r.mu.Unlock()

	if had {
		r.notify(Change{Op: OpClear})
	}
}

// OnChange registers fn to run after every successful mutation. The
// returned func removes the hook.
func (r *OrderedRegistry[T]) OnChange(fn func(Change)) (cancel func()) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	key := r.nextKey
	r.nextKey++
	r.hooks[key] = fn
	return func() {
		r.hookMu.Lock()
		delete(r.hooks, key)
		r.hookMu.Unlock()
	}
}

func (r *OrderedRegistry[T]) notify(c Change) {
	r.hookMu.RLock()
	hooks := make([]func(Change), 0, len(r.hooks))
	for _, fn := range r.hooks {
		hooks = append(hooks, fn)
	}
	r.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(c)
	}
}
