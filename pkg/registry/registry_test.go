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

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestItem is a simple struct for testing
type TestItem struct {
	ID   string
	Name string
}

func TestOrderedRegistry_Register(t *testing.T) {
	registry := NewOrderedRegistry[TestItem]()

	tests := []struct {
		name    string
		item    TestItem
		wantErr error
	}{
		{
			name:    "register valid item",
			item:    TestItem{ID: "test-1", Name: "Test Item 1"},
			wantErr: nil,
		},
		{
			name:    "register item with empty name",
			item:    TestItem{ID: "", Name: "Test Item"},
			wantErr: ErrEmptyName,
		},
		{
			name:    "register duplicate item",
			item:    TestItem{ID: "test-1", Name: "Test Item 2"},
			wantErr: ErrDuplicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Register(tt.item.ID, tt.item)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOrderedRegistry_DuplicateLeavesEntryUntouched(t *testing.T) {
	registry := NewOrderedRegistry[TestItem]()
	original := TestItem{ID: "a", Name: "first"}
	require.NoError(t, registry.Register("a", original))

	var changes []Change
	registry.OnChange(func(c Change) { changes = append(changes, c) })

	err := registry.Register("a", TestItem{ID: "a", Name: "second"})
	require.ErrorIs(t, err, ErrDuplicate)

	got, ok := registry.Get("a")
	require.True(t, ok)
	assert.Equal(t, original, got)
	assert.Equal(t, 1, registry.Count())
	assert.Empty(t, changes, "failed registration must not notify")
}

func TestOrderedRegistry_Get(t *testing.T) {
	registry := NewOrderedRegistry[TestItem]()
	testItem := TestItem{ID: "test-1", Name: "Test Item 1"}
	require.NoError(t, registry.Register("test-1", testItem))

	tests := []struct {
		name     string
		itemID   string
		wantItem TestItem
		wantOk   bool
	}{
		{name: "get existing item", itemID: "test-1", wantItem: testItem, wantOk: true},
		{name: "get non-existent item", itemID: "missing", wantItem: TestItem{}, wantOk: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, ok := registry.Get(tt.itemID)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.wantItem, item)
		})
	}
}

func TestOrderedRegistry_ListKeepsRegistrationOrder(t *testing.T) {
	registry := NewOrderedRegistry[int]()
	for i, name := range []string{"c", "a", "d", "b"} {
		require.NoError(t, registry.Register(name, i))
	}
	assert.Equal(t, []string{"c", "a", "d", "b"}, registry.Names())
	assert.Equal(t, []int{0, 1, 2, 3}, registry.List())

	require.NoError(t, registry.Remove("a"))
	assert.Equal(t, []string{"c", "d", "b"}, registry.Names())
	assert.Equal(t, []int{0, 2, 3}, registry.List())

	v, ok := registry.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	require.NoError(t, registry.Register("a", 9))
	assert.Equal(t, []string{"c", "d", "b", "a"}, registry.Names())
}

func TestOrderedRegistry_Remove(t *testing.T) {
	registry := NewOrderedRegistry[TestItem]()
	require.NoError(t, registry.Register("test-1", TestItem{ID: "test-1"}))

	tests := []struct {
		name    string
		itemID  string
		wantErr error
	}{
		{name: "remove existing item", itemID: "test-1", wantErr: nil},
		{name: "remove non-existent item", itemID: "test-1", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Remove(tt.itemID)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, registry.Count())
}

func TestOrderedRegistry_ListSnapshotIsIndependent(t *testing.T) {
	registry := NewOrderedRegistry[string]()
	require.NoError(t, registry.Register("x", "x"))
	require.NoError(t, registry.Register("y", "y"))

	snapshot := registry.List()
	require.NoError(t, registry.Remove("x"))
	assert.Equal(t, []string{"x", "y"}, snapshot)
}

func TestOrderedRegistry_OnChange(t *testing.T) {
	registry := NewOrderedRegistry[int]()

	var changes []Change
	cancel := registry.OnChange(func(c Change) {
		// Hooks run outside the lock, so reading back is safe.
		_ = registry.Count()
		changes = append(changes, c)
	})

	require.NoError(t, registry.Register("a", 1))
	require.NoError(t, registry.Remove("a"))
	require.NoError(t, registry.Register("b", 2))
	registry.Clear()
	registry.Clear()

	assert.Equal(t, []Change{
		{Op: OpRegister, Name: "a"},
		{Op: OpRemove, Name: "a"},
		{Op: OpRegister, Name: "b"},
		{Op: OpClear},
	}, changes)

	cancel()
	require.NoError(t, registry.Register("c", 3))
	assert.Len(t, changes, 4)
}

func TestOrderedRegistry_Concurrency(t *testing.T) {
	registry := NewOrderedRegistry[TestItem]()

	var wg sync.WaitGroup
	numGoroutines := 10
	itemsPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < itemsPerGoroutine; j++ {
				id := fmt.Sprintf("item-%d-%d", goroutineID, j)
				_ = registry.Register(id, TestItem{ID: id})
				_ = registry.List()
				_, _ = registry.Get(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, numGoroutines*itemsPerGoroutine, registry.Count())
	for _, item := range registry.List() {
		got, ok := registry.Get(item.ID)
		require.True(t, ok)
		assert.Equal(t, item, got)
	}
}
