// Copyright 2026 The gVisor Authors.
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

package ept

import (
	"fmt"

	"github.com/JaredWright/ept-example/pkg/hostarch"
)

// Allocator is used to allocate and map PTEs.
//
// Allocators are owned by exactly one MemoryMap and are not called
// concurrently.
type Allocator interface {
	// NewPTEs returns a new, zeroed set of PTEs.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be
	// available for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for reuse. It must only be called
	// once the hardware can no longer walk them, i.e. after the
	// translation caches have been invalidated.
	Recycle()

	// Release frees all memory held by the allocator.
	Release() error
}

// DefaultTableBase is the first synthetic physical address handed out by
// RuntimeAllocator.
const DefaultTableBase = 1 << 46

// RuntimeAllocator is a trivial allocator backed by the Go heap.
//
// Tables are kept in an arena indexed by table number, and the physical
// address of table i is base + i*PageSize. The addresses never alias guest
// memory as long as base lies above the guest-physical space.
type RuntimeAllocator struct {
	base uintptr

	// tables is the arena; nil slots are free.
	tables []*PTEs

	// index maps a table to its arena slot.
	index map[*PTEs]int

	// free holds recycled slots; pending holds slots freed since the last
	// Recycle.
	free    []int
	pending []int
}

// NewRuntimeAllocator returns an allocator whose tables are addressed from
// DefaultTableBase.
func NewRuntimeAllocator() *RuntimeAllocator {
	return NewRuntimeAllocatorAt(DefaultTableBase)
}

// NewRuntimeAllocatorAt returns an allocator whose tables are addressed from
// base.
//
// Precondition: base is page aligned.
func NewRuntimeAllocatorAt(base uintptr) *RuntimeAllocator {
	if !hostarch.Addr(base).IsPageAligned() {
		panic(fmt.Sprintf("unaligned table base %#x", base))
	}
	return &RuntimeAllocator{
		base:  base,
		index: make(map[*PTEs]int),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	ptes := new(PTEs)
	if n := len(r.free); n > 0 {
		slot := r.free[n-1]
		r.free = r.free[:n-1]
		r.tables[slot] = ptes
		r.index[ptes] = slot
		return ptes
	}
	r.tables = append(r.tables, ptes)
	r.index[ptes] = len(r.tables) - 1
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	slot, ok := r.index[ptes]
	if !ok {
		panic("PhysicalFor called on foreign PTEs")
	}
	return r.base + uintptr(slot)*hostarch.PageSize
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	if physical < r.base {
		return nil
	}
	slot := int((physical - r.base) / hostarch.PageSize)
	if slot >= len(r.tables) {
		return nil
	}
	return r.tables[slot]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	slot, ok := r.index[ptes]
	if !ok {
		panic("FreePTEs called on foreign PTEs")
	}
	delete(r.index, ptes)
	r.tables[slot] = nil
	r.pending = append(r.pending, slot)
}

// Recycle implements Allocator.Recycle.
func (r *RuntimeAllocator) Recycle() {
	r.free = append(r.free, r.pending...)
	r.pending = r.pending[:0]
}

// Release implements Allocator.Release.
func (r *RuntimeAllocator) Release() error {
	r.tables = nil
	r.index = make(map[*PTEs]int)
	r.free = nil
	r.pending = nil
	return nil
}

// Live returns the number of tables currently allocated.
func (r *RuntimeAllocator) Live() int {
	return len(r.index)
}
