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

// Package ept provides extended page tables: the second-level translation
// from guest-physical to host-physical addresses walked by the processor on
// every guest memory access.
package ept

import (
	"fmt"
	"sync"

	"github.com/JaredWright/ept-example/pkg/hostarch"
)

// Opts are memory map options.
type Opts struct {
	// AccessedDirty enables accessed and dirty flags in the EPTP.
	AccessedDirty bool
}

// MemoryMap is a set of extended page tables.
//
// Structural operations (mapping, unmapping, release) are serialized
// internally. Lookup takes no lock: it may run concurrently with other
// lookups and with attribute changes on individual entries, but not with a
// structural operation.
type MemoryMap struct {
	// mu serializes structural changes.
	mu sync.Mutex

	// root is the PML4 table.
	root *PTEs

	// allocator owns all table memory.
	allocator Allocator

	opts Opts

	// tables is the number of live tables, including root.
	tables int

	// err is the first error of a failed build step. A map with err set
	// must never be activated.
	err error

	// sealed is set once the map is fully built.
	sealed bool

	released bool
}

// New returns a new, empty memory map.
func New(a Allocator, opts Opts) *MemoryMap {
	m := &MemoryMap{
		allocator: a,
		opts:      opts,
	}
	m.root = m.newTable()
	return m
}

func (m *MemoryMap) newTable() *PTEs {
	m.tables++
	return m.allocator.NewPTEs()
}

func (m *MemoryMap) freeTable(ptes *PTEs) {
	m.tables--
	m.allocator.FreePTEs(ptes)
}

// poison records err as the first build failure and returns it.
//
// Precondition: m.mu is held.
func (m *MemoryMap) poison(err error) error {
	if m.err == nil {
		m.err = err
	}
	return err
}

// IdentityMapContiguous installs count leaves of granularity g starting at
// start, each mapping its guest-physical range to the identical host-physical
// range with attributes a.
//
// The whole range is checked before anything is changed: if any part of it is
// mapped at a granularity other than g, ErrMappingConflict is returned and the
// map is left as it was. Leaves already present at granularity g are
// replaced.
//
// Any error poisons the map; see Err.
func (m *MemoryMap) IdentityMapContiguous(start hostarch.Addr, count uint64, g Granularity, a Attr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrReleased
	}
	if !g.Valid() {
		return m.poison(fmt.Errorf("identity map at %v: unsupported granularity %v", start, g))
	}
	if !a.Valid() {
		return m.poison(fmt.Errorf("%w: identity map at %v with %v", ErrInvalidAttr, start, a))
	}
	if !start.IsAligned(g.Size()) {
		return m.poison(fmt.Errorf("%w: start %v, granularity %v", ErrMisaligned, start, g))
	}
	if count == 0 {
		return nil
	}
	if count > MaxAddress>>g.Shift() {
		return m.poison(fmt.Errorf("%w: %d %v pages at %v", ErrOutOfRange, count, g, start))
	}
	end, ok := start.AddLength(count << g.Shift())
	if !ok || uint64(end) > MaxAddress {
		return m.poison(fmt.Errorf("%w: %d %v pages at %v", ErrOutOfRange, count, g, start))
	}
	if err := m.checkConflicts(uintptr(start), uintptr(end), g); err != nil {
		return m.poison(err)
	}

	w := Walker{
		m:         m,
		alloc:     true,
		leafLevel: int(g),
		visitor: visitorFunc(func(s uintptr, pte *PTE, level int) bool {
			pte.set(s, a, level > 0)
			return true
		}),
	}
	w.iterateRange(uintptr(start), uintptr(end))
	return nil
}

// IdentityMapRange identity maps every page of granularity g in the inclusive
// range [begin, last]. last is the final byte of the range, so it must be one
// less than a multiple of g.Size().
func (m *MemoryMap) IdentityMapRange(begin, last hostarch.Addr, g Granularity, a Attr) error {
	if !g.Valid() {
		return m.IdentityMapContiguous(begin, 1, g, a)
	}
	end := uint64(last) + 1
	if end&g.Mask() != 0 || last < begin {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.poison(fmt.Errorf("%w: range [%v, %v], granularity %v", ErrMisaligned, begin, last, g))
	}
	return m.IdentityMapContiguous(begin, (end-uint64(begin))>>g.Shift(), g, a)
}

// checkConflicts returns ErrMappingConflict if any leaf in [start, end) is at
// a granularity other than g.
//
// Precondition: m.mu is held.
func (m *MemoryMap) checkConflicts(start, end uintptr, g Granularity) error {
	var err error
	w := Walker{
		m: m,
		visitor: visitorFunc(func(s uintptr, pte *PTE, level int) bool {
			if level == int(g) {
				return true
			}
			err = fmt.Errorf("%w: mapping [%#x, %#x) at %v overlaps %v leaf at %#x",
				ErrMappingConflict, start, end, g, Granularity(level), s)
			return false
		}),
	}
	w.iterateRange(start, end)
	return err
}

// walkPath records one step of a descent from the root.
type walkPath struct {
	table *PTEs
	index int
}

// Unmap invalidates the leaf that governs addr, whatever its granularity. If
// addr lies in a 1G leaf, the whole 1G region becomes unmapped. Tables left
// empty are released.
//
// ErrNoMapping is returned if no leaf governs addr.
func (m *MemoryMap) Unmap(addr hostarch.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrReleased
	}
	if uint64(addr) >= MaxAddress {
		return fmt.Errorf("unmap %v: %w", addr, ErrNoMapping)
	}

	var path [numLevels]walkPath
	table := m.root
	for level := rootLevel; level >= 0; level-- {
		index := indexOf(uintptr(addr), level)
		entry := &table[index]
		if !entry.Valid() {
			return fmt.Errorf("unmap %v: %w", addr, ErrNoMapping)
		}
		path[level] = walkPath{table: table, index: index}
		if !isLeaf(entry, level) {
			table = m.allocator.LookupPTEs(entry.Address())
			continue
		}

		entry.Clear()

		// Release tables that no longer map anything, bottom up. The
		// root is never released.
		for l := level; l < rootLevel; l++ {
			if !tableEmpty(path[l].table) {
				break
			}
			parent := path[l+1]
			parent.table[parent.index].Clear()
			m.freeTable(path[l].table)
		}
		return nil
	}
	panic("unreachable")
}

func tableEmpty(ptes *PTEs) bool {
	for i := range ptes {
		if ptes[i].Valid() {
			return false
		}
	}
	return true
}

// Lookup returns the leaf that governs addr and its granularity. It never
// creates tables.
//
// The returned entry may be modified in place with SetAttr.
func (m *MemoryMap) Lookup(addr hostarch.Addr) (*PTE, Granularity, error) {
	if m.released {
		return nil, 0, ErrReleased
	}
	if uint64(addr) >= MaxAddress {
		return nil, 0, fmt.Errorf("lookup %v: %w", addr, ErrNoMapping)
	}
	table := m.root
	for level := rootLevel; level >= 0; level-- {
		entry := &table[indexOf(uintptr(addr), level)]
		if !entry.Valid() {
			return nil, 0, fmt.Errorf("lookup %v: %w", addr, ErrNoMapping)
		}
		if isLeaf(entry, level) {
			return entry, Granularity(level), nil
		}
		table = m.allocator.LookupPTEs(entry.Address())
	}
	panic("unreachable")
}

// Translate returns the host-physical address for addr and the access
// permitted there.
func (m *MemoryMap) Translate(addr hostarch.Addr) (hostarch.Addr, hostarch.AccessType, error) {
	pte, g, err := m.Lookup(addr)
	if err != nil {
		return 0, hostarch.NoAccess, err
	}
	return hostarch.Addr(pte.Address()) + addr&hostarch.Addr(g.Mask()), pte.AccessType(), nil
}

// ForEach calls fn for every leaf in address order until fn returns false.
//
// fn may change entry attributes but must not map or unmap.
func (m *MemoryMap) ForEach(fn func(start hostarch.Addr, g Granularity, pte *PTE) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	w := Walker{
		m: m,
		visitor: visitorFunc(func(s uintptr, pte *PTE, level int) bool {
			return fn(hostarch.Addr(s), Granularity(level), pte)
		}),
	}
	w.iterateRange(0, uintptr(MaxAddress))
}

// RootPointer returns the physical address of the PML4 table.
func (m *MemoryMap) RootPointer() uintptr {
	return m.allocator.PhysicalFor(m.root)
}

// EPTP returns the extended page table pointer for this map (SDM 24.6.11):
// the root address, write-back paging-structure memory type and a page walk
// length of four.
func (m *MemoryMap) EPTP() uint64 {
	const (
		walkLengthShift = 3
		accessedDirty   = 1 << 6
	)
	v := uint64(m.RootPointer()) & addressMask
	v |= uint64(hostarch.MemoryTypeWriteBack)
	v |= (numLevels - 1) << walkLengthShift
	if m.opts.AccessedDirty {
		v |= accessedDirty
	}
	return v
}

// AccessedDirty returns true iff the processor maintains accessed and dirty
// flags for this map.
func (m *MemoryMap) AccessedDirty() bool {
	return m.opts.AccessedDirty
}

// Tables returns the number of live tables, including the root.
func (m *MemoryMap) Tables() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables
}

// Poison marks the map as unusable because of err. Only the first error is
// kept.
func (m *MemoryMap) Poison(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poison(err)
}

// Err returns the error that poisoned the map, if any.
func (m *MemoryMap) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Seal marks the map as completely built. Sealing a poisoned map fails.
func (m *MemoryMap) Seal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrReleased
	}
	if m.err != nil {
		return fmt.Errorf("sealing poisoned map: %w", m.err)
	}
	m.sealed = true
	return nil
}

// Sealed returns true iff Seal succeeded.
func (m *MemoryMap) Sealed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealed
}

// Recycle makes tables freed by Unmap available again. It must only be
// called once the translation caches no longer reference them.
func (m *MemoryMap) Recycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocator.Recycle()
}

// Release frees all tables. The map cannot be used afterwards, even if the
// allocator fails to free them.
func (m *MemoryMap) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	m.released = true
	m.sealed = false
	m.root = nil
	m.tables = 0
	if err := m.allocator.Release(); err != nil {
		return fmt.Errorf("releasing tables: %w", err)
	}
	return nil
}
