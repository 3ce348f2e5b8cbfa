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
	"sync/atomic"

	"github.com/JaredWright/ept-example/pkg/hostarch"
)

// Bits in extended page table entries (SDM 28.3.2).
const (
	readable       = 1 << 0
	writable       = 1 << 1
	executable     = 1 << 2
	memTypeShift   = 3
	memTypeMask    = 0x7 << memTypeShift
	ignorePAT      = 1 << 6
	super          = 1 << 7
	accessed       = 1 << 8
	dirty          = 1 << 9
	permissionMask = readable | writable | executable

	// mapped is a software-available bit. The hardware treats an entry
	// with no permission bits as not present; mapped lets such an entry
	// still be distinguished from one that was never installed.
	mapped = 1 << 52

	addressMask = 0x000ffffffffff000
)

// PTE is an extended page table entry.
//
// The same layout is used at every level. An entry at the PT level always
// maps a 4K frame; at the PD and PDPT levels it either points to the next
// table or, with the super bit set, maps a 2M or 1G frame directly.
type PTE uint64

// Clear clears this PTE, including super page information.
//
//go:nosplit
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Valid returns true iff this entry has been installed.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return atomic.LoadUint64((*uint64)(p))&mapped != 0
}

// IsSuper returns true iff this entry maps a frame larger than 4K.
//
//go:nosplit
func (p *PTE) IsSuper() bool {
	return atomic.LoadUint64((*uint64)(p))&super != 0
}

// Address extracts the address. This should only be used if Valid returns
// true.
//
//go:nosplit
func (p *PTE) Address() uintptr {
	return uintptr(atomic.LoadUint64((*uint64)(p)) & addressMask)
}

// SetAddress replaces the frame address, leaving all other bits in place.
func (p *PTE) SetAddress(addr uintptr) {
	for {
		old := atomic.LoadUint64((*uint64)(p))
		v := (old &^ addressMask) | (uint64(addr) & addressMask)
		if atomic.CompareAndSwapUint64((*uint64)(p), old, v) {
			return
		}
	}
}

// Readable returns true iff reads through this entry do not trap.
func (p *PTE) Readable() bool {
	return atomic.LoadUint64((*uint64)(p))&readable != 0
}

// Writable returns true iff writes through this entry do not trap.
func (p *PTE) Writable() bool {
	return atomic.LoadUint64((*uint64)(p))&writable != 0
}

// Executable returns true iff instruction fetches through this entry do not
// trap.
func (p *PTE) Executable() bool {
	return atomic.LoadUint64((*uint64)(p))&executable != 0
}

// AccessType returns the permissions of this entry.
func (p *PTE) AccessType() hostarch.AccessType {
	return accessTypeOf(atomic.LoadUint64((*uint64)(p)))
}

// MemoryType returns the caching attribute of this entry.
func (p *PTE) MemoryType() hostarch.MemoryType {
	return hostarch.MemoryType((atomic.LoadUint64((*uint64)(p)) & memTypeMask) >> memTypeShift)
}

// Accessed returns true iff the processor set the accessed flag.
func (p *PTE) Accessed() bool {
	return atomic.LoadUint64((*uint64)(p))&accessed != 0
}

// Dirty returns true iff the processor set the dirty flag.
func (p *PTE) Dirty() bool {
	return atomic.LoadUint64((*uint64)(p))&dirty != 0
}

// MarkAccessed sets the accessed flag, and the dirty flag for writes, as the
// processor does when accessed and dirty flags are enabled in the EPTP.
func (p *PTE) MarkAccessed(write bool) {
	bits := uint64(accessed)
	if write {
		bits |= dirty
	}
	for {
		old := atomic.LoadUint64((*uint64)(p))
		if atomic.CompareAndSwapUint64((*uint64)(p), old, old|bits) {
			return
		}
	}
}

// Attr returns the attributes of this entry.
func (p *PTE) Attr() Attr {
	v := atomic.LoadUint64((*uint64)(p))
	return Attr{
		Access:     accessTypeOf(v),
		MemoryType: hostarch.MemoryType((v & memTypeMask) >> memTypeShift),
	}
}

// SetAttr replaces the permissions and memory type of this entry in a single
// store. The frame address, the super bit and the accessed and dirty flags are
// preserved.
//
// SetAttr does not validate a; see Attr.Valid and Misconfigured.
func (p *PTE) SetAttr(a Attr) {
	for {
		old := atomic.LoadUint64((*uint64)(p))
		v := (old &^ (permissionMask | memTypeMask | ignorePAT)) | a.bits()
		if atomic.CompareAndSwapUint64((*uint64)(p), old, v) {
			return
		}
	}
}

// Misconfigured returns true iff the hardware would refuse this entry with an
// EPT misconfiguration: writable without readable, or a reserved memory type
// on a leaf.
func (p *PTE) Misconfigured(leaf bool) bool {
	v := atomic.LoadUint64((*uint64)(p))
	if v&writable != 0 && v&readable == 0 {
		return true
	}
	if leaf && !hostarch.MemoryType((v&memTypeMask)>>memTypeShift).Valid() {
		return true
	}
	return false
}

// set installs a leaf mapping.
//
//go:nosplit
func (p *PTE) set(addr uintptr, a Attr, isSuper bool) {
	v := (uint64(addr) & addressMask) | a.bits() | mapped
	if isSuper {
		v |= super
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// setPageTable sets this PTE value as a pointer to the given table.
//
// Intermediate entries grant every access; the leaf decides.
//
//go:nosplit
func (p *PTE) setPageTable(physical uintptr) {
	v := (uint64(physical) & addressMask) | permissionMask | mapped
	atomic.StoreUint64((*uint64)(p), v)
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	s := fmt.Sprintf("%#x %s %s", p.Address(), p.AccessType(), p.MemoryType().ShortString())
	if p.IsSuper() {
		s += " super"
	}
	return s
}

func accessTypeOf(v uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    v&readable != 0,
		Write:   v&writable != 0,
		Execute: v&executable != 0,
	}
}

// PTEs is a collection of entries; one table at any level.
type PTEs [entriesPerTable]PTE
