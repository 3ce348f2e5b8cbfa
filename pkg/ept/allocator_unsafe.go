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
	"errors"
	"fmt"
	"unsafe"

	"github.com/JaredWright/ept-example/pkg/hostarch"
	"golang.org/x/sys/unix"
)

// Translator translates table memory to host-physical addresses.
type Translator interface {
	// TranslateToPhysical translates the given host virtual address into
	// a host-physical address. We do not require that it translates back,
	// the reverse mapping is maintained internally.
	TranslateToPhysical(virtual uintptr) uintptr
}

// IdentityTranslator translates host virtual addresses to themselves. It is
// suitable when the tables are only walked in software.
type IdentityTranslator struct{}

// TranslateToPhysical implements Translator.TranslateToPhysical.
func (IdentityTranslator) TranslateToPhysical(virtual uintptr) uintptr {
	return virtual
}

// tablesPerChunk is the number of tables mapped per mmap call.
const tablesPerChunk = 64

// MmapAllocator allocates page-aligned tables from anonymous mappings, so the
// tables are real pages that a hardware walker can consume once translated.
type MmapAllocator struct {
	translator Translator

	chunks [][]byte
	free   []*PTEs

	// pending holds tables freed since the last Recycle.
	pending []*PTEs

	// physical maps a table's physical address back to the table.
	physical map[uintptr]*PTEs
}

// NewMmapAllocator returns an allocator translating through t.
func NewMmapAllocator(t Translator) *MmapAllocator {
	return &MmapAllocator{
		translator: t,
		physical:   make(map[uintptr]*PTEs),
	}
}

func (a *MmapAllocator) grow() {
	b, err := unix.Mmap(-1, 0, tablesPerChunk*hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(fmt.Sprintf("mmap of table chunk failed: %v", err))
	}
	a.chunks = append(a.chunks, b)
	for i := tablesPerChunk - 1; i >= 0; i-- {
		a.free = append(a.free, (*PTEs)(unsafe.Pointer(&b[i*hostarch.PageSize])))
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *MmapAllocator) NewPTEs() *PTEs {
	if len(a.free) == 0 {
		a.grow()
	}
	ptes := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	*ptes = PTEs{}
	a.physical[a.PhysicalFor(ptes)] = ptes
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *MmapAllocator) PhysicalFor(ptes *PTEs) uintptr {
	return a.translator.TranslateToPhysical(uintptr(unsafe.Pointer(ptes)))
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *MmapAllocator) LookupPTEs(physical uintptr) *PTEs {
	return a.physical[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *MmapAllocator) FreePTEs(ptes *PTEs) {
	delete(a.physical, a.PhysicalFor(ptes))
	a.pending = append(a.pending, ptes)
}

// Recycle implements Allocator.Recycle.
func (a *MmapAllocator) Recycle() {
	a.free = append(a.free, a.pending...)
	a.pending = a.pending[:0]
}

// Release implements Allocator.Release.
func (a *MmapAllocator) Release() error {
	var errs []error
	for _, b := range a.chunks {
		if err := unix.Munmap(b); err != nil {
			errs = append(errs, fmt.Errorf("munmap of table chunk: %w", err))
		}
	}
	a.chunks = nil
	a.free = nil
	a.pending = nil
	a.physical = make(map[uintptr]*PTEs)
	return errors.Join(errs...)
}
