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

// Package hostarch describes physical addresses, access types and memory
// types as seen by second-level address translation.
package hostarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the smallest page size.
	PageShift = 12

	// PageSize is the smallest page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2 MiB page size.
	HugePageShift = 21

	// HugePageSize is the 2 MiB page size.
	HugePageSize = 1 << HugePageShift

	// SuperPageShift is the binary log of the 1 GiB page size.
	SuperPageShift = 30

	// SuperPageSize is the 1 GiB page size.
	SuperPageSize = 1 << SuperPageShift
)

// Addr represents a guest-physical or host-physical address.
//
// Under identity mapping the two coincide, so a single type serves both.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// AlignDown returns the address rounded down to a multiple of size.
//
// Precondition: size is a power of two.
func (v Addr) AlignDown(size uint64) Addr {
	return v &^ Addr(size-1)
}

// IsAligned returns true if the address is a multiple of size.
//
// Precondition: size is a power of two.
func (v Addr) IsAligned(size uint64) bool {
	return v&Addr(size-1) == 0
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
