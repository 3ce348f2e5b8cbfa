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
	"strings"
)

// Table geometry. The four levels are, from the root: PML4, PDPT, PD and PT.
const (
	pteShift   = 12
	pmdShift   = 21
	pudShift   = 30
	pml4Shift  = 39
	levelShift = 9

	entriesPerTable = 1 << levelShift
	indexMask       = entriesPerTable - 1

	// numLevels is the page walk length.
	numLevels = 4

	// rootLevel is the level of the PML4 table.
	rootLevel = numLevels - 1

	// AddressBits is the width of addresses translated by a four-level
	// walk.
	AddressBits = pml4Shift + levelShift

	// MaxAddress is the first address beyond the translated space.
	MaxAddress = uint64(1) << AddressBits
)

// Granularity is the size of the region governed by one leaf entry.
type Granularity int

// Supported granularities. The value is also the table level holding the
// leaf.
const (
	Size4K Granularity = iota
	Size2M
	Size1G
)

// Shift returns the binary log of g.Size().
func (g Granularity) Shift() uint {
	return uint(pteShift + levelShift*int(g))
}

// Size returns the number of bytes governed by one leaf.
func (g Granularity) Size() uint64 {
	return uint64(1) << g.Shift()
}

// Mask returns the mask of the offset bits within one leaf.
func (g Granularity) Mask() uint64 {
	return g.Size() - 1
}

// Valid returns true iff g is a supported granularity.
func (g Granularity) Valid() bool {
	return g >= Size4K && g <= Size1G
}

// Finer returns true iff g is a smaller page size than other.
func (g Granularity) Finer(other Granularity) bool {
	return g < other
}

// String implements fmt.Stringer.String.
func (g Granularity) String() string {
	switch g {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
}

// ParseGranularity parses "4k", "2m" or "1g", case insensitively.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(s) {
	case "4k":
		return Size4K, nil
	case "2m":
		return Size2M, nil
	case "1g":
		return Size1G, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q, valid values: 4k, 2m, 1g", s)
	}
}

// levelShiftOf returns the shift of the region covered by one entry at the
// given level.
//
//go:nosplit
func levelShiftOf(level int) uint {
	return uint(pteShift + levelShift*level)
}

// levelSize returns the size of the region covered by one entry at the given
// level.
//
//go:nosplit
func levelSize(level int) uintptr {
	return uintptr(1) << levelShiftOf(level)
}

// indexOf returns the index of addr within the table at the given level.
//
//go:nosplit
func indexOf(addr uintptr, level int) int {
	return int((addr >> levelShiftOf(level)) & indexMask)
}

// isLeaf returns true iff a valid entry at the given level maps a frame rather
// than pointing to the next table.
//
//go:nosplit
func isLeaf(pte *PTE, level int) bool {
	return level == 0 || pte.IsSuper()
}
