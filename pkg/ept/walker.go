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
)

// visitor is the policy applied to entries during a walk.
type visitor interface {
	// visit is called for each leaf. For allocating walks, leaves are
	// visited at the walker's leaf level whether or not they are valid.
	//
	// start is the first address governed by pte. Returning false stops
	// the walk.
	visit(start uintptr, pte *PTE, level int) bool
}

// Walker walks page tables.
type Walker struct {
	// m is the map to walk.
	m *MemoryMap

	// visitor is the set of arguments.
	visitor visitor

	// alloc is true if missing tables down to leafLevel must be created.
	alloc bool

	// leafLevel is the level at which an allocating walk installs leaves.
	leafLevel int
}

// addrEnd returns the address of the next boundary of the given size after
// addr, or end if that comes earlier.
//
//go:nosplit
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end).
//
// Allocating walks never meet a leaf above the leaf level; callers must rule
// that out first (see MemoryMap.checkConflicts). Non-allocating walks skip
// invalid entries and reclaim tables found to be empty.
//
// Precondition: start and end are 4K aligned and end <= MaxAddress.
func (w *Walker) iterateRange(start, end uintptr) bool {
	if start%levelSize(0) != 0 {
		panic(fmt.Sprintf("unaligned start: %#x", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%#x > %#x)", start, end))
	}
	ok, _ := w.walkLevel(w.m.root, rootLevel, start, end)
	return ok
}

// walkLevel iterates over the entries of one table in the given range.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkLevel(entries *PTEs, level int, start, end uintptr) (bool, int) {
	var clearEntries int
	size := levelSize(level)
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[indexOf(start, level)]

		if w.alloc {
			if level == w.leafLevel {
				if !w.visitor.visit(start&^(size-1), entry, level) {
					return false, clearEntries
				}
				start = nextBoundary
				continue
			}

			var next *PTEs
			switch {
			case !entry.Valid():
				next = w.m.newTable()
				entry.setPageTable(w.m.allocator.PhysicalFor(next))
			case isLeaf(entry, level):
				panic(fmt.Sprintf("allocating %v walk met a %v leaf at %#x",
					Granularity(w.leafLevel), Granularity(level), start&^(size-1)))
			default:
				next = w.m.allocator.LookupPTEs(entry.Address())
			}
			if ok, _ := w.walkLevel(next, level-1, start, nextBoundary); !ok {
				return false, clearEntries
			}
			start = nextBoundary
			continue
		}

		if !entry.Valid() {
			// Skip over this entry.
			clearEntries++
			start = nextBoundary
			continue
		}

		if isLeaf(entry, level) {
			if !w.visitor.visit(start&^(size-1), entry, level) {
				return false, clearEntries
			}

			// Might have been cleared.
			if !entry.Valid() {
				clearEntries++
			}
			start = nextBoundary
			continue
		}

		next := w.m.allocator.LookupPTEs(entry.Address())
		ok, clearNext := w.walkLevel(next, level-1, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this table.
		if clearNext == entriesPerTable {
			entry.Clear()
			w.m.freeTable(next)
			clearEntries++
		}
		start = nextBoundary
	}
	return true, clearEntries
}

// visitorFunc adapts a function to the visitor interface.
type visitorFunc func(start uintptr, pte *PTE, level int) bool

func (f visitorFunc) visit(start uintptr, pte *PTE, level int) bool {
	return f(start, pte, level)
}
