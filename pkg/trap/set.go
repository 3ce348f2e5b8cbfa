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

// Package trap builds memory maps that trap guest accesses to selected pages
// and services the resulting violations.
//
// The rest of guest-physical memory is identity mapped at a coarse
// granularity with pass-through attributes. The coarse region holding each
// trapped page is split into fine pages, and the trapped page itself gets a
// restrictive attribute. The first read of a trapped page is caught, the page
// is opened up, a sentinel is written into it and the faulting instruction is
// retried, so the guest observes the sentinel.
package trap

import (
	"errors"
	"fmt"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/google/btree"
)

// ErrDuplicate is returned when adding a page that is already trapped.
var ErrDuplicate = errors.New("page already trapped")

// Page describes one trapped page.
type Page struct {
	// HPA is the page-aligned host-physical address. Under identity mapping
	// it is also the guest-physical address that traps.
	HPA hostarch.Addr

	// Data is the host view of the page. It may be nil when only the map
	// is of interest.
	Data []byte
}

const setDegree = 8

// Set is an ordered set of trapped pages keyed by address.
//
// Set is not safe for concurrent mutation; it is filled before the map is
// built and only read afterwards.
type Set struct {
	tree *btree.BTreeG[Page]
}

func lessPage(a, b Page) bool {
	return a.HPA < b.HPA
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{tree: btree.NewG(setDegree, lessPage)}
}

// Add adds p. An unaligned address is aligned down to its page.
func (s *Set) Add(p Page) error {
	p.HPA = p.HPA.RoundDown()
	if s.tree.Has(p) {
		return fmt.Errorf("%w: %v", ErrDuplicate, p.HPA)
	}
	s.tree.ReplaceOrInsert(p)
	return nil
}

// Get returns the trapped page containing addr.
func (s *Set) Get(addr hostarch.Addr) (Page, bool) {
	return s.tree.Get(Page{HPA: addr.RoundDown()})
}

// Contains returns true iff addr lies in a trapped page.
func (s *Set) Contains(addr hostarch.Addr) bool {
	return s.tree.Has(Page{HPA: addr.RoundDown()})
}

// Len returns the number of trapped pages.
func (s *Set) Len() int {
	return s.tree.Len()
}

// Ascend calls fn for every page in address order until fn returns false.
func (s *Set) Ascend(fn func(p Page) bool) {
	s.tree.Ascend(fn)
}

// Pages returns all pages in address order.
func (s *Set) Pages() []Page {
	pages := make([]Page, 0, s.Len())
	s.Ascend(func(p Page) bool {
		pages = append(pages, p)
		return true
	})
	return pages
}

// Regions returns, in order, the distinct regions of granularity g that
// contain at least one trapped page.
func (s *Set) Regions(g ept.Granularity) []hostarch.Addr {
	var regions []hostarch.Addr
	s.Ascend(func(p Page) bool {
		r := p.HPA.AlignDown(g.Size())
		if n := len(regions); n == 0 || regions[n-1] != r {
			regions = append(regions, r)
		}
		return true
	})
	return regions
}
