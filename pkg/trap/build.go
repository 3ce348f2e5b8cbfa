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

package trap

import (
	"fmt"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/log"
)

// DefaultGuestSize is the amount of guest-physical memory identity mapped by
// default.
const DefaultGuestSize = 64 << 30

// BuildOpts describe the shape of a trapping map.
type BuildOpts struct {
	// GuestSize is the number of bytes identity mapped from address zero.
	// It must be a multiple of the coarse page size.
	GuestSize uint64

	// Coarse is the granularity of the bulk identity map.
	Coarse ept.Granularity

	// Fine is the granularity of the carve-out around each trapped page.
	Fine ept.Granularity

	// Default applies to every page that is not trapped.
	Default ept.Attr

	// Trap applies to trapped pages.
	Trap ept.Attr
}

// DefaultBuildOpts returns 64 GiB of write-back pass-through memory in 1 GiB
// pages, with trapped pages carved out at 4 KiB and made execute-only.
func DefaultBuildOpts() BuildOpts {
	return BuildOpts{
		GuestSize: DefaultGuestSize,
		Coarse:    ept.Size1G,
		Fine:      ept.Size4K,
		Default:   ept.PassThrough,
		Trap:      ept.ExecuteOnly,
	}
}

// Validate checks that the options describe a buildable map.
func (o *BuildOpts) Validate() error {
	if !o.Coarse.Valid() || !o.Fine.Valid() {
		return fmt.Errorf("invalid granularities coarse %v, fine %v", o.Coarse, o.Fine)
	}
	if !o.Fine.Finer(o.Coarse) {
		return fmt.Errorf("fine granularity %v is not smaller than coarse granularity %v", o.Fine, o.Coarse)
	}
	if o.GuestSize == 0 || o.GuestSize&o.Coarse.Mask() != 0 {
		return fmt.Errorf("%w: guest size %#x is not a positive multiple of %v", ept.ErrMisaligned, o.GuestSize, o.Coarse)
	}
	if o.GuestSize > ept.MaxAddress {
		return fmt.Errorf("%w: guest size %#x", ept.ErrOutOfRange, o.GuestSize)
	}
	if !o.Default.Valid() {
		return fmt.Errorf("%w: default %v", ept.ErrInvalidAttr, o.Default)
	}
	if !o.Trap.Valid() {
		return fmt.Errorf("%w: trap %v", ept.ErrInvalidAttr, o.Trap)
	}
	return nil
}

// Build fills the empty map m so that every page in traps is trapped and the
// rest of the guest space is passed through:
//
//  1. [0, GuestSize) is identity mapped at the coarse granularity.
//  2. Each coarse region holding a trapped page is unmapped.
//  3. That region is identity mapped again at the fine granularity.
//  4. Each trapped page gets the trap attribute.
//
// On success m is sealed. On failure m is poisoned and must not be
// activated.
func Build(m *ept.MemoryMap, traps *Set, opts BuildOpts) error {
	if err := build(m, traps, opts); err != nil {
		m.Poison(err)
		return err
	}
	return m.Seal()
}

func build(m *ept.MemoryMap, traps *Set, opts BuildOpts) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	var err error
	traps.Ascend(func(p Page) bool {
		if uint64(p.HPA) >= opts.GuestSize {
			err = fmt.Errorf("%w: trapped page %v outside guest space of %#x bytes", ept.ErrOutOfRange, p.HPA, opts.GuestSize)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	if err := m.IdentityMapContiguous(0, opts.GuestSize>>opts.Coarse.Shift(), opts.Coarse, opts.Default); err != nil {
		return fmt.Errorf("mapping guest space: %w", err)
	}

	coarse := opts.Coarse.Size()
	for _, region := range traps.Regions(opts.Coarse) {
		if err := m.Unmap(region); err != nil {
			return fmt.Errorf("unmapping region %v: %w", region, err)
		}
		// The map is not active yet, so no walker can hold freed tables.
		m.Recycle()
		if err := m.IdentityMapRange(region, region+hostarch.Addr(coarse-1), opts.Fine, opts.Default); err != nil {
			return fmt.Errorf("splitting region %v: %w", region, err)
		}
		log.Debugf("Split %v region at %v into %v pages", opts.Coarse, region, opts.Fine)
	}

	traps.Ascend(func(p Page) bool {
		var pte *ept.PTE
		pte, _, err = m.Lookup(p.HPA)
		if err != nil {
			err = fmt.Errorf("arming trap at %v: %w", p.HPA, err)
			return false
		}
		pte.SetAttr(opts.Trap)
		log.Debugf("Trapping page %v with %v", p.HPA, opts.Trap)
		return true
	})
	return err
}
