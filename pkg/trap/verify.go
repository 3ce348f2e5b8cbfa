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
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"golang.org/x/sync/errgroup"
)

// ErrMismatch is returned by Verify when the map differs from what Build
// produces.
var ErrMismatch = errors.New("memory map does not match build options")

// checkInterval is the number of leaves checked between context checks.
const checkInterval = 4096

// Verify checks that m is exactly what Build(m, traps, opts) produces and
// that no trap has fired yet:
//
//   - every address below opts.GuestSize is identity mapped;
//   - nothing at or above opts.GuestSize is mapped;
//   - coarse regions holding a trapped page are mapped at the fine
//     granularity, all others at the coarse granularity;
//   - trapped pages carry opts.Trap and everything else opts.Default.
//
// Coarse regions are checked concurrently.
func Verify(ctx context.Context, m *ept.MemoryMap, traps *Set, opts BuildOpts) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	split := make(map[hostarch.Addr]bool)
	for _, r := range traps.Regions(opts.Coarse) {
		split[r] = true
	}
	trapped := make(map[hostarch.Addr]bool)
	for _, r := range traps.Regions(opts.Fine) {
		trapped[r] = true
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for r := uint64(0); r < opts.GuestSize; r += opts.Coarse.Size() {
		region := hostarch.Addr(r)
		g.Go(func() error {
			if !split[region] {
				return verifyLeaf(m, region, opts.Coarse, opts.Default)
			}
			return verifySplit(ctx, m, region, trapped, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if opts.GuestSize < ept.MaxAddress {
		end := hostarch.Addr(opts.GuestSize)
		if pte, _, err := m.Lookup(end); !errors.Is(err, ept.ErrNoMapping) {
			return fmt.Errorf("%w: %v past the guest space is mapped by %v", ErrMismatch, end, pte)
		}
	}
	return nil
}

func verifySplit(ctx context.Context, m *ept.MemoryMap, region hostarch.Addr, trapped map[hostarch.Addr]bool, opts BuildOpts) error {
	size := opts.Fine.Size()
	for i, off := 0, uint64(0); off < opts.Coarse.Size(); i, off = i+1, off+size {
		if i%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		addr := region + hostarch.Addr(off)
		want := opts.Default
		if trapped[addr] {
			want = opts.Trap
		}
		if err := verifyLeaf(m, addr, opts.Fine, want); err != nil {
			return err
		}
	}
	return nil
}

func verifyLeaf(m *ept.MemoryMap, addr hostarch.Addr, want ept.Granularity, attr ept.Attr) error {
	pte, g, err := m.Lookup(addr)
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrMismatch, addr, err)
	}
	if g != want {
		return fmt.Errorf("%w: %v mapped at %v, want %v", ErrMismatch, addr, g, want)
	}
	if got := hostarch.Addr(pte.Address()); got != addr {
		return fmt.Errorf("%w: %v maps host address %v", ErrMismatch, addr, got)
	}
	if got := pte.Attr(); got != attr {
		return fmt.Errorf("%w: %v has attributes %v, want %v", ErrMismatch, addr, got, attr)
	}
	last := addr + hostarch.Addr(want.Size()-1)
	if hpa, _, err := m.Translate(last); err != nil || hpa != last {
		return fmt.Errorf("%w: %v translates to %v (%v)", ErrMismatch, last, hpa, err)
	}
	return nil
}
