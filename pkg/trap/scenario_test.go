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
	"errors"
	"testing"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/eptsim"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/vmx"
)

// eightUnits builds eight coarse units with the page at the start of unit 3
// trapped, and wires the handlers to a fresh dispatcher.
func eightUnits(t *testing.T) (*ept.MemoryMap, *vmx.Dispatcher) {
	t.Helper()
	traps := newSet(t, 3*gig)
	m := ept.New(ept.NewRuntimeAllocator(), ept.Opts{})
	if err := Build(m, traps, smallOpts(8*gig)); err != nil {
		t.Fatalf("Build: %v", err)
	}
	d := vmx.NewDispatcher(nil)
	NewHandlers(m, traps, HandlerOpts{}).Register(d)
	return m, d
}

func unitAttr(t *testing.T, m *ept.MemoryMap, unit int) ept.Attr {
	t.Helper()
	pte, _, err := m.Lookup(hostarch.Addr(unit) * gig)
	if err != nil {
		t.Fatalf("Lookup(unit %d): %v", unit, err)
	}
	return pte.Attr()
}

func TestEightUnitScenarioRead(t *testing.T) {
	m, d := eightUnits(t)
	for unit := 0; unit < 8; unit++ {
		want := ept.PassThrough
		if unit == 3 {
			want = ept.ExecuteOnly
		}
		if got := unitAttr(t, m, unit); got != want {
			t.Errorf("unit %d: attributes %v, want %v", unit, got, want)
		}
	}

	v, err := vmx.DecodeViolation(vmx.EncodeQualification(hostarch.Read, hostarch.Execute, true), 3*gig, 0)
	if err != nil {
		t.Fatalf("DecodeViolation: %v", err)
	}
	res, err := d.Dispatch(&v)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if want := (vmx.Result{Handled: true, Advance: false}); res != want {
		t.Errorf("Dispatch = %+v, want %+v", res, want)
	}
	if got := unitAttr(t, m, 3); got != ept.PassThrough {
		t.Errorf("unit 3 after read: attributes %v, want %v", got, ept.PassThrough)
	}

	// Writes elsewhere never reach the dispatcher.
	mc := eptsim.NewMachine(m, d, nil)
	if err := mc.StoreByte(5*gig, 1); err != nil {
		t.Fatalf("StoreByte: %v", err)
	}
	if got := mc.TotalViolations(); got != 0 {
		t.Errorf("violations = %d, want 0", got)
	}
}

func TestEightUnitScenarioWrite(t *testing.T) {
	m, d := eightUnits(t)
	v, err := vmx.DecodeViolation(vmx.EncodeQualification(hostarch.Write, hostarch.Execute, true), 3*gig, 0)
	if err != nil {
		t.Fatalf("DecodeViolation: %v", err)
	}
	res, err := d.Dispatch(&v)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Handled || res.Advance {
		t.Errorf("Dispatch = %+v, want unhandled", res)
	}
	if got := unitAttr(t, m, 3); got != ept.ExecuteOnly {
		t.Errorf("unit 3 after write: attributes %v, want %v", got, ept.ExecuteOnly)
	}
}

func TestUnmapBeforeRemap(t *testing.T) {
	m := ept.New(ept.NewRuntimeAllocator(), ept.Opts{})
	if err := m.IdentityMapContiguous(0, 8, ept.Size1G, ept.PassThrough); err != nil {
		t.Fatalf("IdentityMapContiguous: %v", err)
	}
	if err := m.IdentityMapRange(3*gig, 4*gig-1, ept.Size4K, ept.PassThrough); !errors.Is(err, ept.ErrMappingConflict) {
		t.Errorf("finer mapping inside a coarse leaf = %v, want %v", err, ept.ErrMappingConflict)
	}
	if _, g, err := m.Lookup(3 * gig); err != nil || g != ept.Size1G {
		t.Errorf("Lookup after rejected remap = (%v, %v), want the 1G leaf intact", g, err)
	}
}
