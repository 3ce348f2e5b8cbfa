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

// Package eptsim simulates guest memory accesses against a memory map.
//
// A Machine walks the map the way the processor does on every guest access.
// Accesses the map does not permit become violations, which are handed to a
// vmx.Dispatcher; the dispatch result decides whether the access is retried,
// skipped or whether the virtual CPU halts.
package eptsim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/hostmem"
	"github.com/JaredWright/ept-example/pkg/vmx"
)

var (
	// ErrVCPUHalted is returned when a violation is not handled. The
	// virtual CPU cannot run afterwards.
	ErrVCPUHalted = errors.New("virtual CPU halted")

	// ErrTrapStorm is returned when an access is retried more than
	// MaxRetries times without completing.
	ErrTrapStorm = errors.New("access retried too many times")
)

// DefaultMaxRetries bounds retries of a single access.
const DefaultMaxRetries = 8

// Memory resolves host-physical addresses to backing pages.
type Memory interface {
	Lookup(hpa hostarch.Addr) (hostmem.Page, bool)
}

// Outcome describes a completed access.
type Outcome struct {
	// HPA is the host-physical address accessed. It is zero if the access
	// was skipped.
	HPA hostarch.Addr

	// Violations is the number of violations the access raised.
	Violations int

	// Skipped is true if a handler advanced past the access instead of
	// having it retried.
	Skipped bool
}

// Machine is one simulated virtual CPU.
type Machine struct {
	// Map is the active memory map.
	Map *ept.MemoryMap

	// Dispatcher services violations.
	Dispatcher *vmx.Dispatcher

	// Memory backs host-physical pages. Pages it does not know are
	// simulated as zero-filled memory.
	Memory Memory

	// VMCS, if set, receives the exit information of each violation,
	// which is then decoded from it as on hardware.
	VMCS vmx.VMCS

	// MaxRetries bounds retries of one access. Zero means
	// DefaultMaxRetries.
	MaxRetries int

	// OnComplete, if set, is called with the address of every access
	// that completes after being retried.
	OnComplete func(gpa hostarch.Addr)

	mu         sync.Mutex
	halted     error
	violations map[hostarch.Addr]int
	scratch    map[hostarch.Addr][]byte
}

// NewMachine returns a Machine running m with violations dispatched to d.
func NewMachine(m *ept.MemoryMap, d *vmx.Dispatcher, mem Memory) *Machine {
	return &Machine{
		Map:        m,
		Dispatcher: d,
		Memory:     mem,
	}
}

func (mc *Machine) maxRetries() int {
	if mc.MaxRetries > 0 {
		return mc.MaxRetries
	}
	return DefaultMaxRetries
}

// Access performs one access of type at to gpa.
func (mc *Machine) Access(gpa hostarch.Addr, at hostarch.AccessType) (Outcome, error) {
	if !at.Any() {
		return Outcome{}, fmt.Errorf("access at %v names no access type", gpa)
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.halted != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrVCPUHalted, mc.halted)
	}

	var out Outcome
	for retries := 0; ; retries++ {
		hpa, v, ok := mc.translate(gpa, at)
		if ok {
			if out.Violations > 0 && mc.OnComplete != nil {
				mc.OnComplete(gpa)
			}
			out.HPA = hpa
			return out, nil
		}
		if retries >= mc.maxRetries() {
			return out, mc.halt(fmt.Errorf("%w: %v after %d retries", ErrTrapStorm, &v, retries))
		}

		out.Violations++
		mc.countViolation(gpa)
		res, err := mc.dispatch(&v)
		if err != nil {
			return out, mc.halt(fmt.Errorf("%w: %w", ErrVCPUHalted, err))
		}
		if !res.Handled {
			return out, mc.halt(fmt.Errorf("%w: unhandled %v", ErrVCPUHalted, &v))
		}
		if res.Advance {
			out.Skipped = true
			return out, nil
		}
	}
}

// translate walks the map for one access. It returns the host-physical
// address if the access is permitted, and otherwise the violation it raises.
//
// Precondition: mc.mu is held.
func (mc *Machine) translate(gpa hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, vmx.Violation, bool) {
	pte, g, err := mc.Map.Lookup(gpa)
	if err != nil {
		v, _ := vmx.DecodeViolation(vmx.EncodeQualification(at, hostarch.NoAccess, true), gpa, gpa)
		return 0, v, false
	}
	if pte.Misconfigured(true) {
		return 0, vmx.NewMisconfiguration(gpa), false
	}
	allowed := pte.AccessType()
	if !allowed.SupersetOf(at) {
		v, _ := vmx.DecodeViolation(vmx.EncodeQualification(at, allowed, true), gpa, gpa)
		return 0, v, false
	}
	if mc.Map.AccessedDirty() {
		pte.MarkAccessed(at.Write)
	}
	return hostarch.Addr(pte.Address()) + gpa&hostarch.Addr(g.Mask()), vmx.Violation{}, true
}

// dispatch delivers v, through the VMCS if there is one.
func (mc *Machine) dispatch(v *vmx.Violation) (vmx.Result, error) {
	if mc.VMCS == nil {
		return mc.Dispatcher.Dispatch(v)
	}
	reason := uint64(vmx.ExitReasonEPTViolation)
	if v.Kind == vmx.KindMisconfiguration {
		reason = vmx.ExitReasonEPTMisconfiguration
	}
	for _, w := range []struct {
		field vmx.Field
		value uint64
	}{
		{vmx.FieldExitReason, reason},
		{vmx.FieldExitQualification, v.Qualification},
		{vmx.FieldGuestPhysicalAddress, uint64(v.GPA)},
		{vmx.FieldGuestLinearAddress, uint64(v.GVA)},
	} {
		if err := mc.VMCS.Write(w.field, w.value); err != nil {
			return vmx.Result{}, fmt.Errorf("writing %v: %w", w.field, err)
		}
	}
	return mc.Dispatcher.HandleExit(mc.VMCS)
}

func (mc *Machine) countViolation(gpa hostarch.Addr) {
	if mc.violations == nil {
		mc.violations = make(map[hostarch.Addr]int)
	}
	mc.violations[gpa.RoundDown()]++
}

// halt stops the virtual CPU with err and returns err.
func (mc *Machine) halt(err error) error {
	mc.halted = err
	return err
}

// Halted returns the error that halted the virtual CPU, if any.
func (mc *Machine) Halted() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.halted
}

// Violations returns the number of violations raised by accesses to the
// page containing gpa.
func (mc *Machine) Violations(gpa hostarch.Addr) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.violations[gpa.RoundDown()]
}

// TotalViolations returns the number of violations raised so far.
func (mc *Machine) TotalViolations() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	n := 0
	for _, c := range mc.violations {
		n += c
	}
	return n
}

// backing returns the bytes of the page at hpa. Unknown pages are simulated;
// create controls whether a missing simulated page is allocated.
func (mc *Machine) backing(hpa hostarch.Addr, create bool) []byte {
	base := hpa.RoundDown()
	if mc.Memory != nil {
		if p, ok := mc.Memory.Lookup(base); ok {
			return p.Data
		}
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	data, ok := mc.scratch[base]
	if !ok && create {
		if mc.scratch == nil {
			mc.scratch = make(map[hostarch.Addr][]byte)
		}
		data = make([]byte, hostarch.PageSize)
		mc.scratch[base] = data
	}
	return data
}

// LoadByte reads one byte of guest memory. A skipped read yields zero.
func (mc *Machine) LoadByte(gpa hostarch.Addr) (byte, error) {
	out, err := mc.Access(gpa, hostarch.Read)
	if err != nil || out.Skipped {
		return 0, err
	}
	data := mc.backing(out.HPA, false)
	if data == nil {
		return 0, nil
	}
	return data[out.HPA.PageOffset()], nil
}

// StoreByte writes one byte of guest memory. A skipped write has no effect.
func (mc *Machine) StoreByte(gpa hostarch.Addr, b byte) error {
	out, err := mc.Access(gpa, hostarch.Write)
	if err != nil || out.Skipped {
		return err
	}
	mc.backing(out.HPA, true)[out.HPA.PageOffset()] = b
	return nil
}

// Read reads len(dst) bytes of guest memory starting at gpa, one access
// per byte.
func (mc *Machine) Read(gpa hostarch.Addr, dst []byte) error {
	for i := range dst {
		b, err := mc.LoadByte(gpa + hostarch.Addr(i))
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}

// Write writes src to guest memory starting at gpa, one access per byte.
func (mc *Machine) Write(gpa hostarch.Addr, src []byte) error {
	for i, b := range src {
		if err := mc.StoreByte(gpa+hostarch.Addr(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch performs an instruction fetch at gpa.
func (mc *Machine) Fetch(gpa hostarch.Addr) (Outcome, error) {
	return mc.Access(gpa, hostarch.Execute)
}
