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

// Package vmx connects extended page tables to a virtual CPU: it installs a
// memory map in the VMCS and dispatches the EPT violations and
// misconfigurations that the map produces.
package vmx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/log"
)

// Field is a VMCS field encoding.
type Field uint32

// VMCS fields used here (SDM appendix B).
const (
	FieldEPTPointer                 Field = 0x201a
	FieldSecondaryProcBasedControls Field = 0x401e
	FieldExitReason                 Field = 0x4402
	FieldExitQualification          Field = 0x6400
	FieldGuestPhysicalAddress       Field = 0x2400
	FieldGuestLinearAddress         Field = 0x640a
)

// SecondaryEnableEPT is the "enable EPT" secondary processor-based control.
const SecondaryEnableEPT = 1 << 1

// VMCS is the register-write primitive of the virtual CPU that owns a map.
//
// Implementations are bound to one virtual CPU and need not be safe for
// concurrent use.
type VMCS interface {
	// Read returns the value of a field.
	Read(field Field) (uint64, error)

	// Write sets the value of a field.
	Write(field Field, value uint64) error
}

var (
	// ErrNotBuilt is returned when activating a map that was never sealed.
	ErrNotBuilt = errors.New("memory map is not completely built")

	// ErrPoisoned is returned when activating a map whose build failed.
	ErrPoisoned = errors.New("memory map build failed")
)

// Activate installs m as the second-level translation of the virtual CPU
// owning v and turns translation on.
//
// m must be sealed and must not be poisoned; a partially built map is never
// installed. The pointer is written before the enable bit so the processor
// never runs with translation enabled and a stale pointer.
func Activate(m *ept.MemoryMap, v VMCS) error {
	if err := m.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, err)
	}
	if !m.Sealed() {
		return ErrNotBuilt
	}
	eptp := m.EPTP()
	if err := v.Write(FieldEPTPointer, eptp); err != nil {
		return fmt.Errorf("writing EPT pointer %#x: %w", eptp, err)
	}
	controls, err := v.Read(FieldSecondaryProcBasedControls)
	if err != nil {
		return fmt.Errorf("reading secondary controls: %w", err)
	}
	if err := v.Write(FieldSecondaryProcBasedControls, controls|SecondaryEnableEPT); err != nil {
		return fmt.Errorf("enabling EPT: %w", err)
	}
	log.Debugf("EPT enabled, eptp %#x", eptp)
	return nil
}

// Deactivate turns translation off. The pointer is left in place.
func Deactivate(v VMCS) error {
	controls, err := v.Read(FieldSecondaryProcBasedControls)
	if err != nil {
		return fmt.Errorf("reading secondary controls: %w", err)
	}
	return v.Write(FieldSecondaryProcBasedControls, controls&^SecondaryEnableEPT)
}

// Enabled returns true iff the enable EPT control is set in v.
func Enabled(v VMCS) bool {
	controls, err := v.Read(FieldSecondaryProcBasedControls)
	return err == nil && controls&SecondaryEnableEPT != 0
}

// FakeVMCS is an in-memory VMCS. Unwritten fields read as zero.
type FakeVMCS struct {
	mu     sync.Mutex
	fields map[Field]uint64
	writes []Field
}

// NewFakeVMCS returns an empty FakeVMCS.
func NewFakeVMCS() *FakeVMCS {
	return &FakeVMCS{fields: make(map[Field]uint64)}
}

// Read implements VMCS.Read.
func (f *FakeVMCS) Read(field Field) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[field], nil
}

// Write implements VMCS.Write.
func (f *FakeVMCS) Write(field Field, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[field] = value
	f.writes = append(f.writes, field)
	return nil
}

// Writes returns the fields written so far, in order.
func (f *FakeVMCS) Writes() []Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Field(nil), f.writes...)
}

// String implements fmt.Stringer.String.
func (fd Field) String() string {
	switch fd {
	case FieldEPTPointer:
		return "EPT_POINTER"
	case FieldSecondaryProcBasedControls:
		return "SECONDARY_VM_EXEC_CONTROL"
	case FieldExitReason:
		return "VM_EXIT_REASON"
	case FieldExitQualification:
		return "EXIT_QUALIFICATION"
	case FieldGuestPhysicalAddress:
		return "GUEST_PHYSICAL_ADDRESS"
	case FieldGuestLinearAddress:
		return "GUEST_LINEAR_ADDRESS"
	default:
		return fmt.Sprintf("%#x", uint32(fd))
	}
}
