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

package vmx

import (
	"errors"
	"testing"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/log"
	"github.com/google/go-cmp/cmp"
)

func sealedMap(t *testing.T, opts ept.Opts) *ept.MemoryMap {
	t.Helper()
	m := ept.New(ept.NewRuntimeAllocatorAt(0x100000), opts)
	if err := m.IdentityMapContiguous(0, 1, ept.Size1G, ept.PassThrough); err != nil {
		t.Fatalf("IdentityMapContiguous: %v", err)
	}
	if err := m.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return m
}

func TestActivate(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts ept.Opts
		want uint64
	}{
		{name: "default", want: 0x10001e},
		{name: "accessed dirty", opts: ept.Opts{AccessedDirty: true}, want: 0x10005e},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := NewFakeVMCS()
			v.Write(FieldSecondaryProcBasedControls, 1<<7)
			m := sealedMap(t, tc.opts)
			if err := Activate(m, v); err != nil {
				t.Fatalf("Activate: %v", err)
			}
			if got, _ := v.Read(FieldEPTPointer); got != tc.want {
				t.Errorf("EPT pointer = %#x, want %#x", got, tc.want)
			}
			if got, _ := v.Read(FieldSecondaryProcBasedControls); got != 1<<7|SecondaryEnableEPT {
				t.Errorf("secondary controls = %#x, want other bits preserved", got)
			}
			want := []Field{FieldSecondaryProcBasedControls, FieldEPTPointer, FieldSecondaryProcBasedControls}
			if diff := cmp.Diff(want, v.Writes()); diff != "" {
				t.Errorf("write order mismatch (-want +got):\n%s", diff)
			}
			if !Enabled(v) {
				t.Errorf("Enabled = false after Activate")
			}
			if err := Deactivate(v); err != nil {
				t.Fatalf("Deactivate: %v", err)
			}
			if Enabled(v) {
				t.Errorf("Enabled = true after Deactivate")
			}
		})
	}
}

func TestActivateRefusesIncompleteMaps(t *testing.T) {
	unsealed := ept.New(ept.NewRuntimeAllocator(), ept.Opts{})
	if err := unsealed.IdentityMapContiguous(0, 1, ept.Size1G, ept.PassThrough); err != nil {
		t.Fatalf("IdentityMapContiguous: %v", err)
	}
	poisoned := ept.New(ept.NewRuntimeAllocator(), ept.Opts{})
	poisoned.Poison(errors.New("allocation failed"))

	for _, tc := range []struct {
		name string
		m    *ept.MemoryMap
		want error
	}{
		{name: "unsealed", m: unsealed, want: ErrNotBuilt},
		{name: "poisoned", m: poisoned, want: ErrPoisoned},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := NewFakeVMCS()
			if err := Activate(tc.m, v); !errors.Is(err, tc.want) {
				t.Fatalf("Activate = %v, want %v", err, tc.want)
			}
			if len(v.Writes()) != 0 {
				t.Errorf("VMCS written after refused activation: %v", v.Writes())
			}
			if Enabled(v) {
				t.Errorf("EPT enabled after refused activation")
			}
		})
	}
}

func TestDecodeViolation(t *testing.T) {
	for _, tc := range []struct {
		name    string
		access  hostarch.AccessType
		allowed hostarch.AccessType
		want    Kind
	}{
		{name: "read of execute-only", access: hostarch.Read, allowed: hostarch.Execute, want: KindRead},
		{name: "write of execute-only", access: hostarch.Write, allowed: hostarch.Execute, want: KindWrite},
		{name: "fetch of read-write", access: hostarch.Execute, allowed: hostarch.ReadWrite, want: KindExecute},
		{name: "read-modify-write", access: hostarch.ReadWrite, allowed: hostarch.NoAccess, want: KindRead},
		{name: "write and fetch", access: hostarch.AccessType{Write: true, Execute: true}, allowed: hostarch.Read, want: KindWrite},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := EncodeQualification(tc.access, tc.allowed, true)
			v, err := DecodeViolation(q, 0x3000, 0x7fff3000)
			if err != nil {
				t.Fatalf("DecodeViolation: %v", err)
			}
			want := Violation{
				Kind:          tc.want,
				GPA:           0x3000,
				GVA:           0x7fff3000,
				GVAValid:      true,
				Access:        tc.access,
				Allowed:       tc.allowed,
				Qualification: q,
			}
			if diff := cmp.Diff(want, v); diff != "" {
				t.Errorf("DecodeViolation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeViolationWithoutGVA(t *testing.T) {
	v, err := DecodeViolation(EncodeQualification(hostarch.Read, hostarch.NoAccess, false), 0x1000, 0xdead)
	if err != nil {
		t.Fatalf("DecodeViolation: %v", err)
	}
	if v.GVAValid || v.GVA != 0 {
		t.Errorf("GVA = %v (valid %t), want none", v.GVA, v.GVAValid)
	}
}

func TestDecodeViolationNoAccess(t *testing.T) {
	if _, err := DecodeViolation(EncodeQualification(hostarch.NoAccess, hostarch.Read, true), 0x1000, 0); err == nil {
		t.Errorf("DecodeViolation succeeded for a qualification naming no access")
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindRead:             "read",
		KindWrite:            "write",
		KindExecute:          "execute",
		KindMisconfiguration: "misconfiguration",
		numKinds:             "Kind(4)",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestDispatchRoutesByKind(t *testing.T) {
	d := NewDispatcher(nil)
	var got []Kind
	for k := KindRead; k < numKinds; k++ {
		d.Register(k, func(v *Violation) (bool, error) {
			got = append(got, v.Kind)
			return true, nil
		})
	}
	for k := KindRead; k < numKinds; k++ {
		v := Violation{Kind: k, GPA: 0x1000}
		res, err := d.Dispatch(&v)
		if err != nil {
			t.Fatalf("Dispatch(%v): %v", k, err)
		}
		if want := (Result{Handled: true, Advance: true}); res != want {
			t.Errorf("Dispatch(%v) = %+v, want %+v", k, res, want)
		}
	}
	want := []Kind{KindRead, KindWrite, KindExecute, KindMisconfiguration}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("handler invocations mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchIgnoreAdvance(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(KindRead, func(v *Violation) (bool, error) {
		v.IgnoreAdvance = true
		return true, nil
	})
	v := Violation{Kind: KindRead}
	res, err := d.Dispatch(&v)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if want := (Result{Handled: true}); res != want {
		t.Errorf("Dispatch = %+v, want %+v", res, want)
	}
}

func TestDispatchUnhandledNeverAdvances(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(KindWrite, func(v *Violation) (bool, error) {
		return false, nil
	})
	for _, k := range []Kind{KindWrite, KindExecute} {
		v := Violation{Kind: k}
		res, err := d.Dispatch(&v)
		if err != nil {
			t.Fatalf("Dispatch(%v): %v", k, err)
		}
		if res != (Result{}) {
			t.Errorf("Dispatch(%v) = %+v, want unhandled", k, res)
		}
	}
	s := d.Stats()
	if got, want := s.For(KindWrite), (KindStats{Dispatched: 1, Unhandled: 1}); got != want {
		t.Errorf("write stats = %+v, want %+v", got, want)
	}
	if got, want := s.For(KindExecute), (KindStats{Dispatched: 1, Unhandled: 1}); got != want {
		t.Errorf("execute stats = %+v, want %+v", got, want)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(nil)
	d.Register(KindMisconfiguration, func(v *Violation) (bool, error) {
		return true, boom
	})
	v := NewMisconfiguration(0x2000)
	res, err := d.Dispatch(&v)
	if !errors.Is(err, boom) {
		t.Fatalf("Dispatch = %v, want %v", err, boom)
	}
	if res != (Result{}) {
		t.Errorf("Dispatch = %+v, want zero result on error", res)
	}
	if got := d.Stats().For(KindMisconfiguration).Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestDispatchInvalidKind(t *testing.T) {
	d := NewDispatcher(nil)
	v := Violation{Kind: numKinds}
	if _, err := d.Dispatch(&v); err == nil {
		t.Errorf("Dispatch of invalid kind succeeded")
	}
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, v ...any)   {}
func (r *recordingLogger) Warningf(format string, v ...any) {}
func (r *recordingLogger) Infof(format string, v ...any) {
	r.lines = append(r.lines, format)
}
func (r *recordingLogger) IsLogging(log.Level) bool { return true }

func TestDispatchLogging(t *testing.T) {
	rl := &recordingLogger{}
	d := NewDispatcher(rl)
	d.EnableLog(KindWrite)
	for _, k := range []Kind{KindRead, KindWrite} {
		v := Violation{Kind: k}
		if _, err := d.Dispatch(&v); err != nil {
			t.Fatalf("Dispatch(%v): %v", k, err)
		}
	}
	if len(rl.lines) != 1 {
		t.Errorf("logged %d lines, want 1 for the enabled kind", len(rl.lines))
	}
}

func TestHandleExit(t *testing.T) {
	d := NewDispatcher(nil)
	var got Violation
	record := func(v *Violation) (bool, error) {
		got = *v
		return true, nil
	}
	d.Register(KindExecute, record)
	d.Register(KindMisconfiguration, record)

	v := NewFakeVMCS()
	v.Write(FieldExitReason, ExitReasonEPTViolation)
	v.Write(FieldExitQualification, EncodeQualification(hostarch.Execute, hostarch.ReadWrite, false))
	v.Write(FieldGuestPhysicalAddress, 0x5000)
	if _, err := d.HandleExit(v); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}
	if got.Kind != KindExecute || got.GPA != 0x5000 {
		t.Errorf("dispatched %v, want execute violation at 0x5000", &got)
	}

	v.Write(FieldExitReason, ExitReasonEPTMisconfiguration)
	if _, err := d.HandleExit(v); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}
	if got.Kind != KindMisconfiguration {
		t.Errorf("dispatched %v, want misconfiguration", &got)
	}

	v.Write(FieldExitReason, 10)
	if _, err := d.HandleExit(v); err == nil {
		t.Errorf("HandleExit succeeded for a non-EPT exit")
	}
}
