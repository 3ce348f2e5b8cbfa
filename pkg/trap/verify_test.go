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
	"testing"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
)

func builtMap(t *testing.T, traps *Set, opts BuildOpts) *ept.MemoryMap {
	t.Helper()
	m := ept.New(ept.NewRuntimeAllocator(), ept.Opts{})
	if err := Build(m, traps, opts); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

func TestVerify(t *testing.T) {
	traps := newSet(t, 0x3000, 2*gig+0x1000)
	opts := smallOpts(4 * gig)
	m := builtMap(t, traps, opts)
	if err := Verify(context.Background(), m, traps, opts); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	for _, tc := range []struct {
		name   string
		tamper func(t *testing.T, m *ept.MemoryMap)
	}{
		{
			name: "fired trap",
			tamper: func(t *testing.T, m *ept.MemoryMap) {
				pte, _, err := m.Lookup(0x3000)
				if err != nil {
					t.Fatalf("Lookup: %v", err)
				}
				pte.SetAttr(ept.PassThrough)
			},
		},
		{
			name: "restricted neighbour",
			tamper: func(t *testing.T, m *ept.MemoryMap) {
				pte, _, err := m.Lookup(0x4000)
				if err != nil {
					t.Fatalf("Lookup: %v", err)
				}
				pte.SetAttr(ept.ReadOnly)
			},
		},
		{
			name: "hole",
			tamper: func(t *testing.T, m *ept.MemoryMap) {
				if err := m.Unmap(gig); err != nil {
					t.Fatalf("Unmap: %v", err)
				}
			},
		},
		{
			name: "wrong granularity",
			tamper: func(t *testing.T, m *ept.MemoryMap) {
				if err := m.Unmap(gig); err != nil {
					t.Fatalf("Unmap: %v", err)
				}
				if err := m.IdentityMapContiguous(gig, 512, ept.Size2M, ept.PassThrough); err != nil {
					t.Fatalf("IdentityMapContiguous: %v", err)
				}
			},
		},
		{
			name: "mapped past guest",
			tamper: func(t *testing.T, m *ept.MemoryMap) {
				if err := m.IdentityMapContiguous(2*gig, 1, ept.Size1G, ept.PassThrough); err != nil {
					t.Fatalf("IdentityMapContiguous: %v", err)
				}
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			traps := newSet(t, 0x3000)
			opts := smallOpts(2 * gig)
			m := builtMap(t, traps, opts)
			tc.tamper(t, m)
			if err := Verify(context.Background(), m, traps, opts); !errors.Is(err, ErrMismatch) {
				t.Errorf("Verify = %v, want %v", err, ErrMismatch)
			}
		})
	}
}

func TestVerifyCancelled(t *testing.T) {
	traps := newSet(t, hostarch.PageSize)
	opts := smallOpts(gig)
	m := builtMap(t, traps, opts)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Verify(ctx, m, traps, opts); !errors.Is(err, context.Canceled) {
		t.Errorf("Verify = %v, want %v", err, context.Canceled)
	}
}
