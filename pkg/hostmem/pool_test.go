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

package hostmem

import (
	"errors"
	"testing"

	"github.com/JaredWright/ept-example/pkg/hostarch"
)

func newPool(t *testing.T, pages int) *Pool {
	t.Helper()
	p, err := NewPool(0x3000, 0x3000+hostarch.Addr(pages)*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func TestNewPoolRejectsBadWindows(t *testing.T) {
	for _, tc := range []struct {
		name        string
		base, limit hostarch.Addr
	}{
		{name: "unaligned base", base: 0x1001, limit: 0x3000},
		{name: "unaligned limit", base: 0x1000, limit: 0x3001},
		{name: "empty", base: 0x2000, limit: 0x2000},
		{name: "inverted", base: 0x3000, limit: 0x2000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPool(tc.base, tc.limit); err == nil {
				t.Errorf("NewPool(%v, %v) succeeded", tc.base, tc.limit)
			}
		})
	}
}

func TestAllocPage(t *testing.T) {
	p := newPool(t, 2)
	a, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	b, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if a.HPA != 0x3000 || b.HPA != 0x4000 {
		t.Errorf("addresses = %v, %v, want 0x3000, 0x4000", a.HPA, b.HPA)
	}
	if len(a.Data) != hostarch.PageSize {
		t.Errorf("len(Data) = %d, want %d", len(a.Data), hostarch.PageSize)
	}
	for i, c := range a.Data {
		if c != 0 {
			t.Fatalf("Data[%d] = %#x, want zeroed page", i, c)
		}
	}
	if _, err := p.AllocPage(); !errors.Is(err, ErrExhausted) {
		t.Errorf("AllocPage on full window = %v, want %v", err, ErrExhausted)
	}
}

func TestLookup(t *testing.T) {
	p := newPool(t, 1)
	page, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	page.Data[0x10] = 0xa5
	got, ok := p.Lookup(page.HPA + 0x10)
	if !ok {
		t.Fatalf("Lookup(%v) missed", page.HPA+0x10)
	}
	if got.HPA != page.HPA || got.Data[0x10] != 0xa5 {
		t.Errorf("Lookup = %v/%#x, want %v/0xa5", got.HPA, got.Data[0x10], page.HPA)
	}
	if _, ok := p.Lookup(0x1000); ok {
		t.Errorf("Lookup outside the window hit")
	}
}

func TestFreeReusesAddress(t *testing.T) {
	p := newPool(t, 1)
	page, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := p.Free(page); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.Free(page); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("double Free = %v, want %v", err, ErrUnknownPage)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after Free, want 0", p.Len())
	}
	again, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage after Free: %v", err)
	}
	if again.HPA != page.HPA {
		t.Errorf("reallocated %v, want %v", again.HPA, page.HPA)
	}
}

func TestClosedPool(t *testing.T) {
	p, err := NewPool(0x1000, 0x2000)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if _, err := p.AllocPage(); err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.AllocPage(); !errors.Is(err, ErrClosed) {
		t.Errorf("AllocPage after Close = %v, want %v", err, ErrClosed)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
