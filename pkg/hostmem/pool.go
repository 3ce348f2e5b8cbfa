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

// Package hostmem provides host pages with stable host-physical addresses.
//
// Pages are backed by anonymous mappings. Their host-physical addresses are
// assigned from a fixed window so that callers can place them inside an
// identity-mapped guest-physical space.
package hostmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JaredWright/ept-example/pkg/hostarch"
	"golang.org/x/sys/unix"
)

var (
	// ErrExhausted is returned when the address window has no free page.
	ErrExhausted = errors.New("host physical window exhausted")

	// ErrClosed is returned by a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrUnknownPage is returned when freeing a page the pool does not own.
	ErrUnknownPage = errors.New("page not allocated from this pool")
)

// Page is one page of host memory.
type Page struct {
	// HPA is the host-physical address of the first byte.
	HPA hostarch.Addr

	// Data is the page contents; len(Data) == hostarch.PageSize.
	Data []byte
}

// Allocator hands out host pages.
type Allocator interface {
	// AllocPage returns a zeroed page.
	AllocPage() (Page, error)

	// Free returns p to the allocator. p.Data must not be used afterwards.
	Free(p Page) error
}

// Pool is an Allocator over the window [Base, Limit).
//
// Pool is safe for concurrent use.
type Pool struct {
	base  hostarch.Addr
	limit hostarch.Addr

	mu sync.Mutex

	// next is the lowest address never handed out.
	next hostarch.Addr

	// free holds addresses returned by Free.
	free []hostarch.Addr

	// pages maps each live address to its backing mapping.
	pages map[hostarch.Addr][]byte

	closed bool
}

var _ Allocator = (*Pool)(nil)

// NewPool returns a Pool over [base, limit).
func NewPool(base, limit hostarch.Addr) (*Pool, error) {
	if !base.IsPageAligned() || !limit.IsPageAligned() {
		return nil, fmt.Errorf("window [%v, %v) is not page aligned", base, limit)
	}
	if limit <= base {
		return nil, fmt.Errorf("window [%v, %v) is empty", base, limit)
	}
	return &Pool{
		base:  base,
		limit: limit,
		next:  base,
		pages: make(map[hostarch.Addr][]byte),
	}, nil
}

// Base returns the first address of the window.
func (p *Pool) Base() hostarch.Addr {
	return p.base
}

// Limit returns the end of the window.
func (p *Pool) Limit() hostarch.Addr {
	return p.limit
}

// AllocPage implements Allocator.AllocPage.
func (p *Pool) AllocPage() (Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Page{}, ErrClosed
	}

	var hpa hostarch.Addr
	if n := len(p.free); n > 0 {
		hpa = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.next >= p.limit {
			return Page{}, ErrExhausted
		}
		hpa = p.next
		p.next += hostarch.PageSize
	}

	data, err := unix.Mmap(-1, 0, hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		p.free = append(p.free, hpa)
		return Page{}, fmt.Errorf("mapping page for %v: %w", hpa, err)
	}
	p.pages[hpa] = data
	return Page{HPA: hpa, Data: data}, nil
}

// Free implements Allocator.Free.
func (p *Pool) Free(page Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.pages[page.HPA]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownPage, page.HPA)
	}
	delete(p.pages, page.HPA)
	p.free = append(p.free, page.HPA)
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unmapping page %v: %w", page.HPA, err)
	}
	return nil
}

// Lookup returns the page containing hpa.
func (p *Pool) Lookup(hpa hostarch.Addr) (Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := hpa.RoundDown()
	data, ok := p.pages[base]
	if !ok {
		return Page{}, false
	}
	return Page{HPA: base, Data: data}, true
}

// Len returns the number of live pages.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

// Close unmaps every live page. The pool cannot allocate afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for hpa, data := range p.pages {
		if err := unix.Munmap(data); err != nil {
			errs = append(errs, fmt.Errorf("unmapping page %v: %w", hpa, err))
		}
	}
	p.pages = nil
	p.free = nil
	return errors.Join(errs...)
}
