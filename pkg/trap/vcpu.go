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
	"fmt"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/hostmem"
	"github.com/JaredWright/ept-example/pkg/log"
	"github.com/JaredWright/ept-example/pkg/vmx"
)

// Config configures a VCPU.
type Config struct {
	Build BuildOpts

	// TrapPages is the number of pages to allocate and trap.
	TrapPages int

	// Rearm keeps pages trapped after their trap fires.
	Rearm bool

	// AccessedDirty enables accessed and dirty flags.
	AccessedDirty bool
}

// DefaultConfig returns a configuration with one trapped page and the
// default map shape.
func DefaultConfig() Config {
	return Config{
		Build:     DefaultBuildOpts(),
		TrapPages: 1,
	}
}

// Deps are the services a VCPU runs on.
type Deps struct {
	// VMCS is the virtual CPU's control structure.
	VMCS vmx.VMCS

	// Memory provides the trapped pages.
	Memory hostmem.Allocator

	// Tables provides page table memory. Nil means a RuntimeAllocator.
	Tables ept.Allocator

	// Logger receives reports. Nil means the global logger.
	Logger log.Logger
}

// Guest reads guest-physical memory the way the guest does, through the
// active map.
type Guest interface {
	LoadByte(gpa hostarch.Addr) (byte, error)
}

// VCPU is a virtual CPU running with a trapping map.
type VCPU struct {
	Map        *ept.MemoryMap
	Traps      *Set
	Dispatcher *vmx.Dispatcher
	Handlers   *Handlers

	vmcs   vmx.VMCS
	memory hostmem.Allocator
	logger log.Logger
	pages  []hostmem.Page
}

// NewVCPU registers the violation handlers, allocates and traps
// cfg.TrapPages pages, builds the map and activates it.
func NewVCPU(cfg Config, deps Deps) (*VCPU, error) {
	if cfg.TrapPages < 1 {
		return nil, fmt.Errorf("trap pages %d, need at least one", cfg.TrapPages)
	}
	tables := deps.Tables
	if tables == nil {
		tables = ept.NewRuntimeAllocator()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Log()
	}

	c := &VCPU{
		Map:        ept.New(tables, ept.Opts{AccessedDirty: cfg.AccessedDirty}),
		Traps:      NewSet(),
		Dispatcher: vmx.NewDispatcher(logger),
		vmcs:       deps.VMCS,
		memory:     deps.Memory,
		logger:     logger,
	}
	c.Handlers = NewHandlers(c.Map, c.Traps, HandlerOpts{
		Trap:   cfg.Build.Trap,
		Rearm:  cfg.Rearm,
		Logger: logger,
	})
	c.Handlers.Register(c.Dispatcher)

	if err := c.setup(cfg); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *VCPU) setup(cfg Config) error {
	for i := 0; i < cfg.TrapPages; i++ {
		page, err := c.memory.AllocPage()
		if err != nil {
			return fmt.Errorf("allocating trapped page %d: %w", i, err)
		}
		c.pages = append(c.pages, page)
		if err := c.Traps.Add(Page{HPA: page.HPA, Data: page.Data}); err != nil {
			return err
		}
	}
	if err := Build(c.Map, c.Traps, cfg.Build); err != nil {
		return fmt.Errorf("building memory map: %w", err)
	}
	if err := vmx.Activate(c.Map, c.vmcs); err != nil {
		return fmt.Errorf("activating memory map: %w", err)
	}
	c.logger.Infof("Trapping %d page(s), first at %v", c.Traps.Len(), c.pages[0].HPA)
	return nil
}

// Pages returns the trapped pages in address order.
func (c *VCPU) Pages() []Page {
	return c.Traps.Pages()
}

// Close reads the first byte of the lowest trapped page through g, which
// raises a final violation if the trap is still armed, and logs the value.
// It then turns translation off and releases the map and the pages.
//
// A nil g reads the host view of the page instead.
func (c *VCPU) Close(g Guest) (byte, error) {
	first := c.Traps.Pages()[0]
	var (
		value byte
		err   error
	)
	if g != nil {
		value, err = g.LoadByte(first.HPA)
	} else if len(first.Data) > 0 {
		value = first.Data[0]
	}
	if err == nil {
		c.logger.Infof("Value read from trapped page: %#x", value)
	} else {
		err = fmt.Errorf("reading trapped page %v: %w", first.HPA, err)
	}
	if derr := vmx.Deactivate(c.vmcs); derr != nil {
		err = errors.Join(err, fmt.Errorf("deactivating: %w", derr))
	}
	return value, errors.Join(err, c.release())
}

func (c *VCPU) release() error {
	var errs []error
	if err := c.Map.Release(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.pages {
		if err := c.memory.Free(p); err != nil {
			errs = append(errs, err)
		}
	}
	c.pages = nil
	return errors.Join(errs...)
}
