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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/log"
)

// Handler services one violation. It returns true if the violation was
// handled and the guest may resume.
//
// A handler that returns an error has found an unrecoverable condition; the
// virtual CPU must not resume.
type Handler func(v *Violation) (bool, error)

// Result is the outcome of a dispatch.
type Result struct {
	// Handled is true iff a handler claimed the violation.
	Handled bool

	// Advance is true iff the guest instruction pointer must be moved past
	// the faulting instruction. It is never true for an unhandled violation.
	Advance bool
}

// KindStats counts dispatches of one kind.
type KindStats struct {
	Dispatched uint64
	Handled    uint64
	Unhandled  uint64
	Errors     uint64
}

// Stats holds per-kind counters, indexed by Kind.
type Stats [numKinds]KindStats

type kindCounters struct {
	dispatched atomic.Uint64
	handled    atomic.Uint64
	unhandled  atomic.Uint64
	errors     atomic.Uint64
}

// Dispatcher routes each violation to the handler registered for its kind.
//
// There is exactly one slot per kind. Registration happens before the
// virtual CPU runs; Dispatch is called from the virtual CPU's exit path and
// is safe to call from several virtual CPUs at once.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers [numKinds]Handler
	logging  [numKinds]bool

	logger   log.Logger
	counters [numKinds]kindCounters
}

// NewDispatcher returns a Dispatcher with every slot empty. Reports are
// written to logger; a nil logger means the global logger.
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Log()
	}
	return &Dispatcher{logger: logger}
}

// Register installs h for kind k, replacing any previous handler. A nil h
// empties the slot.
//
// Precondition: k.Valid().
func (d *Dispatcher) Register(k Kind, h Handler) {
	if !k.Valid() {
		panic(fmt.Sprintf("registering handler for invalid kind %v", k))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[k] = h
}

// EnableLog turns on a report line for every dispatch of kind k.
func (d *Dispatcher) EnableLog(k Kind) {
	if !k.Valid() {
		panic(fmt.Sprintf("enabling log for invalid kind %v", k))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logging[k] = true
}

// Dispatch invokes the handler for v.Kind. The handler may set
// v.IgnoreAdvance to have the faulting instruction re-executed.
func (d *Dispatcher) Dispatch(v *Violation) (Result, error) {
	if !v.Kind.Valid() {
		return Result{}, fmt.Errorf("dispatching violation of invalid kind %v at gpa %v", v.Kind, v.GPA)
	}
	d.mu.RLock()
	h := d.handlers[v.Kind]
	logging := d.logging[v.Kind]
	d.mu.RUnlock()

	c := &d.counters[v.Kind]
	c.dispatched.Add(1)
	if logging {
		d.logger.Infof("%v", v)
	}
	if h == nil {
		c.unhandled.Add(1)
		return Result{}, nil
	}
	handled, err := h(v)
	if err != nil {
		c.errors.Add(1)
		return Result{}, fmt.Errorf("%v handler at gpa %v: %w", v.Kind, v.GPA, err)
	}
	if !handled {
		c.unhandled.Add(1)
		return Result{}, nil
	}
	c.handled.Add(1)
	return Result{Handled: true, Advance: !v.IgnoreAdvance}, nil
}

// HandleExit decodes the current exit from vmcs and dispatches it.
//
// Exits other than EPT violations and misconfigurations are an error.
func (d *Dispatcher) HandleExit(vmcs VMCS) (Result, error) {
	reason, err := vmcs.Read(FieldExitReason)
	if err != nil {
		return Result{}, fmt.Errorf("reading exit reason: %w", err)
	}
	gpa, err := vmcs.Read(FieldGuestPhysicalAddress)
	if err != nil {
		return Result{}, fmt.Errorf("reading guest physical address: %w", err)
	}

	var v Violation
	switch basic := reason & 0xffff; basic {
	case ExitReasonEPTViolation:
		qual, err := vmcs.Read(FieldExitQualification)
		if err != nil {
			return Result{}, fmt.Errorf("reading exit qualification: %w", err)
		}
		gva, err := vmcs.Read(FieldGuestLinearAddress)
		if err != nil {
			return Result{}, fmt.Errorf("reading guest linear address: %w", err)
		}
		if v, err = DecodeViolation(qual, hostarch.Addr(gpa), hostarch.Addr(gva)); err != nil {
			return Result{}, err
		}
	case ExitReasonEPTMisconfiguration:
		v = NewMisconfiguration(hostarch.Addr(gpa))
	default:
		return Result{}, fmt.Errorf("exit reason %d is not an EPT exit", basic)
	}
	return d.Dispatch(&v)
}

// Stats returns a snapshot of the per-kind counters.
func (d *Dispatcher) Stats() Stats {
	var s Stats
	for k := range s {
		c := &d.counters[k]
		s[k] = KindStats{
			Dispatched: c.dispatched.Load(),
			Handled:    c.handled.Load(),
			Unhandled:  c.unhandled.Load(),
			Errors:     c.errors.Load(),
		}
	}
	return s
}

// For returns the counters for kind k.
func (s Stats) For(k Kind) KindStats {
	return s[k]
}
