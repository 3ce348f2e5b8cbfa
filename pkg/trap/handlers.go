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
	"sync"
	"time"

	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/log"
	"github.com/JaredWright/ept-example/pkg/vmx"
)

// Sentinel is written to the first byte of a trapped page when its trap
// fires.
const Sentinel byte = 0xa5

// ErrRepeatedMisconfiguration is returned when the same guest-physical
// address produces a second misconfiguration. Nothing changes the map
// between the two, so the guest cannot make progress.
var ErrRepeatedMisconfiguration = errors.New("repeated EPT misconfiguration")

const (
	reportInterval = 100 * time.Millisecond
	reportBurst    = 16
)

// HandlerOpts configure Handlers.
type HandlerOpts struct {
	// Trap is the attribute re-applied by Rearm. It defaults to
	// ept.ExecuteOnly.
	Trap ept.Attr

	// Rearm keeps a page trapped after its trap fires: once the retried
	// access completes, the trap attribute is applied again. Without it a
	// trap fires once.
	Rearm bool

	// Logger receives violation reports. It is rate limited. Nil means the
	// global logger.
	Logger log.Logger
}

// Handlers services violations on a trapping map.
type Handlers struct {
	m     *ept.MemoryMap
	traps *Set
	opts  HandlerOpts

	report *log.RateLimited

	mu sync.Mutex

	// fired holds pages whose trap fired and whose retried access has not
	// completed yet.
	fired map[hostarch.Addr]struct{}

	// misconfigured holds addresses that produced a misconfiguration.
	misconfigured map[hostarch.Addr]struct{}
}

// NewHandlers returns handlers for the trapped pages of m.
func NewHandlers(m *ept.MemoryMap, traps *Set, opts HandlerOpts) *Handlers {
	if opts.Trap == (ept.Attr{}) {
		opts.Trap = ept.ExecuteOnly
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	return &Handlers{
		m:             m,
		traps:         traps,
		opts:          opts,
		report:        log.RateLimitedLogger(logger, reportInterval, reportBurst),
		fired:         make(map[hostarch.Addr]struct{}),
		misconfigured: make(map[hostarch.Addr]struct{}),
	}
}

// Register installs the handlers in d and turns on reporting for every kind.
func (h *Handlers) Register(d *vmx.Dispatcher) {
	d.Register(vmx.KindRead, h.Read)
	d.Register(vmx.KindWrite, h.Write)
	d.Register(vmx.KindExecute, h.Execute)
	d.Register(vmx.KindMisconfiguration, h.Misconfiguration)
	for _, k := range []vmx.Kind{vmx.KindRead, vmx.KindWrite, vmx.KindExecute, vmx.KindMisconfiguration} {
		d.EnableLog(k)
	}
}

// Read handles a read of a trapped page: the page becomes pass-through, the
// sentinel is written into it and the read is retried. Reads of mapped pages
// that are not trapped are left unhandled. A read of an address the map does
// not govern is an error: the map was built wrong.
func (h *Handlers) Read(v *vmx.Violation) (bool, error) {
	pte, _, err := h.m.Lookup(v.GPA)
	if err != nil {
		return false, fmt.Errorf("read violation at gpa %v: %w", v.GPA, err)
	}
	page, ok := h.traps.Get(v.GPA)
	if !ok {
		h.report.Warningf("Unhandled ept read violation @ gpa %v: page is not trapped", v.GPA)
		return false, nil
	}
	pte.SetAttr(ept.PassThrough)
	v.IgnoreAdvance = true
	if len(page.Data) > 0 {
		page.Data[0] = Sentinel
	}
	if h.opts.Rearm {
		h.mu.Lock()
		h.fired[page.HPA] = struct{}{}
		h.mu.Unlock()
	}
	return true, nil
}

// Write reports a write violation and leaves it unhandled.
func (h *Handlers) Write(v *vmx.Violation) (bool, error) {
	h.report.Warningf("Unhandled ept write violation @ gpa %v", v.GPA)
	return false, nil
}

// Execute reports an execute violation and leaves it unhandled.
func (h *Handlers) Execute(v *vmx.Violation) (bool, error) {
	h.report.Warningf("Unhandled ept execute violation @ gpa %v", v.GPA)
	return false, nil
}

// Misconfiguration reports a misconfiguration and leaves it unhandled. A
// second misconfiguration at the same address is an error.
func (h *Handlers) Misconfiguration(v *vmx.Violation) (bool, error) {
	h.mu.Lock()
	_, seen := h.misconfigured[v.GPA]
	h.misconfigured[v.GPA] = struct{}{}
	h.mu.Unlock()
	if seen {
		return false, fmt.Errorf("%w @ gpa %v", ErrRepeatedMisconfiguration, v.GPA)
	}
	h.report.Warningf("Unhandled ept misconfiguration @ gpa %v", v.GPA)
	return false, nil
}

// Complete is called once the access that was retried after a trap at gpa
// has finished. With Rearm set, the trap is applied again.
func (h *Handlers) Complete(gpa hostarch.Addr) {
	if !h.opts.Rearm {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	hpa := gpa.RoundDown()
	if _, ok := h.fired[hpa]; !ok {
		return
	}
	delete(h.fired, hpa)
	if pte, _, err := h.m.Lookup(hpa); err == nil {
		pte.SetAttr(h.opts.Trap)
	}
}

// DroppedReports returns the number of reports suppressed by rate limiting.
func (h *Handlers) DroppedReports() uint64 {
	return h.report.Dropped()
}
