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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/JaredWright/ept-example/eptctl/cmd/util"
	"github.com/JaredWright/ept-example/eptctl/config"
	"github.com/JaredWright/ept-example/pkg/eptsim"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/vmx"
	"github.com/google/subcommands"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	// reads replaces the configured script with this many reads of the
	// first trapped page.
	reads int

	maxRetries int
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run scripted guest accesses against a trapping memory map"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - builds and activates the memory map, then performs the
accesses listed in the configuration's [[access]] tables as the guest would,
printing the outcome of each. An unhandled violation halts the virtual CPU and
ends the script.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.reads, "reads", 0, "if positive, replace the script with this many reads of the first trapped page.")
	f.IntVar(&s.maxRetries, "max-retries", eptsim.DefaultMaxRetries, "retries of one access before the virtual CPU is halted.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config).Clone()
	if s.reads > 0 {
		conf.Script = make([]config.Access, s.reads)
		for i := range conf.Script {
			conf.Script[i] = config.Access{Kind: "read", Trap: true}
		}
	}

	sess, err := newSession(conf)
	if err != nil {
		return util.Errorf("simulate failed: %v", err)
	}
	sess.guest.MaxRetries = s.maxRetries
	trapBase := sess.vcpu.Pages()[0].HPA

	for _, a := range conf.Script {
		at, err := a.AccessType()
		if err != nil {
			sess.close()
			return util.Errorf("simulate failed: %v", err)
		}
		gpa := hostarch.Addr(a.Addr)
		if a.Trap {
			gpa += trapBase
		}
		if !step(os.Stdout, sess.guest, a, gpa, at) {
			break
		}
	}

	printStats(os.Stdout, sess.vcpu.Dispatcher.Stats(), sess.vcpu.Handlers.DroppedReports())

	value, err := sess.close()
	if err != nil && !errors.Is(err, eptsim.ErrVCPUHalted) {
		return util.Errorf("teardown failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "value read from trapped page at teardown: %#x\n", value)
	return subcommands.ExitSuccess
}

// printStats prints the per-kind dispatch counters and the number of
// violation reports dropped by rate limiting.
func printStats(w io.Writer, stats vmx.Stats, dropped uint64) {
	for _, k := range []vmx.Kind{vmx.KindRead, vmx.KindWrite, vmx.KindExecute, vmx.KindMisconfiguration} {
		st := stats.For(k)
		fmt.Fprintf(w, "%-16v dispatched %d handled %d unhandled %d errors %d\n", k, st.Dispatched, st.Handled, st.Unhandled, st.Errors)
	}
	fmt.Fprintf(w, "reports dropped: %d\n", dropped)
}

// step performs one access and prints its outcome to w. It returns false once
// the virtual CPU has halted.
func step(w io.Writer, guest *eptsim.Machine, a config.Access, gpa hostarch.Addr, at hostarch.AccessType) bool {
	before := guest.Violations(gpa)
	var (
		result string
		err    error
	)
	switch {
	case at.Read:
		var b byte
		b, err = guest.LoadByte(gpa)
		result = fmt.Sprintf("%#02x", b)
	case at.Write:
		err = guest.StoreByte(gpa, 0xff)
		result = "stored 0xff"
	default:
		var out eptsim.Outcome
		out, err = guest.Fetch(gpa)
		result = fmt.Sprintf("fetched from %v", out.HPA)
	}
	violations := guest.Violations(gpa) - before
	if err != nil {
		fmt.Fprintf(w, "%-6s %v: %v (%d violation(s))\n", a.Kind, gpa, err, violations)
		return guest.Halted() == nil
	}
	fmt.Fprintf(w, "%-6s %v: %s (%d violation(s))\n", a.Kind, gpa, result, violations)
	return true
}
