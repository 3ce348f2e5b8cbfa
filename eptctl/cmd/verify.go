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
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/JaredWright/ept-example/eptctl/cmd/util"
	"github.com/JaredWright/ept-example/eptctl/config"
	"github.com/JaredWright/ept-example/pkg/trap"
	"github.com/google/subcommands"
)

// Verify implements subcommands.Command for the "verify" command.
type Verify struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Verify) Name() string {
	return "verify"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Verify) Synopsis() string {
	return "check that a built memory map covers, isolates and traps as configured"
}

// Usage implements subcommands.Command.Usage.
func (*Verify) Usage() string {
	return `verify [flags] - builds the memory map and checks every leaf: the guest space
is identity mapped, only regions holding trapped pages are split, and only
trapped pages carry the trap attribute.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Verify) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&v.timeout, "timeout", time.Minute, "time allowed for the check.")
}

// Execute implements subcommands.Command.Execute.
func (v *Verify) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	opts, err := conf.BuildOpts()
	if err != nil {
		return util.Errorf("verify failed: %v", err)
	}

	s, err := newSession(conf)
	if err != nil {
		return util.Errorf("verify failed: %v", err)
	}
	defer s.closeHost()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	start := time.Now()
	if err := trap.Verify(ctx, s.vcpu.Map, s.vcpu.Traps, opts); err != nil {
		return util.Errorf("verify failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "verified %#x bytes, %d trapped page(s) in %v\n", opts.GuestSize, s.vcpu.Traps.Len(), time.Since(start))
	return subcommands.ExitSuccess
}
