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

	"github.com/JaredWright/ept-example/eptctl/cmd/util"
	"github.com/JaredWright/ept-example/eptctl/config"
	"github.com/JaredWright/ept-example/pkg/vmx"
	"github.com/google/subcommands"
)

// Build implements subcommands.Command for the "build" command.
type Build struct{}

// Name implements subcommands.Command.Name.
func (*Build) Name() string {
	return "build"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Build) Synopsis() string {
	return "build and activate a trapping memory map"
}

// Usage implements subcommands.Command.Usage.
func (*Build) Usage() string {
	return `build - builds the memory map described by the configuration, installs it in a
virtual CPU and prints the extended page table pointer and a summary.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Build) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Build) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := newSession(conf)
	if err != nil {
		return util.Errorf("build failed: %v", err)
	}
	eptp, _ := s.vmcs.Read(vmx.FieldEPTPointer)
	fmt.Fprintf(os.Stdout, "eptp:        %#x\n", eptp)
	fmt.Fprintf(os.Stdout, "root:        %#x\n", s.vcpu.Map.RootPointer())
	fmt.Fprintf(os.Stdout, "ept enabled: %t\n", vmx.Enabled(s.vmcs))
	fmt.Fprintf(os.Stdout, "tables:      %d\n", s.vcpu.Map.Tables())
	for _, p := range s.vcpu.Pages() {
		pte, g, err := s.vcpu.Map.Lookup(p.HPA)
		if err != nil {
			s.closeHost()
			return util.Errorf("trapped page %v: %v", p.HPA, err)
		}
		fmt.Fprintf(os.Stdout, "trapped:     %v %v %v\n", p.HPA, g, pte.Attr())
	}

	if err := s.closeHost(); err != nil {
		return util.Errorf("teardown failed: %v", err)
	}
	return subcommands.ExitSuccess
}
