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
	"io"
	"os"

	"github.com/JaredWright/ept-example/eptctl/cmd/util"
	"github.com/JaredWright/ept-example/eptctl/config"
	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/google/subcommands"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	// all prints every leaf instead of runs of identical leaves.
	all bool

	// carveOut restricts output to leaves finer than the coarse
	// granularity.
	carveOut bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the leaf mappings of a built memory map"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - builds the memory map and prints its leaves in address order.
Runs of adjacent leaves with the same granularity and attributes are printed
as one line unless --all is set.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.all, "all", false, "print every leaf.")
	f.BoolVar(&d.carveOut, "carve-out", false, "only print leaves finer than the coarse granularity.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	coarse, _, err := conf.Granularities()
	if err != nil {
		return util.Errorf("dump failed: %v", err)
	}

	s, err := newSession(conf)
	if err != nil {
		return util.Errorf("dump failed: %v", err)
	}
	d.dump(os.Stdout, s.vcpu.Map, coarse)
	if err := s.closeHost(); err != nil {
		return util.Errorf("teardown failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// run is a run of adjacent leaves with equal granularity and attributes.
type run struct {
	start hostarch.Addr
	count uint64
	gran  ept.Granularity
	attr  ept.Attr
}

func (r *run) end() hostarch.Addr {
	return r.start + hostarch.Addr(r.count*r.gran.Size())
}

func (r *run) print(w io.Writer) {
	fmt.Fprintf(w, "%#014x-%#014x %-3v x%-7d %v\n", uint64(r.start), uint64(r.end())-1, r.gran, r.count, r.attr)
}

func (d *Dump) dump(w io.Writer, m *ept.MemoryMap, coarse ept.Granularity) {
	var cur *run
	m.ForEach(func(start hostarch.Addr, g ept.Granularity, pte *ept.PTE) bool {
		if d.carveOut && !g.Finer(coarse) {
			return true
		}
		a := pte.Attr()
		if !d.all && cur != nil && cur.gran == g && cur.attr == a && cur.end() == start {
			cur.count++
			return true
		}
		if cur != nil {
			cur.print(w)
		}
		cur = &run{start: start, count: 1, gran: g, attr: a}
		return true
	})
	if cur != nil {
		cur.print(w)
	}
}
