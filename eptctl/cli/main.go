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

// Package cli is the main entrypoint for eptctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/JaredWright/ept-example/eptctl/cmd"
	"github.com/JaredWright/ept-example/eptctl/cmd/util"
	"github.com/JaredWright/ept-example/eptctl/config"
	"github.com/JaredWright/ept-example/pkg/log"
	"github.com/google/subcommands"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))

	const delimString = `**************** eptctl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, page size %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// forEachCmd invokes the passed callback for each command supported by eptctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Build), "")
	cb(new(cmd.Dump), "")
	cb(new(cmd.Simulate), "")
	cb(new(cmd.Verify), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
