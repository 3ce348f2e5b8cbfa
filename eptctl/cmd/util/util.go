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

// Package util groups helpers shared by eptctl commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/JaredWright/ept-example/pkg/log"
	"github.com/google/subcommands"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user, in addition to the log.
var ErrorLogger io.Writer = os.Stderr

func writeError(format string, args ...any) {
	log.Warningf(format, args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
}

// Fatalf logs the same message as Errorf and exits with status 128.
func Fatalf(format string, args ...any) {
	writeError(format, args...)
	os.Exit(128)
}

// Errorf logs an error message and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	writeError(format, args...)
	return subcommands.ExitFailure
}
