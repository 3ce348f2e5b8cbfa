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

	"github.com/JaredWright/ept-example/pkg/hostarch"
)

// Basic exit reasons for second-level translation faults.
const (
	ExitReasonEPTViolation        = 48
	ExitReasonEPTMisconfiguration = 49
)

// Kind classifies a trapped access. The set is fixed by the hardware.
type Kind int

// Kinds, in dispatch precedence order for violations.
const (
	KindRead Kind = iota
	KindWrite
	KindExecute
	KindMisconfiguration

	numKinds
)

// Valid returns true iff k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindRead && k < numKinds
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindExecute:
		return "execute"
	case KindMisconfiguration:
		return "misconfiguration"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Exit qualification bits for EPT violations (SDM 28.3.3.2).
const (
	qualRead          = 1 << 0
	qualWrite         = 1 << 1
	qualFetch         = 1 << 2
	qualReadable      = 1 << 3
	qualWritable      = 1 << 4
	qualExecutable    = 1 << 5
	qualGVAValid      = 1 << 7
	qualGVATranslated = 1 << 8
)

// Violation describes one trapped access. It is built at the VM exit
// boundary, handed to exactly one handler and discarded.
type Violation struct {
	// Kind selects the handler.
	Kind Kind

	// GPA is the faulting guest-physical address.
	GPA hostarch.Addr

	// GVA is the guest-linear address, if GVAValid.
	GVA      hostarch.Addr
	GVAValid bool

	// Access is the access that was attempted.
	Access hostarch.AccessType

	// Allowed is what the governing entry permitted at the time.
	Allowed hostarch.AccessType

	// Qualification is the raw exit qualification, zero for
	// misconfigurations.
	Qualification uint64

	// IgnoreAdvance is set by a handler to re-execute the faulting
	// instruction instead of skipping it.
	IgnoreAdvance bool
}

// String implements fmt.Stringer.String.
func (v *Violation) String() string {
	if v.Kind == KindMisconfiguration {
		return fmt.Sprintf("ept misconfiguration @ gpa %v", v.GPA)
	}
	return fmt.Sprintf("ept %s violation @ gpa %v (access %s, allowed %s, missing %s)", v.Kind, v.GPA, v.Access, v.Allowed, v.Allowed.Missing(v.Access))
}

// DecodeViolation builds a Violation from an EPT violation exit.
//
// An access may be reported with several bits set, e.g. a read-modify-write.
// The kind is chosen by precedence: read, then write, then execute.
func DecodeViolation(qualification uint64, gpa, gva hostarch.Addr) (Violation, error) {
	v := Violation{
		GPA:           gpa,
		Qualification: qualification,
		Access: hostarch.AccessType{
			Read:    qualification&qualRead != 0,
			Write:   qualification&qualWrite != 0,
			Execute: qualification&qualFetch != 0,
		},
		Allowed: hostarch.AccessType{
			Read:    qualification&qualReadable != 0,
			Write:   qualification&qualWritable != 0,
			Execute: qualification&qualExecutable != 0,
		},
	}
	if qualification&qualGVAValid != 0 {
		v.GVA = gva
		v.GVAValid = true
	}
	switch {
	case v.Access.Read:
		v.Kind = KindRead
	case v.Access.Write:
		v.Kind = KindWrite
	case v.Access.Execute:
		v.Kind = KindExecute
	default:
		return Violation{}, fmt.Errorf("exit qualification %#x at gpa %v names no access", qualification, gpa)
	}
	return v, nil
}

// EncodeQualification returns the exit qualification the processor reports
// for an access denied by an entry allowing allowed.
func EncodeQualification(access, allowed hostarch.AccessType, gvaValid bool) uint64 {
	var q uint64
	if access.Read {
		q |= qualRead
	}
	if access.Write {
		q |= qualWrite
	}
	if access.Execute {
		q |= qualFetch
	}
	if allowed.Read {
		q |= qualReadable
	}
	if allowed.Write {
		q |= qualWritable
	}
	if allowed.Execute {
		q |= qualExecutable
	}
	if gvaValid {
		q |= qualGVAValid | qualGVATranslated
	}
	return q
}

// NewMisconfiguration returns the Violation for an EPT misconfiguration exit.
func NewMisconfiguration(gpa hostarch.Addr) Violation {
	return Violation{Kind: KindMisconfiguration, GPA: gpa}
}
