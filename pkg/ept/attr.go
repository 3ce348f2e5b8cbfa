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

package ept

import (
	"fmt"
	"sort"

	"github.com/JaredWright/ept-example/pkg/hostarch"
)

// Attr is the permission and caching policy of a leaf entry.
type Attr struct {
	Access     hostarch.AccessType
	MemoryType hostarch.MemoryType
}

// Attribute presets. Names follow the <memory type>_<permissions> convention
// accepted by ParseAttr.
var (
	// PassThrough grants every access with write-back caching. It is both
	// the default for identity mapped memory and the attribute restored
	// when a trap is removed.
	PassThrough = Attr{Access: hostarch.AnyAccess, MemoryType: hostarch.MemoryTypeWriteBack}

	// ExecuteOnly traps reads and writes.
	ExecuteOnly = Attr{Access: hostarch.Execute, MemoryType: hostarch.MemoryTypeWriteBack}

	// ReadOnly traps writes and instruction fetches.
	ReadOnly = Attr{Access: hostarch.Read, MemoryType: hostarch.MemoryTypeWriteBack}

	// ReadWrite traps instruction fetches.
	ReadWrite = Attr{Access: hostarch.ReadWrite, MemoryType: hostarch.MemoryTypeWriteBack}

	// ReadExecute traps writes.
	ReadExecute = Attr{Access: hostarch.ReadExecute, MemoryType: hostarch.MemoryTypeWriteBack}

	// UncachedPassThrough grants every access without caching.
	UncachedPassThrough = Attr{Access: hostarch.AnyAccess, MemoryType: hostarch.MemoryTypeUncached}
)

var presets = map[string]Attr{
	"wb_pt": PassThrough,
	"wb_eo": ExecuteOnly,
	"wb_ro": ReadOnly,
	"wb_rw": ReadWrite,
	"wb_re": ReadExecute,
	"uc_pt": UncachedPassThrough,
}

// ParseAttr returns the preset with the given name.
func ParseAttr(name string) (Attr, error) {
	a, ok := presets[name]
	if !ok {
		return Attr{}, fmt.Errorf("unknown attribute preset %q, valid presets: %v", name, PresetNames())
	}
	return a, nil
}

// PresetNames returns the names of all presets, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Valid returns true iff the hardware accepts a leaf with these attributes.
// Write permission requires read permission and the memory type must be
// defined.
func (a Attr) Valid() bool {
	if a.Access.Write && !a.Access.Read {
		return false
	}
	return a.MemoryType.Valid()
}

// String implements fmt.Stringer.String.
func (a Attr) String() string {
	for name, p := range presets {
		if p == a {
			return name
		}
	}
	return fmt.Sprintf("%s/%s", a.MemoryType.ShortString(), a.Access)
}

func (a Attr) bits() uint64 {
	var v uint64
	if a.Access.Read {
		v |= readable
	}
	if a.Access.Write {
		v |= writable
	}
	if a.Access.Execute {
		v |= executable
	}
	v |= (uint64(a.MemoryType) << memTypeShift) & memTypeMask
	return v
}
