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

import "errors"

var (
	// ErrMappingConflict is returned when a range is mapped at one
	// granularity while part of it is already mapped at another.
	ErrMappingConflict = errors.New("mapping conflicts with an existing mapping of different granularity")

	// ErrNoMapping is returned when no leaf governs an address.
	ErrNoMapping = errors.New("no mapping")

	// ErrMisaligned is returned when a range boundary is not aligned to the
	// requested granularity.
	ErrMisaligned = errors.New("address not aligned to granularity")

	// ErrOutOfRange is returned for ranges that overflow or extend past
	// MaxAddress.
	ErrOutOfRange = errors.New("address range out of bounds")

	// ErrInvalidAttr is returned when mapping with attributes the hardware
	// would reject.
	ErrInvalidAttr = errors.New("invalid attributes")

	// ErrReleased is returned for operations on a released map.
	ErrReleased = errors.New("memory map released")
)
