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

// Package cmd holds implementations of the eptctl commands.
package cmd

import (
	"errors"
	"fmt"

	"github.com/JaredWright/ept-example/eptctl/config"
	"github.com/JaredWright/ept-example/pkg/eptsim"
	"github.com/JaredWright/ept-example/pkg/hostmem"
	"github.com/JaredWright/ept-example/pkg/trap"
	"github.com/JaredWright/ept-example/pkg/vmx"
)

// session is a virtual CPU with a built and activated trapping map, and a
// simulated guest running on it.
type session struct {
	conf  *config.Config
	pool  *hostmem.Pool
	vmcs  *vmx.FakeVMCS
	vcpu  *trap.VCPU
	guest *eptsim.Machine
}

func newSession(conf *config.Config) (*session, error) {
	tc, err := conf.TrapConfig()
	if err != nil {
		return nil, err
	}
	base, limit := conf.Window()
	pool, err := hostmem.NewPool(base, limit)
	if err != nil {
		return nil, fmt.Errorf("creating page pool: %w", err)
	}
	vmcs := vmx.NewFakeVMCS()
	vcpu, err := trap.NewVCPU(tc, trap.Deps{
		VMCS:   vmcs,
		Memory: pool,
		Tables: conf.Tables(),
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	guest := eptsim.NewMachine(vcpu.Map, vcpu.Dispatcher, pool)
	guest.VMCS = vmcs
	guest.OnComplete = vcpu.Handlers.Complete
	return &session{
		conf:  conf,
		pool:  pool,
		vmcs:  vmcs,
		vcpu:  vcpu,
		guest: guest,
	}, nil
}

// close tears the virtual CPU down. Unless the guest has halted, the final
// read of the trapped page goes through the guest. It returns the value
// read.
func (s *session) close() (byte, error) {
	var g trap.Guest
	if s.guest.Halted() == nil {
		g = s.guest
	}
	value, err := s.vcpu.Close(g)
	return value, errors.Join(err, s.pool.Close())
}

// closeHost tears the virtual CPU down, reading the trapped page from the
// host side so that no trap fires.
func (s *session) closeHost() error {
	_, err := s.vcpu.Close(nil)
	return errors.Join(err, s.pool.Close())
}
