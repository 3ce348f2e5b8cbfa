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

// Package config holds the eptctl configuration.
//
// Values come from three layers, each overriding the previous one: built-in
// defaults, an optional TOML file named by --config, and flags set on the
// command line.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/JaredWright/ept-example/pkg/ept"
	"github.com/JaredWright/ept-example/pkg/hostarch"
	"github.com/JaredWright/ept-example/pkg/log"
	"github.com/JaredWright/ept-example/pkg/trap"
	"github.com/mohae/deepcopy"
)

// DefaultPhysBase is where trapped pages are placed by default.
const DefaultPhysBase = 0x10000000

// Access is one scripted guest access.
type Access struct {
	// Kind is "read", "write" or "fetch".
	Kind string `toml:"kind"`

	// Addr is a guest-physical address, or an offset into the first
	// trapped page if Trap is set.
	Addr uint64 `toml:"addr"`

	// Trap makes Addr relative to the first trapped page.
	Trap bool `toml:"trap"`
}

// String implements fmt.Stringer.String.
func (a Access) String() string {
	if a.Trap {
		return fmt.Sprintf("%s trap+%#x", a.Kind, a.Addr)
	}
	return fmt.Sprintf("%s %#x", a.Kind, a.Addr)
}

// AccessType returns the access type for a.Kind.
func (a Access) AccessType() (hostarch.AccessType, error) {
	switch a.Kind {
	case "read":
		return hostarch.Read, nil
	case "write":
		return hostarch.Write, nil
	case "fetch", "execute":
		return hostarch.Execute, nil
	default:
		return hostarch.NoAccess, fmt.Errorf("unknown access kind %q, valid kinds: read, write, fetch", a.Kind)
	}
}

// Config is the eptctl configuration.
type Config struct {
	// GuestSize is the number of bytes of identity mapped guest memory.
	GuestSize uint64 `toml:"guest_size" flag:"guest-size"`

	// Coarse is the granularity of the bulk map: 4k, 2m or 1g.
	Coarse string `toml:"coarse" flag:"coarse"`

	// Fine is the granularity around trapped pages.
	Fine string `toml:"fine" flag:"fine"`

	// DefaultAttr is the attribute preset of untrapped memory.
	DefaultAttr string `toml:"default_attr" flag:"default-attr"`

	// TrapAttr is the attribute preset of trapped pages.
	TrapAttr string `toml:"trap_attr" flag:"trap-attr"`

	// TrapPages is the number of pages trapped.
	TrapPages int `toml:"trap_pages" flag:"trap-pages"`

	// PhysBase is the host-physical address of the first trapped page.
	PhysBase uint64 `toml:"phys_base" flag:"phys-base"`

	// TableBase is the physical address assigned to the first table.
	TableBase uint64 `toml:"table_base" flag:"table-base"`

	// TableAllocator selects where page tables live: "runtime" keeps them on
	// the Go heap at synthetic physical addresses starting at TableBase,
	// "mmap" places them in anonymous host mappings.
	TableAllocator string `toml:"table_allocator" flag:"table-allocator"`

	// Rearm keeps pages trapped after their trap fires.
	Rearm bool `toml:"rearm" flag:"rearm"`

	// AccessedDirty enables accessed and dirty flags.
	AccessedDirty bool `toml:"accessed_dirty" flag:"accessed-dirty"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" flag:"debug"`

	// Script is the access sequence run by "simulate".
	Script []Access `toml:"access"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GuestSize:      trap.DefaultGuestSize,
		Coarse:         ept.Size1G.String(),
		Fine:           ept.Size4K.String(),
		DefaultAttr:    "wb_pt",
		TrapAttr:       "wb_eo",
		TrapPages:      1,
		PhysBase:       DefaultPhysBase,
		TableBase:      ept.DefaultTableBase,
		TableAllocator: "runtime",
		LogFormat:      "text",
		Script: []Access{
			{Kind: "read", Trap: true},
			{Kind: "read", Trap: true},
			{Kind: "fetch", Trap: true},
			{Kind: "write", Trap: true},
		},
	}
}

// RegisterFlags registers flags used to populate Config. Defaults come from
// Default.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "path to a TOML configuration file. Flags set on the command line take precedence.")
	flagSet.Uint64("guest-size", d.GuestSize, "bytes of guest-physical memory to identity map.")
	flagSet.String("coarse", d.Coarse, "granularity of the bulk identity map: 4k, 2m or 1g.")
	flagSet.String("fine", d.Fine, "granularity of the region around each trapped page: 4k, 2m or 1g.")
	flagSet.String("default-attr", d.DefaultAttr, fmt.Sprintf("attribute preset of untrapped memory, one of %v.", ept.PresetNames()))
	flagSet.String("trap-attr", d.TrapAttr, fmt.Sprintf("attribute preset of trapped pages, one of %v.", ept.PresetNames()))
	flagSet.Int("trap-pages", d.TrapPages, "number of pages to trap.")
	flagSet.Uint64("phys-base", d.PhysBase, "host-physical address of the first trapped page.")
	flagSet.Uint64("table-base", d.TableBase, "physical address assigned to the first page table.")
	flagSet.String("table-allocator", d.TableAllocator, "page table allocator: runtime (default) or mmap.")
	flagSet.Bool("rearm", d.Rearm, "re-arm traps after they fire instead of trapping once.")
	flagSet.Bool("accessed-dirty", d.AccessedDirty, "enable accessed and dirty flags.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
}

// NewFromFlags creates a new Config from the defaults, the file named by the
// "config" flag and the flags explicitly set in flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		var err error
		if conf, err = Load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	fields := make(map[string]reflect.Value)
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fields[name] = obj.Field(i)
		}
	}
	flagSet.Visit(func(fl *flag.Flag) {
		field, ok := fields[fl.Name]
		if !ok {
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("flag %q has no getter", fl.Name))
		}
		field.Set(reflect.ValueOf(getter.Get()))
	})

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (*Config, error) {
	conf := Default()
	script := conf.Script
	conf.Script = nil
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	// A script in the file replaces the default one.
	if !md.IsDefined("access") {
		conf.Script = script
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading config %q: unknown keys %v", path, undecoded)
	}
	return conf, nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Granularities returns the parsed coarse and fine granularities.
func (c *Config) Granularities() (coarse, fine ept.Granularity, err error) {
	if coarse, err = ept.ParseGranularity(c.Coarse); err != nil {
		return 0, 0, fmt.Errorf("coarse: %w", err)
	}
	if fine, err = ept.ParseGranularity(c.Fine); err != nil {
		return 0, 0, fmt.Errorf("fine: %w", err)
	}
	return coarse, fine, nil
}

// BuildOpts returns the map shape described by c.
func (c *Config) BuildOpts() (trap.BuildOpts, error) {
	coarse, fine, err := c.Granularities()
	if err != nil {
		return trap.BuildOpts{}, err
	}
	def, err := ept.ParseAttr(c.DefaultAttr)
	if err != nil {
		return trap.BuildOpts{}, fmt.Errorf("default_attr: %w", err)
	}
	trapAttr, err := ept.ParseAttr(c.TrapAttr)
	if err != nil {
		return trap.BuildOpts{}, fmt.Errorf("trap_attr: %w", err)
	}
	return trap.BuildOpts{
		GuestSize: c.GuestSize,
		Coarse:    coarse,
		Fine:      fine,
		Default:   def,
		Trap:      trapAttr,
	}, nil
}

// TrapConfig returns the VCPU configuration described by c.
func (c *Config) TrapConfig() (trap.Config, error) {
	opts, err := c.BuildOpts()
	if err != nil {
		return trap.Config{}, err
	}
	return trap.Config{
		Build:         opts,
		TrapPages:     c.TrapPages,
		Rearm:         c.Rearm,
		AccessedDirty: c.AccessedDirty,
	}, nil
}

// Window returns the host-physical window trapped pages are placed in.
func (c *Config) Window() (base, limit hostarch.Addr) {
	base = hostarch.Addr(c.PhysBase)
	return base, base + hostarch.Addr(c.TrapPages)*hostarch.PageSize
}

// Tables returns a new page table allocator of the configured kind.
func (c *Config) Tables() ept.Allocator {
	if c.TableAllocator == "mmap" {
		return ept.NewMmapAllocator(ept.IdentityTranslator{})
	}
	return ept.NewRuntimeAllocatorAt(uintptr(c.TableBase))
}

// Validate checks that c is consistent.
func (c *Config) Validate() error {
	opts, err := c.BuildOpts()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if c.TrapPages < 1 {
		return fmt.Errorf("trap_pages must be at least 1, got %d", c.TrapPages)
	}
	base, limit := c.Window()
	if !base.IsPageAligned() {
		return fmt.Errorf("phys_base %v is not page aligned", base)
	}
	if uint64(limit) > c.GuestSize || limit < base {
		return fmt.Errorf("trapped pages [%v, %v) do not fit in %#x bytes of guest memory", base, limit, c.GuestSize)
	}
	if !hostarch.Addr(c.TableBase).IsPageAligned() {
		return fmt.Errorf("table_base %#x is not page aligned", c.TableBase)
	}
	if c.TableBase < c.GuestSize {
		return fmt.Errorf("table_base %#x lies inside guest memory", c.TableBase)
	}
	switch c.TableAllocator {
	case "runtime", "mmap":
	default:
		return fmt.Errorf("invalid table_allocator %q, must be 'runtime' or 'mmap'", c.TableAllocator)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, must be 'text' or 'json'", c.LogFormat)
	}
	for i, a := range c.Script {
		if _, err := a.AccessType(); err != nil {
			return fmt.Errorf("access %d: %w", i, err)
		}
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.GuestSize: %#x", c.GuestSize)
	log.Infof("Config.Granularity: coarse %s, fine %s", c.Coarse, c.Fine)
	log.Infof("Config.Attributes: default %s, trap %s", c.DefaultAttr, c.TrapAttr)
	log.Infof("Config.TrapPages: %d at %#x", c.TrapPages, c.PhysBase)
	log.Infof("Config.Tables: %s at %#x", c.TableAllocator, c.TableBase)
	log.Infof("Config.Rearm: %t", c.Rearm)
	log.Infof("Config.AccessedDirty: %t", c.AccessedDirty)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Debugf("Config.Script: %v", c.Script)
}
