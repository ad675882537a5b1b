// Package bootconfig loads a boot-time system description (partitions,
// per-CPU count, cspace sizing, initial memory extents) from TOML and
// wires up an in-process hypervisor System, the host-side test/deployment
// analogue of the device-tree parameters spec.md's Non-goals place out of
// scope for the hypervisor core itself (spec.md §9 "Global mutable
// state... one-shot initialization at boot").
//
// Grounded on spec.md §9 plus the teacher pack's TOML-configuration idiom
// (github.com/BurntSushi/toml); partition/VM resource descriptors borrow
// the OCI runtime-spec's LinuxResources shape (DOMAIN STACK), the pack's
// closest analogue to a VM resource descriptor.
package bootconfig

import (
	"fmt"
	"math/rand"

	"github.com/BurntSushi/toml"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/latticevm/lattice/pkg/addrspace"
	"github.com/latticevm/lattice/pkg/cspace"
	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/partition"
	"github.com/latticevm/lattice/pkg/rcu"
	"github.com/latticevm/lattice/pkg/scheduler"
	"github.com/latticevm/lattice/pkg/thread"
)

// PartitionConfig describes one boot-time partition: its arena size, cap
// table quota, and OCI-runtime-spec-shaped resource limits (DOMAIN STACK:
// specs.LinuxResources models the "memory limit / cpu affinity mask" a
// real device tree would carry as a partition's resource envelope).
type PartitionConfig struct {
	Name          string `toml:"name"`
	ArenaBytes    int    `toml:"arena_bytes"`
	CapTableQuota int    `toml:"cap_table_quota"`

	Resources specs.LinuxResources `toml:"-"`
}

// VCPUConfig describes one boot-time VCPU thread.
type VCPUConfig struct {
	Partition   string `toml:"partition"`
	Priority    int    `toml:"priority"`
	Affinity    int    `toml:"affinity"`
	TimesliceNs int64  `toml:"timeslice_ns"`
	StackBytes  int    `toml:"stack_bytes"`
	HLOSVM      bool   `toml:"hlos_vm"`
}

// Config is the root TOML document: `latticectl boot <file>` loads one of
// these.
type Config struct {
	NumCPUs       int               `toml:"num_cpus"`
	TickHz        float64           `toml:"tick_hz"`
	MaxCapsPerCS  uint32            `toml:"max_caps_per_cspace"`
	Partitions    []PartitionConfig `toml:"partition"`
	VCPUs         []VCPUConfig      `toml:"vcpu"`
}

// Load decodes a Config from TOML bytes.
func Load(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("bootconfig: %w", err)
	}
	if cfg.NumCPUs <= 0 {
		return nil, herr.ArgumentInvalid
	}
	if cfg.TickHz <= 0 {
		cfg.TickHz = 1000
	}
	if cfg.MaxCapsPerCS == 0 {
		cfg.MaxCapsPerCS = 4096
	}
	return &cfg, nil
}

// System is the fully wired, running set of top-level hypervisor objects
// a boot produces: the RCU domain, the scheduler, every configured
// partition with its one cspace (shared by that partition's threads), and
// every configured VCPU thread. Boot creates no address spaces.
type System struct {
	Config *Config

	RCU       *rcu.Domain
	Scheduler *scheduler.Scheduler

	Partitions map[string]*partition.Partition
	CSpaces    map[string]*cspace.Cspace
	Threads    []*thread.Thread
}

// Boot constructs a System from cfg: one partition per PartitionConfig
// (with its own cspace), one VCPU thread per VCPUConfig pinned to its
// configured affinity, and an idle thread per physical CPU. Matches
// spec.md §9's "one-shot initialization at boot" contract — there is no
// corresponding Shutdown; the process owns these objects until it exits.
func Boot(cfg *Config) (*System, error) {
	sys := &System{
		Config:     cfg,
		RCU:        rcu.NewDomain(cfg.NumCPUs),
		Partitions: make(map[string]*partition.Partition),
		CSpaces:    make(map[string]*cspace.Cspace),
	}
	sys.Scheduler = scheduler.New(cfg.NumCPUs, sys.RCU)

	for c := 0; c < cfg.NumCPUs; c++ {
		sys.RCU.Activate(c)
	}

	for _, pc := range cfg.Partitions {
		if pc.Name == "" || pc.ArenaBytes <= 0 {
			return nil, herr.ArgumentInvalid
		}
		p, err := partition.New(pc.ArenaBytes, pc.CapTableQuota)
		if err != nil {
			return nil, err
		}
		p.Memdb.BindRCU(sys.RCU, 0)
		sys.Partitions[pc.Name] = p

		src := rand.New(rand.NewSource(int64(len(sys.CSpaces)) + 1))
		cs := cspace.NewCspace(p, sys.RCU, 0, cfg.MaxCapsPerCS, src)
		if err := cs.Activate(); err != nil {
			return nil, err
		}
		sys.CSpaces[pc.Name] = cs
	}

	for c := 0; c < cfg.NumCPUs; c++ {
		idleThread := thread.New(nil, sys.Scheduler, thread.Options{Priority: -1, Affinity: c})
		sys.Scheduler.SetIdle(c, idleThread)
	}

	for _, vc := range cfg.VCPUs {
		p, ok := sys.Partitions[vc.Partition]
		if !ok {
			return nil, fmt.Errorf("bootconfig: vcpu references unknown partition %q", vc.Partition)
		}
		stackBytes := vc.StackBytes
		if stackBytes == 0 {
			stackBytes = 16384
		}
		th := thread.New(p, sys.Scheduler, thread.Options{
			Priority:    vc.Priority,
			Affinity:    vc.Affinity,
			TimesliceNs: vc.TimesliceNs,
			StackSize:   uint64(stackBytes),
			HLOSVM:      vc.HLOSVM,
		})
		if err := th.Activate(struct{}{}); err != nil {
			return nil, err
		}
		sys.Threads = append(sys.Threads, th)
	}

	return sys, nil
}

// NewAddrspace is a convenience used by cmd/latticectl and tests to
// configure an address space outside the static TOML schema (VMID
// assignment is dynamic, not boot-declared, per spec.md §4.3).
func NewAddrspace() (*addrspace.Addrspace, error) {
	as := addrspace.New()
	if err := as.Configure(); err != nil {
		return nil, err
	}
	return as, nil
}
