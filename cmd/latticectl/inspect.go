package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/latticevm/lattice/pkg/bootconfig"
	"github.com/latticevm/lattice/pkg/cspace"
	"github.com/latticevm/lattice/pkg/msgqueue/wire"
	"github.com/latticevm/lattice/pkg/object"
)

// inspectCspaceCommand boots a descriptor and prints what a given
// capability ID in a given partition's cspace resolves to, encoding the
// answer with pkg/msgqueue/wire's Result envelope so the output matches
// what a guest would see over the message-queue IPC path.
type inspectCspaceCommand struct {
	config    string
	partition string
	capID     uint
}

func (*inspectCspaceCommand) Name() string     { return "inspect-cspace" }
func (*inspectCspaceCommand) Synopsis() string { return "look up a capability ID in a partition's cspace" }
func (*inspectCspaceCommand) Usage() string {
	return "inspect-cspace -config <file> -partition <name> -cap <id>\n"
}

func (c *inspectCspaceCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "TOML boot descriptor")
	f.StringVar(&c.partition, "partition", "", "partition name")
	f.UintVar(&c.capID, "cap", 0, "capability ID to look up")
}

func (c *inspectCspaceCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sys, cs, status := c.boot()
	if status != subcommands.ExitSuccess {
		return status
	}
	_ = sys

	obj, objType, rights, err := cs.LookupObject(uint32(c.capID), object.TypeAny, 0, false)
	result, rerr := wire.NewResult(err, map[string]interface{}{
		"partition":  c.partition,
		"cap_id":     c.capID,
		"object_type": objType.String(),
		"rights":     uint32(rights),
	})
	if rerr != nil {
		fmt.Fprintln(os.Stderr, rerr)
		return subcommands.ExitFailure
	}
	if err == nil {
		_ = obj.ObjHeader()
	}
	out, err := wire.Marshal(result)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Println(string(out))
	if !result.OK() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *inspectCspaceCommand) boot() (*bootconfig.System, *cspace.Cspace, subcommands.ExitStatus) {
	if c.config == "" || c.partition == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return nil, nil, subcommands.ExitUsageError
	}
	data, err := os.ReadFile(c.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, subcommands.ExitFailure
	}
	cfg, err := bootconfig.Load(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, subcommands.ExitFailure
	}
	sys, err := bootconfig.Boot(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, subcommands.ExitFailure
	}
	cs, ok := sys.CSpaces[c.partition]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown partition %q\n", c.partition)
		return nil, nil, subcommands.ExitFailure
	}
	return sys, cs, subcommands.ExitSuccess
}

// inspectMemdbCommand boots a descriptor and prints every memdb range
// owned by a given owner ID/type within a partition, using Memdb.Walk.
type inspectMemdbCommand struct {
	config    string
	partition string
	ownerID   uint64
	ownerType uint
}

func (*inspectMemdbCommand) Name() string     { return "inspect-memdb" }
func (*inspectMemdbCommand) Synopsis() string { return "dump ownership ranges from a partition's memdb" }
func (*inspectMemdbCommand) Usage() string {
	return "inspect-memdb -config <file> -partition <name> -owner <id> -owner-type <type>\n"
}

func (c *inspectMemdbCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "TOML boot descriptor")
	f.StringVar(&c.partition, "partition", "", "partition name")
	f.Uint64Var(&c.ownerID, "owner", 0, "owner ID to walk")
	f.UintVar(&c.ownerType, "owner-type", 0, "owner type tag to walk")
}

func (c *inspectMemdbCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.config == "" || c.partition == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(c.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	cfg, err := bootconfig.Load(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	sys, err := bootconfig.Boot(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	p, ok := sys.Partitions[c.partition]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown partition %q\n", c.partition)
		return subcommands.ExitFailure
	}

	err = p.Memdb.Walk(c.ownerID, uint8(c.ownerType), func(start, size uint64) error {
		fmt.Printf("%#x..%#x (%d bytes)\n", start, start+size, size)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
