package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/latticevm/lattice/pkg/bootconfig"
	"github.com/latticevm/lattice/pkg/tracebuf"
)

// dumpTraceCommand boots a descriptor with a tracebuf.Buffer hooked into
// logrus and prints every record the boot produced, the CLI analogue of
// draining the hypervisor's trace buffer after a run.
type dumpTraceCommand struct {
	config   string
	capacity int
}

func (*dumpTraceCommand) Name() string     { return "dump-trace" }
func (*dumpTraceCommand) Synopsis() string { return "boot a descriptor and dump its trace buffer" }
func (*dumpTraceCommand) Usage() string {
	return "dump-trace -config <file> [-capacity N]\n"
}

func (c *dumpTraceCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "TOML boot descriptor")
	f.IntVar(&c.capacity, "capacity", 256, "trace buffer capacity")
}

func (c *dumpTraceCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.config == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	buf := tracebuf.New(c.capacity)
	logrus.AddHook(buf.Hook())
	defer func() {
		for _, r := range buf.Records() {
			fmt.Printf("[%s] %s %v\n", r.Level, r.Message, r.Fields)
		}
	}()

	data, err := os.ReadFile(c.config)
	if err != nil {
		logrus.WithError(err).Error("failed to read config")
		return subcommands.ExitFailure
	}
	cfg, err := bootconfig.Load(data)
	if err != nil {
		logrus.WithError(err).Error("failed to parse config")
		return subcommands.ExitFailure
	}
	if _, err := bootconfig.Boot(cfg); err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	logrus.Info("boot complete")
	return subcommands.ExitSuccess
}
