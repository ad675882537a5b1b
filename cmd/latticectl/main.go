// Command latticectl is the scenario-driven test harness spec.md §9's
// "Global mutable state... one-shot initialization at boot" calls for: it
// boots an in-process hypervisor System from a TOML descriptor and
// exposes the object-inspection and trace-dump subcommands used to drive
// the end-to-end scenarios in spec.md §8.
//
// Grounded on the teacher pack's google/subcommands-based CLI shape.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCommand{}, "")
	subcommands.Register(&inspectCspaceCommand{}, "")
	subcommands.Register(&inspectMemdbCommand{}, "")
	subcommands.Register(&dumpTraceCommand{}, "")

	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
