package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/latticevm/lattice/pkg/bootconfig"
)

// bootCommand boots an in-process System from a TOML descriptor. A
// gofrs/flock guard on a lock file beside the descriptor keeps a second
// concurrent `boot` from racing the same one-shot, no-teardown global
// state (spec.md §9 "Global mutable state... one-shot initialization at
// boot").
type bootCommand struct {
	lockPath string
}

func (*bootCommand) Name() string     { return "boot" }
func (*bootCommand) Synopsis() string { return "boot a hypervisor System from a TOML descriptor" }
func (*bootCommand) Usage() string {
	return "boot <config.toml>\n  Boots partitions, cspaces, and VCPU threads described by config.toml.\n"
}

func (c *bootCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.lockPath, "lock", "", "path to a lock file guarding this boot (default: <config>.lock)")
}

func (c *bootCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	lockPath := c.lockPath
	if lockPath == "" {
		lockPath = path + ".lock"
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		logrus.WithError(err).Error("failed to acquire boot lock")
		return subcommands.ExitFailure
	}
	if !locked {
		logrus.WithField("lock", lockPath).Error("another boot is already in progress")
		return subcommands.ExitFailure
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		logrus.WithError(err).Error("failed to read config")
		return subcommands.ExitFailure
	}

	cfg, err := bootconfig.Load(data)
	if err != nil {
		logrus.WithError(err).Error("failed to parse config")
		return subcommands.ExitFailure
	}

	sys, err := bootconfig.Boot(cfg)
	if err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}

	logrus.WithFields(logrus.Fields{
		"num_cpus":   cfg.NumCPUs,
		"partitions": len(sys.Partitions),
		"threads":    len(sys.Threads),
	}).Info("boot complete")
	return subcommands.ExitSuccess
}
