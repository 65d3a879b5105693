package main

import (
	"context"
	"flag"
	"os"

	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/google/subcommands"
)

// meminfoCmd implements subcommands.Command for the "meminfo" command.
type meminfoCmd struct {
	blocks bool
	pages  bool
}

// Name implements subcommands.Command.Name.
func (*meminfoCmd) Name() string {
	return "meminfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*meminfoCmd) Synopsis() string {
	return "boot the memory manager and print its statistics"
}

// Usage implements subcommands.Command.Usage.
func (*meminfoCmd) Usage() string {
	return "meminfo [-blocks] [-pages]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *meminfoCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.blocks, "blocks", false, "also print the heap block list")
	f.BoolVar(&c.pages, "pages", false, "also print the page directory")
}

// Execute implements subcommands.Command.Execute.
func (c *meminfoCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, err := boot(args[0].(*config.Config))
	if err != nil {
		exit(err)
	}
	defer m.Close()

	info, kerr := m.MemInfo()
	if kerr != nil {
		exit(kerr)
	}
	os.Stdout.WriteString(info.String())

	if c.blocks {
		_ = m.MemDump(os.Stdout)
	}
	if c.pages {
		_ = m.DumpPageTables(os.Stdout)
	}
	return subcommands.ExitSuccess
}
