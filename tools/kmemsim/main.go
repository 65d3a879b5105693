// Command kmemsim boots the kernel memory subsystem on an emulated CPU and
// exposes it through a set of subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/alexeev-prog/KintsugiOS/kernel/kfmt"
	"github.com/alexeev-prog/KintsugiOS/kernel/kmem"
	"github.com/google/subcommands"
	"github.com/pkg/errors"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file; the built-in defaults are used if empty")
	logLevel   = flag.String("log-level", "", "override the log level from the configuration (debug, info, warn, error)")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kmemsim] error: %s\n", err.Error())
	os.Exit(1)
}

// loadConfig reads the configuration selected by the global flags and
// applies its log level.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := kfmt.SetLevel(cfg.Log.Level); err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	return cfg, nil
}

// boot creates a manager with the default emulated hardware.
func boot(cfg *config.Config) (*kmem.Manager, error) {
	m, err := kmem.New(cfg, kmem.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "boot")
	}
	return m, nil
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(shellCmd), "")
	subcommands.Register(new(meminfoCmd), "")
	subcommands.Register(new(stressCmd), "")
	subcommands.Register(new(renderCmd), "")

	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		exit(err)
	}

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}
