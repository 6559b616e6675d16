package main

import (
	"flag"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"ilpunpack/internal/config"
	"ilpunpack/internal/logging"
)

var (
	colorOK   = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorWarn = color.New(color.FgYellow).SprintFunc()
	colorErr  = color.New(color.Bold, color.FgHiRed).SprintFunc()
	colorName = color.New(color.FgHiCyan).SprintFunc()
	colorAddr = color.New(color.Faint).SprintfFunc()
)

// boolFlag registers a boolean flag under a long and a short name.
func boolFlag(fs *flag.FlagSet, long, short string, usage string) *bool {
	v := fs.Bool(long, false, usage)
	fs.BoolVar(v, short, false, usage+" (shorthand)")
	return v
}

// isSet reports whether any of names was given on the command line.
func isSet(fs *flag.FlagSet, names ...string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		for _, n := range names {
			if f.Name == n {
				set = true
			}
		}
	})
	return set
}

// loadConfig reads path (or the defaults) and returns it with a logger at
// the configured level, or at level when it is non-empty.
func loadConfig(path, level string) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level != "" {
		cfg.LogLevel = level
	}
	return cfg, logging.New(cfg.LogLevel, os.Stderr), nil
}
