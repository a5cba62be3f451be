// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command scint installs Ruby application dependencies fast: a
// compact-index client with conditional revalidation, a content
// addressed artifact cache, and a parallel install scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/adrg/xdg"

	"github.com/scintlabs/scint"
)

type command interface {
	Name() string           // "install"
	Args() string           // "[spec...]"
	ShortHelp() string      // "Install the project's dependencies"
	LongHelp() string       // longer form
	Register(*flag.FlagSet) // command-specific flags
	Hidden() bool           // hide from help output
	Run(*scint.Ctx, []string) error
}

func main() {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to get working directory:", err)
		os.Exit(1)
	}
	c := &Config{
		Args:       os.Args,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		WorkingDir: wd,
		Env:        os.Environ(),
	}
	os.Exit(c.Run())
}

// A Config specifies a full configuration for a scint execution.
type Config struct {
	WorkingDir     string
	Args           []string
	Env            []string
	Stdout, Stderr io.Writer
}

// Run executes a configuration and returns an exit code.
func (c *Config) Run() int {
	commands := []command{
		&installCommand{},
		&execCommand{},
		&cacheCommand{},
		&versionCommand{},
	}

	outLogger := log.New(c.Stdout, "", 0)
	errLogger := log.New(c.Stderr, "", 0)

	usage := func() {
		errLogger.Println("scint is a fast installer for Ruby application dependencies")
		errLogger.Println()
		errLogger.Println("Usage: scint [command]")
		errLogger.Println()
		errLogger.Println("Commands:")
		errLogger.Println()
		w := tabwriter.NewWriter(c.Stderr, 0, 4, 2, ' ', 0)
		for _, cmd := range commands {
			if !cmd.Hidden() {
				fmt.Fprintf(w, "\t%s\t%s\n", cmd.Name(), cmd.ShortHelp())
			}
		}
		w.Flush()
		errLogger.Println()
		errLogger.Println("Running scint without a command installs the project's dependencies.")
	}

	// The bare invocation is install.
	cmdName := "install"
	cmdArgs := c.Args[1:]
	if len(c.Args) > 1 && !strings.HasPrefix(c.Args[1], "-") {
		cmdName = c.Args[1]
		cmdArgs = c.Args[2:]
	}
	if cmdName == "help" || cmdName == "-h" || cmdName == "--help" {
		usage()
		return 0
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}

		fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		fs.SetOutput(c.Stderr)
		verbose := fs.Bool("verbose", false, "enable verbose logging")
		cmd.Register(fs)
		fs.Usage = func() {
			errLogger.Printf("Usage: scint %s %s", cmdName, cmd.Args())
			errLogger.Println()
			errLogger.Println(strings.TrimSpace(cmd.LongHelp()))
			errLogger.Println()
			fs.PrintDefaults()
		}
		if err := fs.Parse(cmdArgs); err != nil {
			return 1
		}

		ctx := &scint.Ctx{
			WorkingDir: c.WorkingDir,
			Config:     c.buildConfig(),
			Out:        outLogger,
			Err:        errLogger,
			Verbose:    *verbose,
		}

		err := cmd.Run(ctx, fs.Args())
		if err != nil {
			errLogger.Printf("scint: %v", err)
			return scint.ExitCodeFor(err)
		}
		return 0
	}

	errLogger.Printf("scint: %s: no such command", cmdName)
	usage()
	return 1
}

// buildConfig assembles the explicit Config value: defaults, then the
// optional config file, then environment overrides. This is the only
// place the process environment is read.
func (c *Config) buildConfig() scint.Config {
	cfg := scint.DefaultConfig()
	cfg, _ = scint.LoadConfigFile(cfg, filepath.Join(xdg.ConfigHome, "scint", "config.toml"))

	env := func(key string) string {
		for _, kv := range c.Env {
			if strings.HasPrefix(kv, key+"=") {
				return kv[len(key)+1:]
			}
		}
		return ""
	}

	if v := env("SCINT_CACHE_ROOT"); v != "" {
		cfg.CacheRoot = v
	}
	if v := env("SCINT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs = n
		}
	}
	if env("SCINT_DEBUG") != "" {
		cfg.Debug = true
	}
	if env("SCINT_STRICT_RUBY_UPPER") != "" {
		cfg.StrictRubyUpper = true
	}
	if env("SCINT_PROFILE") != "" {
		cfg.Profile = true
	}
	cfg.Credentials = scint.CredentialsFromEnv(c.Env)
	return cfg
}

// interruptContext cancels on the operator interrupt, triggering an
// orderly shutdown from the main thread.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
