// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/scintlabs/scint"
	"github.com/scintlabs/scint/internal/layout"
)

type cacheCommand struct {
	all bool
}

func (cmd *cacheCommand) Name() string      { return "cache" }
func (cmd *cacheCommand) Args() string      { return "{list|clear|dir}" }
func (cmd *cacheCommand) ShortHelp() string { return "Inspect or sweep the global artifact cache" }
func (cmd *cacheCommand) LongHelp() string {
	return `
cache dir    prints the cache root.
cache list   lists promoted entries for the current interpreter ABI.
cache clear  sweeps inbound/ and assembling/, which is always safe;
             with -all it also removes cached/ for the current ABI.
`
}
func (cmd *cacheCommand) Hidden() bool { return false }

func (cmd *cacheCommand) Register(fs *flag.FlagSet) {
	fs.BoolVar(&cmd.all, "all", false, "clear promoted entries too, not just staging garbage")
}

func (cmd *cacheCommand) Run(ctx *scint.Ctx, args []string) error {
	if len(args) != 1 {
		return errors.New("cache needs exactly one of: list, clear, dir")
	}
	l := layout.New(ctx.Config.CacheRoot, ctx.Config.ABI())

	switch args[0] {
	case "dir":
		ctx.Out.Println(l.Root)
		return nil
	case "list":
		return cmd.list(ctx, l)
	case "clear":
		return cmd.clear(ctx, l)
	default:
		return errors.Errorf("cache: unknown subcommand %q", args[0])
	}
}

func (cmd *cacheCommand) list(ctx *scint.Ctx, l layout.Layout) error {
	abiDir := filepath.Join(l.Root, "cached", ctx.Config.ABI().String())
	entries, err := os.ReadDir(abiDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return scint.WrapKind(scint.KindCache, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Only complete promoted entries count as cached.
		if _, err := os.Stat(filepath.Join(abiDir, e.Name(), layout.CompletionMarker)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		ctx.Out.Println(n)
	}
	return nil
}

func (cmd *cacheCommand) clear(ctx *scint.Ctx, l layout.Layout) error {
	// Staging and inbound garbage never affects correctness.
	for _, dir := range []string{
		filepath.Join(l.Root, "inbound"),
		filepath.Join(l.Root, "assembling"),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return scint.WrapKind(scint.KindCache, err)
		}
	}
	if cmd.all {
		if err := os.RemoveAll(filepath.Join(l.Root, "cached", ctx.Config.ABI().String())); err != nil {
			return scint.WrapKind(scint.KindCache, err)
		}
	}
	return nil
}
