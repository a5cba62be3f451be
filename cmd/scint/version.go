// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"runtime"

	"github.com/scintlabs/scint"
)

type versionCommand struct{}

func (cmd *versionCommand) Name() string               { return "version" }
func (cmd *versionCommand) Args() string               { return "" }
func (cmd *versionCommand) ShortHelp() string          { return "Print the version and platform" }
func (cmd *versionCommand) LongHelp() string           { return "Version prints the version, runtime OS and ARCH." }
func (cmd *versionCommand) Hidden() bool               { return false }
func (cmd *versionCommand) Register(fs *flag.FlagSet) {}

func (cmd *versionCommand) Run(ctx *scint.Ctx, args []string) error {
	ctx.Out.Printf("scint version %s %s/%s", scint.Version, runtime.GOOS, runtime.GOARCH)
	return nil
}
