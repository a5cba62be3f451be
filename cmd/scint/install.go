// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/scintlabs/scint"
)

type installCommand struct {
	jobs int
	path string
}

func (cmd *installCommand) Name() string { return "install" }
func (cmd *installCommand) Args() string { return "[-jobs N] [-path P]" }
func (cmd *installCommand) ShortHelp() string {
	return "Resolve and install the project's dependencies"
}
func (cmd *installCommand) LongHelp() string {
	return `
Install reads the Gemfile and Gemfile.lock, resolves a complete
dependency set, materializes it into the project-local directory, and
writes back the lockfile and the runtime load-path map.

Warm runs touch neither the network nor the compiler: cached artifacts
are revalidated with conditional requests and projected with reflinks
or hardlinks where the filesystem supports them.
`
}
func (cmd *installCommand) Hidden() bool { return false }

func (cmd *installCommand) Register(fs *flag.FlagSet) {
	fs.IntVar(&cmd.jobs, "jobs", 0, "number of parallel workers (default: CPU count)")
	fs.StringVar(&cmd.path, "path", "", "project-local install root (default: vendor/bundle)")
}

func (cmd *installCommand) Run(ctx *scint.Ctx, args []string) error {
	if cmd.jobs > 0 {
		ctx.Config.Jobs = cmd.jobs
	}
	if cmd.path != "" {
		ctx.Config.ProjectPath = cmd.path
	}

	project, err := ctx.LoadProject("")
	if err != nil {
		return err
	}

	runCtx, cancel := interruptContext()
	defer cancel()

	inst := scint.NewInstaller(ctx, project, newProgressObserver(ctx))
	err = inst.Run(runCtx)
	if runCtx.Err() == context.Canceled {
		return scint.WrapKind(scint.KindInterrupted, runCtx.Err())
	}
	return err
}
