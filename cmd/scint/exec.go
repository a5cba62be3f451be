// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/scintlabs/scint"
	"github.com/scintlabs/scint/internal/layout"
	"github.com/scintlabs/scint/internal/loadmap"
)

type execCommand struct{}

func (cmd *execCommand) Name() string      { return "exec" }
func (cmd *execCommand) Args() string      { return "<command> [args...]" }
func (cmd *execCommand) ShortHelp() string { return "Run a command with the installed load paths" }
func (cmd *execCommand) LongHelp() string {
	return `
Exec reads the runtime map written by install and runs the given
command with every installed gem's load paths on RUBYLIB, so the child
interpreter resolves requires without scanning the project directory.
`
}
func (cmd *execCommand) Hidden() bool             { return false }
func (cmd *execCommand) Register(fs *flag.FlagSet) {}

func (cmd *execCommand) Run(ctx *scint.Ctx, args []string) error {
	if len(args) == 0 {
		return errors.New("exec needs a command to run")
	}

	project, err := ctx.LoadProject("")
	if err != nil {
		return err
	}
	dirs := layout.NewProject(project.InstallRoot(ctx.Config), ctx.Config.ABI())

	m, err := loadmap.Read(dirs.MapPath())
	if err != nil {
		return scint.WrapKind(scint.KindInstall,
			errors.Wrap(err, "no runtime map; run `scint install` first"))
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return errors.Wrapf(err, "command %s", args[0])
	}

	env := append([]string(nil), os.Environ()...)
	rubylib := strings.Join(m.AllPaths(), string(os.PathListSeparator))
	if prev := os.Getenv("RUBYLIB"); prev != "" {
		rubylib += string(os.PathListSeparator) + prev
	}
	env = append(env, "RUBYLIB="+rubylib)

	child := exec.Command(path, args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = env
	if err := child.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			os.Exit(ee.ExitCode())
		}
		return err
	}
	return nil
}
