// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A CommandRunner invokes external build and version-control commands.
// The returned bytes are combined standard output and error, captured
// verbatim for failure reports.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner is the production CommandRunner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrapf(err, "%s %s", name, strings.Join(args, " "))
	}
	return out, nil
}

type buildRequest struct {
	ArtifactDir string
	Extension   string
	OutputDir   string
	Jobs        int
}

// A builder drives one extension build system.
type builder interface {
	Build(ctx context.Context, req buildRequest) error
}

// builderFor recognises the build system from the declared extension:
// an extconf script, a CMake tree, or the task-runner fallback.
func (p *Pipeline) builderFor(dir, ext string) (builder, error) {
	base := filepath.Base(ext)
	switch {
	case base == "extconf.rb":
		return &extconfBuilder{runner: p.Runner}, nil
	case base == "CMakeLists.txt":
		return &cmakeBuilder{runner: p.Runner}, nil
	case base == "Rakefile" || strings.HasSuffix(base, ".rake"):
		return &rakeBuilder{runner: p.Runner}, nil
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.Dir(ext), "CMakeLists.txt")); err == nil {
		return &cmakeBuilder{runner: p.Runner}, nil
	}
	return nil, errors.Errorf("unrecognised extension build system %q", ext)
}

// extconfBuilder runs the script-based configure, then make with the
// site directories pointed into the artifact's output subtree.
type extconfBuilder struct {
	runner CommandRunner
}

func (b *extconfBuilder) Build(ctx context.Context, req buildRequest) error {
	extDir := filepath.Join(req.ArtifactDir, filepath.Dir(req.Extension))

	if out, err := b.runner.Run(ctx, extDir, nil, "ruby", filepath.Base(req.Extension)); err != nil {
		return buildFailure("configure", out, err)
	}
	jobs := "-j" + strconv.Itoa(req.Jobs)
	if out, err := b.runner.Run(ctx, extDir, nil, "make", jobs); err != nil {
		return buildFailure("make", out, err)
	}
	install := []string{
		"install",
		"sitearchdir=" + req.OutputDir,
		"sitelibdir=" + req.OutputDir,
	}
	if out, err := b.runner.Run(ctx, extDir, nil, "make", install...); err != nil {
		return buildFailure("make install", out, err)
	}
	return nil
}

// cmakeBuilder configures, builds, and installs a CMake tree into the
// output subtree.
type cmakeBuilder struct {
	runner CommandRunner
}

func (b *cmakeBuilder) Build(ctx context.Context, req buildRequest) error {
	extDir := filepath.Join(req.ArtifactDir, filepath.Dir(req.Extension))
	buildDir := filepath.Join(extDir, "build")

	if out, err := b.runner.Run(ctx, extDir, nil, "cmake", "-S", ".", "-B", buildDir); err != nil {
		return buildFailure("cmake configure", out, err)
	}
	if out, err := b.runner.Run(ctx, extDir, nil, "cmake", "--build", buildDir, "-j", strconv.Itoa(req.Jobs)); err != nil {
		return buildFailure("cmake build", out, err)
	}
	if out, err := b.runner.Run(ctx, extDir, nil, "cmake", "--install", buildDir, "--prefix", req.OutputDir); err != nil {
		return buildFailure("cmake install", out, err)
	}
	return nil
}

// rakeBuilder is the generic task-runner fallback.
type rakeBuilder struct {
	runner CommandRunner
}

func (b *rakeBuilder) Build(ctx context.Context, req buildRequest) error {
	extDir := filepath.Join(req.ArtifactDir, filepath.Dir(req.Extension))
	env := []string{"RUBYARCHDIR=" + req.OutputDir, "RUBYLIBDIR=" + req.OutputDir}
	if out, err := b.runner.Run(ctx, extDir, env, "rake", filepath.Base(req.Extension)); err != nil {
		return buildFailure("rake", out, err)
	}
	return nil
}

// buildFailure preserves the tool's captured output verbatim; the
// error report prints it untouched.
func buildFailure(stage string, out []byte, err error) error {
	return errors.Errorf("%s failed: %v\n%s", stage, err, string(out))
}

func defaultJobs() int { return runtime.NumCPU() }
