// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scint is a fast installer for Ruby application dependencies:
// it resolves a manifest and lockfile against compact-index sources,
// materializes artifacts from a content-addressed global cache, and
// emits a lockfile and runtime load-path map.
package scint

import (
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ManifestName is the manifest file searched for in the project root.
const ManifestName = "Gemfile"

// LockName is the companion lockfile.
const LockName = "Gemfile.lock"

// Ctx defines the supporting context of the tool: where it runs, how
// it reports, and the configuration every component receives.
type Ctx struct {
	WorkingDir string
	Config     Config
	Out, Err   *log.Logger
	Verbose    bool
}

// A Project is a loaded manifest plus its lockfile, if one exists.
type Project struct {
	AbsRoot  string
	Manifest *Manifest
	Lock     *Lock
}

// LockPath is the lockfile location for the project.
func (p *Project) LockPath() string {
	return filepath.Join(p.AbsRoot, LockName)
}

// InstallRoot is the project-local directory artifacts materialize
// into.
func (p *Project) InstallRoot(c Config) string {
	if c.ProjectPath != "" {
		if filepath.IsAbs(c.ProjectPath) {
			return c.ProjectPath
		}
		return filepath.Join(p.AbsRoot, c.ProjectPath)
	}
	return filepath.Join(p.AbsRoot, "vendor", "bundle")
}

// LoadProject searches path (or the working directory when empty) and
// its parents for a manifest, then parses it and any companion
// lockfile.
func (c *Ctx) LoadProject(path string) (*Project, error) {
	if path == "" {
		path = c.WorkingDir
	}
	root, err := findProjectRoot(path)
	if err != nil {
		return nil, WrapKind(KindManifest, err)
	}

	p := &Project{AbsRoot: root}

	p.Manifest, err = ReadManifestFile(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, WrapKind(KindManifest, errors.Wrapf(err, "parse %s", ManifestName))
	}

	lockPath := p.LockPath()
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing lockfile is a cold project, not an error.
			return p, nil
		}
		return nil, WrapKind(KindLockfile, errors.Wrapf(err, "open %s", LockName))
	}
	p.Lock, err = ParseLock(raw)
	if err != nil {
		return nil, WrapKind(KindLockfile, errors.Wrapf(err, "parse %s", LockName))
	}
	return p, nil
}

// findProjectRoot walks from dir upward until it finds a manifest.
func findProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(abs, ManifestName)); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", errors.Errorf("no %s found in %s or any parent", ManifestName, dir)
		}
		abs = parent
	}
}
