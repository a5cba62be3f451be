// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layout

import (
	"path/filepath"

	"github.com/scintlabs/scint/internal/gem"
)

// Project computes the project-local directory paths artifacts are
// materialized into.
type Project struct {
	// Root is the project-local install directory, e.g.
	// <app>/vendor/bundle.
	Root string

	// Prefix is the runtime prefix component, "ruby" by default.
	Prefix string

	ABI gem.ABI
}

// NewProject builds a Project rooted at root.
func NewProject(root string, abi gem.ABI) Project {
	return Project{Root: root, Prefix: "ruby", ABI: abi}
}

func (p Project) base() string {
	return filepath.Join(p.Root, p.Prefix, p.ABI.APIVersion())
}

// GemDir is the materialized tree for an artifact.
func (p Project) GemDir(a gem.Artifact) string {
	return filepath.Join(p.base(), "gems", a.FullName())
}

// SpecFile is the materialized specification file for an artifact.
func (p Project) SpecFile(a gem.Artifact) string {
	return filepath.Join(p.base(), "specifications", a.FullName()+".spec")
}

// ExtDir is the materialized compiled-output subtree for an artifact.
func (p Project) ExtDir(a gem.Artifact) string {
	return filepath.Join(p.base(), "extensions", p.ABI.Arch, p.ABI.APIVersion(), a.FullName())
}

// BinDir holds the executable stubs.
func (p Project) BinDir() string {
	return filepath.Join(p.Root, p.Prefix, "bin")
}

// MapPath is the well-known runtime map location the launcher reads.
func (p Project) MapPath() string {
	return filepath.Join(p.Root, ".scint", "load_map.bin")
}
