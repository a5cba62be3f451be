// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package materialize projects promoted cache entries into the
// project-local directory. Per file it tries reflink, then hardlink,
// then byte copy; the cache stays the sole authoritative source.
package materialize

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemspec"
	"github.com/scintlabs/scint/internal/layout"
)

// A Materializer projects cached artifacts into one project.
type Materializer struct {
	Cache   layout.Layout
	Project layout.Project
}

// Materialize projects a's cached tree, specification, and (when
// present) compiled-output subtree into the project directory. Path
// sources are never projected; their load paths point at the source.
func (m *Materializer) Materialize(a gem.Artifact) error {
	if a.Source != nil && a.Source.Kind == gem.PathSource {
		return nil
	}
	cached := m.Cache.Cached(a)
	if _, err := os.Stat(m.Cache.Marker(a)); err != nil {
		return errors.Errorf("%s is not promoted; nothing to materialize", a.FullName())
	}

	paths, err := readManifest(m.Cache.CachedManifest(a))
	if err != nil {
		return errors.Wrapf(err, "projection manifest for %s", a.FullName())
	}

	gemDir := m.Project.GemDir(a)
	extDir := m.Project.ExtDir(a)
	for _, rel := range paths {
		if rel == layout.CompletionMarker {
			continue
		}
		src := filepath.Join(cached, filepath.FromSlash(rel))
		fi, err := os.Lstat(src)
		if err != nil {
			return errors.Wrapf(err, "cached file missing for %s", a.FullName())
		}

		var dst string
		if inner, ok := strings.CutPrefix(rel, layout.ExtOutputDir+"/"); ok {
			dst = filepath.Join(extDir, filepath.FromSlash(inner))
		} else {
			dst = filepath.Join(gemDir, filepath.FromSlash(rel))
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return err
			}
			if err := fs.EnsureDir(filepath.Dir(dst)); err != nil {
				return err
			}
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return err
			}
			continue
		}
		if err := fs.CloneFile(src, dst, fi.Mode()); err != nil {
			return err
		}
	}

	spec, err := gemspec.ReadBinary(m.Cache.CachedSpec(a))
	if err != nil {
		return errors.Wrapf(err, "cached spec for %s", a.FullName())
	}
	raw, err := os.ReadFile(m.Cache.CachedSpec(a))
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(m.Project.SpecFile(a), raw, 0o644); err != nil {
		return err
	}

	return m.writeBinstubs(a, spec)
}

// writeBinstubs drops an executable stub per declared executable,
// pointing through the materialized gem tree.
func (m *Materializer) writeBinstubs(a gem.Artifact, spec *gemspec.Spec) error {
	if len(spec.Executables) == 0 {
		return nil
	}
	binDir := m.Project.BinDir()
	if err := fs.EnsureDir(binDir); err != nil {
		return err
	}

	for _, exe := range spec.Executables {
		target := filepath.Join(m.Project.GemDir(a), spec.BinDir, exe)
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "#!/bin/sh\nexec ruby %q \"$@\"\n", target)
		if err := fs.WriteFileAtomic(filepath.Join(binDir, exe), buf.Bytes(), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LoadPaths returns the runtime load paths of a materialized artifact,
// or the in-place paths for a path source.
func (m *Materializer) LoadPaths(a gem.Artifact, spec *gemspec.Spec) []string {
	var base string
	if a.Source != nil && a.Source.Kind == gem.PathSource {
		base = a.Source.Path
	} else {
		base = m.Project.GemDir(a)
	}

	var paths []string
	for _, rp := range spec.RequirePaths {
		paths = append(paths, filepath.Join(base, rp))
	}
	if spec.NeedsBuild() && (a.Source == nil || a.Source.Kind != gem.PathSource) {
		paths = append(paths, m.Project.ExtDir(a))
	}
	return paths
}

func readManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, sc.Err()
}
