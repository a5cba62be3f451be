// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline drives each artifact through its state machine:
// fetch into inbound, assemble into the staging tree, compile native
// extensions in place, and promote atomically into the cache. The
// rename in Promote is the only way an entry ever appears under
// cached/.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fetch"
	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemspec"
	"github.com/scintlabs/scint/internal/layout"
)


// A Pipeline owns the per-artifact state machine. Safe for concurrent
// use across distinct artifacts; the cache's atomic rename arbitrates
// concurrent promotion of the same artifact.
type Pipeline struct {
	Layout layout.Layout
	Pool   *fetch.Pool
	Runner CommandRunner
	Reader gemspec.Reader

	// TarStrategy selects the extractor: "internal" (default) or
	// "system".
	TarStrategy string

	// Jobs bounds build parallelism per compile, defaulting to the
	// host CPU count.
	Jobs int
}

// Fetch downloads the artifact's package into inbound/. A file already
// present is reused; content verification happened when it landed.
func (p *Pipeline) Fetch(ctx context.Context, a gem.Artifact) error {
	dst := p.Layout.Inbound(a)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	uri := strings.TrimRight(a.Source.Primary(), "/") + "/gems/" + a.RemoteFilename()
	_, err := p.Pool.Get(ctx, uri, dst, a.SHA256)
	return errors.Wrapf(err, "fetch %s", a.FullName())
}

// Assemble unpacks the artifact into its assembling directory and
// returns the spec read from its metadata. For repository sources the
// mirror is synced and an export replaces the unpack. Any existing
// staging residue is discarded first.
func (p *Pipeline) Assemble(ctx context.Context, a gem.Artifact) (*gemspec.Spec, error) {
	dest := p.Layout.Assembling(a)
	if err := os.RemoveAll(dest); err != nil {
		return nil, errors.Wrapf(err, "clear assembling for %s", a.FullName())
	}
	if err := fs.EnsureDir(filepath.Dir(dest)); err != nil {
		return nil, err
	}

	switch a.Source.Kind {
	case gem.GitSource:
		return p.assembleFromGit(ctx, a, dest)
	default:
		return p.assembleFromGem(ctx, a, dest)
	}
}

func (p *Pipeline) assembleFromGem(ctx context.Context, a gem.Artifact, dest string) (*gemspec.Spec, error) {
	spec, err := p.unpackGem(ctx, p.Layout.Inbound(a), dest)
	if err != nil {
		os.RemoveAll(dest)
		return nil, errors.Wrapf(err, "assemble %s", a.FullName())
	}
	return spec, nil
}

func (p *Pipeline) assembleFromGit(ctx context.Context, a gem.Artifact, dest string) (*gemspec.Spec, error) {
	if err := p.SyncRepo(ctx, a.Source); err != nil {
		return nil, err
	}
	if err := p.exportRepo(ctx, a.Source, dest); err != nil {
		os.RemoveAll(dest)
		return nil, err
	}
	spec, err := p.Reader.ReadDir(ctx, dest, a.Source.GemspecGlob)
	if err != nil {
		os.RemoveAll(dest)
		return nil, errors.Wrapf(err, "read gemspec for %s", a.FullName())
	}
	return spec, nil
}

// Build compiles the artifact's native extensions inside the
// assembling directory, so outputs are part of the promoted tree.
// Command output is captured and returned verbatim inside the error.
func (p *Pipeline) Build(ctx context.Context, a gem.Artifact, spec *gemspec.Spec) error {
	if !spec.NeedsBuild() {
		return nil
	}
	dir := p.Layout.Assembling(a)
	extOut := filepath.Join(dir, layout.ExtOutputDir)
	if err := fs.EnsureDir(extOut); err != nil {
		return err
	}

	for _, ext := range spec.Extensions {
		builder, err := p.builderFor(dir, ext)
		if err != nil {
			return errors.Wrapf(err, "build %s", a.FullName())
		}
		if err := builder.Build(ctx, buildRequest{
			ArtifactDir: dir,
			Extension:   ext,
			OutputDir:   extOut,
			Jobs:        p.jobs(),
		}); err != nil {
			return errors.Wrapf(err, "build %s", a.FullName())
		}
	}
	return nil
}

// Promote makes the assembled tree the authoritative cache entry:
// write the projection manifest and binary spec siblings, drop the
// completion marker into the tree, then rename atomically. A loss to
// a concurrent promoter of the same artifact is success.
func (p *Pipeline) Promote(a gem.Artifact, spec *gemspec.Spec) error {
	staging := p.Layout.Assembling(a)
	final := p.Layout.Cached(a)

	manifest, err := treeManifest(staging)
	if err != nil {
		return errors.Wrapf(err, "manifest for %s", a.FullName())
	}
	if err := fs.WriteFileAtomic(p.Layout.CachedManifest(a), []byte(manifest), 0o644); err != nil {
		return err
	}
	if err := fs.EnsureDir(filepath.Dir(final)); err != nil {
		return err
	}
	if err := gemspec.WriteBinary(p.Layout.CachedSpec(a), spec); err != nil {
		return errors.Wrapf(err, "spec sibling for %s", a.FullName())
	}

	marker := filepath.Join(staging, layout.CompletionMarker)
	if err := os.WriteFile(marker, []byte(a.FullName()+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "completion marker for %s", a.FullName())
	}

	if err := os.Rename(staging, final); err != nil {
		if promoted(p.Layout, a) {
			// Another invocation won the rename; our staging tree is
			// redundant garbage.
			os.RemoveAll(staging)
			return nil
		}
		return errors.Wrapf(err, "promote %s", a.FullName())
	}
	return nil
}

// promoted reports whether a complete cache entry exists.
func promoted(l layout.Layout, a gem.Artifact) bool {
	_, err := os.Stat(l.Marker(a))
	return err == nil
}

// Promoted is the exported view of cache-entry existence: directory
// plus completion marker, nothing less.
func Promoted(l layout.Layout, a gem.Artifact) bool { return promoted(l, a) }

// treeManifest lists the tree's relative file paths, sorted, one per
// line — the projection list materialization consumes.
func treeManifest(root string) (string, error) {
	var paths []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			paths = append(paths, filepath.ToSlash(rel))
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n") + "\n", nil
}

func (p *Pipeline) jobs() int {
	if p.Jobs > 0 {
		return p.Jobs
	}
	return defaultJobs()
}
