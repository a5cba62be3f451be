// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"os"
	"sync"

	"github.com/Masterminds/vcs"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gem"
)

// repoLocks serializes sync/export per repository slug; two artifacts
// from one repository must not fetch into the same mirror at once.
var repoLocks = struct {
	sync.Mutex
	m map[string]*sync.Mutex
}{m: make(map[string]*sync.Mutex)}

func lockRepo(slug string) func() {
	repoLocks.Lock()
	l := repoLocks.m[slug]
	if l == nil {
		l = &sync.Mutex{}
		repoLocks.m[slug] = l
	}
	repoLocks.Unlock()
	l.Lock()
	return l.Unlock
}

// SyncRepo brings the local mirror of a repository source up to date:
// clone when absent, fetch when present, then check out the pinned
// revision.
func (p *Pipeline) SyncRepo(ctx context.Context, src *gem.Source) error {
	if src.Kind != gem.GitSource {
		return errors.Errorf("source %s is not a repository", src)
	}
	unlock := lockRepo(src.Slug())
	defer unlock()

	local := p.Layout.InboundRepo(src)
	if err := fs.EnsureDir(local); err != nil {
		return err
	}

	repo, err := vcs.NewGitRepo(src.URI, local)
	if err != nil {
		return errors.Wrapf(err, "repository %s", src.URI)
	}

	if !repo.CheckLocal() {
		if err := repo.Get(); err != nil {
			return errors.Wrapf(err, "clone %s", src.URI)
		}
	} else if err := repo.Update(); err != nil {
		return errors.Wrapf(err, "fetch %s", src.URI)
	}

	rev := src.Revision
	if rev == "" {
		return errors.Errorf("repository %s has no pinned revision", src.URI)
	}
	if err := repo.UpdateVersion(rev); err != nil {
		return errors.Wrapf(err, "checkout %s of %s", rev, src.URI)
	}

	if src.Submodules {
		if out, err := p.Runner.Run(ctx, local, nil, "git", "submodule", "update", "--init", "--recursive"); err != nil {
			return errors.Errorf("submodules of %s: %v\n%s", src.URI, err, out)
		}
	}
	return nil
}

// ResolveRevision turns a branch or tag reference into the immutable
// revision the lockfile records. An already-pinned source returns its
// revision untouched.
func (p *Pipeline) ResolveRevision(ctx context.Context, src *gem.Source) (string, error) {
	if src.Revision != "" {
		// Already pinned; make sure the mirror holds the revision so
		// later spec reads and exports can proceed offline.
		return src.Revision, p.SyncRepo(ctx, src)
	}

	unlock := lockRepo(src.Slug())
	local := p.Layout.InboundRepo(src)
	if err := fs.EnsureDir(local); err != nil {
		unlock()
		return "", err
	}
	repo, err := vcs.NewGitRepo(src.URI, local)
	if err != nil {
		unlock()
		return "", errors.Wrapf(err, "repository %s", src.URI)
	}
	if !repo.CheckLocal() {
		if err := repo.Get(); err != nil {
			unlock()
			return "", errors.Wrapf(err, "clone %s", src.URI)
		}
	} else if err := repo.Update(); err != nil {
		unlock()
		return "", errors.Wrapf(err, "fetch %s", src.URI)
	}

	ref := src.Tag
	if ref == "" {
		ref = src.Branch
	}
	if ref == "" {
		ref = "HEAD"
	}
	if err := repo.UpdateVersion(ref); err != nil {
		unlock()
		return "", errors.Wrapf(err, "checkout %s of %s", ref, src.URI)
	}
	rev, err := repo.Version()
	unlock()
	if err != nil {
		return "", errors.Wrapf(err, "read revision of %s", src.URI)
	}
	return rev, nil
}

// exportRepo writes a clean working tree (no version-control
// internals) of the mirror's checked-out revision into dest.
func (p *Pipeline) exportRepo(ctx context.Context, src *gem.Source, dest string) error {
	local := p.Layout.InboundRepo(src)
	repo, err := vcs.NewGitRepo(src.URI, local)
	if err != nil {
		return errors.Wrapf(err, "repository %s", src.URI)
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := fs.EnsureDir(dest); err != nil {
		return err
	}
	if err := repo.ExportDir(dest); err != nil {
		return errors.Wrapf(err, "export %s", src.URI)
	}
	return nil
}
