// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plan diffs a resolved artifact set against the live project
// directory and the global cache, emitting the minimal action list the
// scheduler executes.
package plan

import (
	"os"
	"sort"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemspec"
	"github.com/scintlabs/scint/internal/layout"
)

// Action tags a plan entry with the one step its artifact needs.
type Action int

const (
	// Skip: already materialized; nothing to do.
	Skip Action = iota
	// Link: cached; needs only materialization.
	Link
	// BuildExt: source present (cached or staged) but compiled output
	// missing; needs compilation before materialization.
	BuildExt
	// Download: not yet fetched.
	Download
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Link:
		return "link"
	case BuildExt:
		return "build_ext"
	case Download:
		return "download"
	}
	return "unknown"
}

// An Entry pairs an artifact with its action.
type Entry struct {
	Artifact gem.Artifact
	Action   Action
}

// Plan emits exactly one entry per resolved artifact. Download entries
// come first, largest estimated size first (stable), so the pipeline
// saturates early; the rest follow in resolved order.
func Plan(resolved []gem.Artifact, cache layout.Layout, project layout.Project) []Entry {
	var downloads, rest []Entry
	for _, a := range resolved {
		e := Entry{Artifact: a, Action: classify(a, cache, project)}
		if e.Action == Download {
			downloads = append(downloads, e)
		} else {
			rest = append(rest, e)
		}
	}

	sort.SliceStable(downloads, func(i, j int) bool {
		return downloads[i].Artifact.Size > downloads[j].Artifact.Size
	})
	return append(downloads, rest...)
}

func classify(a gem.Artifact, cache layout.Layout, project layout.Project) Action {
	// Path sources are used in place; there is nothing to fetch,
	// build, or project.
	if a.Source != nil && a.Source.Kind == gem.PathSource {
		return Skip
	}

	needsBuild, knowNeeds := nativeRequirement(a, cache)

	if materialized(a, cache, project, needsBuild, knowNeeds) {
		return Skip
	}

	if cachedComplete(a, cache) {
		if knowNeeds && needsBuild && !exists(cache.Cached(a), layout.ExtOutputDir) {
			return BuildExt
		}
		return Link
	}

	// A staged source tree without a completion marker resumes at
	// compilation.
	if exists(cache.Assembling(a), "") && !exists(cache.Assembling(a), layout.CompletionMarker) {
		return BuildExt
	}

	return Download
}

// nativeRequirement reads the cached binary spec to learn whether the
// artifact compiles native code. Unknown when no spec is cached yet.
func nativeRequirement(a gem.Artifact, cache layout.Layout) (needs, known bool) {
	if a.NeedsBuild {
		return true, true
	}
	spec, err := gemspec.ReadBinary(cache.CachedSpec(a))
	if err != nil {
		return false, false
	}
	return spec.NeedsBuild(), true
}

// materialized reports whether the project directory already satisfies
// the post-install invariants for a: gem tree and specification file
// present, plus the compiled-output subtree for native artifacts.
func materialized(a gem.Artifact, cache layout.Layout, project layout.Project, needsBuild, knowNeeds bool) bool {
	if !exists(project.GemDir(a), "") {
		return false
	}
	if _, err := os.Stat(project.SpecFile(a)); err != nil {
		return false
	}
	if knowNeeds && needsBuild && !exists(project.ExtDir(a), "") {
		return false
	}
	return true
}

func cachedComplete(a gem.Artifact, cache layout.Layout) bool {
	return exists(cache.Cached(a), layout.CompletionMarker)
}

func exists(dir, child string) bool {
	path := dir
	if child != "" {
		path = dir + string(os.PathSeparator) + child
	}
	_, err := os.Stat(path)
	return err == nil
}
