// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package solve wraps the version solver: the adapter filters and
// orders upstream candidates, the solver walks them to a complete,
// reproducible artifact set.
package solve

import (
	"context"

	"github.com/scintlabs/scint/internal/compactindex"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// A Registry answers per-gem record queries for one index source.
type Registry interface {
	Records(ctx context.Context, name string) ([]compactindex.InfoRecord, error)
	Source() *gem.Source
}

type indexRegistry struct {
	src    *gem.Source
	client *compactindex.Client
}

// NewIndexRegistry adapts a compact-index client into a Registry.
func NewIndexRegistry(src *gem.Source, client *compactindex.Client) Registry {
	return &indexRegistry{src: src, client: client}
}

func (r *indexRegistry) Records(ctx context.Context, name string) ([]compactindex.InfoRecord, error) {
	return r.client.Info(ctx, name)
}

func (r *indexRegistry) Source() *gem.Source { return r.src }

// A Stub is the single-version candidate a path or repository source
// contributes: its version and dependencies come from the gemspec, not
// an index.
type Stub struct {
	Artifact gem.Artifact
	RubyReq  gemver.Requirement
}

// SourceSet routes per-gem queries: stubs first, then a pinned
// registry when the manifest names one, then the default registry.
type SourceSet struct {
	Default Registry
	Pinned  map[string]Registry // gem name -> registry
	Stubs   map[string]Stub     // gem name -> path/git stub
}

func (ss *SourceSet) registryFor(name string) Registry {
	if r, ok := ss.Pinned[name]; ok {
		return r
	}
	return ss.Default
}
