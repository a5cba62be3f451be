// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solve

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/scintlabs/scint/internal/compactindex"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// A Candidate is one installable (version, platform) of a gem, carrying
// everything the planner and pipeline need downstream.
type Candidate struct {
	Name     string
	Version  gemver.Version
	Platform string
	Source   *gem.Source
	SHA256   string

	// records are every platform variant of this (name, version); the
	// dependency view merges them because the chosen variant is not
	// known until the solver commits.
	records []compactindex.InfoRecord
}

// Artifact converts the candidate to its resolved artifact.
func (c Candidate) Artifact() gem.Artifact {
	deps := c.Dependencies()
	return gem.Artifact{
		Name:         c.Name,
		Version:      c.Version,
		Platform:     c.Platform,
		Dependencies: deps,
		Source:       c.Source,
		SHA256:       c.SHA256,
	}
}

// Dependencies merges the requirement sets of every platform variant
// of the candidate's (name, version).
func (c Candidate) Dependencies() []gem.Dependency {
	merged := make(map[string]gemver.Requirement)
	var order []string
	for _, rec := range c.records {
		for _, d := range rec.Dependencies {
			if have, ok := merged[d.Name]; ok {
				merged[d.Name] = have.Merge(d.Requirement)
				continue
			}
			merged[d.Name] = d.Requirement
			order = append(order, d.Name)
		}
	}
	deps := make([]gem.Dependency, 0, len(order))
	for _, name := range order {
		deps = append(deps, gem.Dependency{Name: name, Requirement: merged[name]})
	}
	return deps
}

// Adapter is the solver's only window on the world. It filters
// candidates by platform and interpreter requirements and orders them
// locked-version-first.
type Adapter struct {
	Sources *SourceSet

	// HostPlatform is the concrete host triple candidates must serve.
	HostPlatform string

	// ABI supplies the interpreter version records are matched
	// against.
	ABI gem.ABI

	// RubygemsVersion is the tool-compatibility version used for
	// `rubygems:` requirements.
	RubygemsVersion string

	// StrictUpper honors interpreter upper bounds instead of the
	// default relaxation.
	StrictUpper bool

	// Locked maps gem names to the version the previous lockfile
	// chose; CandidateOrder surfaces it first.
	Locked map[string]gemver.Version
}

// VersionsOf returns the installable candidates for name, newest
// first, with the locked version (if any) surfaced first. The solver
// never sees unmatchable candidates.
func (a *Adapter) VersionsOf(ctx context.Context, name string) ([]Candidate, error) {
	if stub, ok := a.Sources.Stubs[name]; ok {
		return []Candidate{stubCandidate(stub)}, nil
	}

	recs, err := a.Sources.registryFor(name).Records(ctx, name)
	if err != nil {
		return nil, err
	}

	// Group platform variants by version; admission is per variant,
	// the candidate platform is the best admitted variant (a concrete
	// platform outranks the portable tag).
	byVersion := make(map[string][]compactindex.InfoRecord)
	var versions []gemver.Version
	for _, rec := range recs {
		if !a.admits(rec) {
			continue
		}
		key := rec.Version.String()
		if _, seen := byVersion[key]; !seen {
			versions = append(versions, rec.Version)
		}
		byVersion[key] = append(byVersion[key], rec)
	}

	candidates := make([]Candidate, 0, len(versions))
	for _, v := range versions {
		group := byVersion[v.String()]
		best := pickVariant(group, a.HostPlatform)
		candidates = append(candidates, Candidate{
			Name:     name,
			Version:  v,
			Platform: best.Platform,
			Source:   a.Sources.registryFor(name).Source(),
			SHA256:   best.SHA256,
			records:  group,
		})
	}

	return a.CandidateOrder(name, candidates), nil
}

// DependenciesOf returns the merged dependency set of the candidate.
func (a *Adapter) DependenciesOf(c Candidate) []gem.Dependency {
	return c.Dependencies()
}

// CandidateOrder sorts newest to oldest, then moves the locked version
// (when present and admitted) to the front.
func (a *Adapter) CandidateOrder(name string, candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[j].Version.Less(candidates[i].Version)
	})
	if locked, ok := a.Locked[name]; ok {
		for i, c := range candidates {
			if c.Version.Equal(locked) {
				reordered := append([]Candidate{c}, append(append([]Candidate(nil), candidates[:i]...), candidates[i+1:]...)...)
				return reordered
			}
		}
	}
	return candidates
}

// Prefetch warms the per-gem info cache for names in parallel, so the
// solver's sequential walk hits memoised records.
func (a *Adapter) Prefetch(ctx context.Context, names []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		if _, ok := a.Sources.Stubs[name]; ok {
			continue
		}
		name := name
		g.Go(func() error {
			_, err := a.Sources.registryFor(name).Records(ctx, name)
			return err
		})
	}
	return g.Wait()
}

// admits applies platform and interpreter filters to one record.
func (a *Adapter) admits(rec compactindex.InfoRecord) bool {
	if !gem.PlatformMatches(rec.Platform, a.HostPlatform) {
		return false
	}
	if !a.interpreterOK(rec.RubyReq, a.ABI.Version) {
		return false
	}
	if a.RubygemsVersion != "" && !a.interpreterOK(rec.RubygemsReq, a.RubygemsVersion) {
		return false
	}
	return true
}

// interpreterOK checks a `ruby:`/`rubygems:` requirement against the
// running version. Upper bounds are relaxed unless strict matching is
// configured: upstream packages pinning below current interpreters are
// the single largest source of spurious resolution failures.
func (a *Adapter) interpreterOK(req gemver.Requirement, version string) bool {
	if req.Empty() {
		return true
	}
	v, err := gemver.Parse(version)
	if err != nil {
		return true
	}
	if !a.StrictUpper {
		req = req.IgnoreUpper()
	}
	return req.SatisfiedBy(v)
}

func pickVariant(group []compactindex.InfoRecord, host string) compactindex.InfoRecord {
	best := group[0]
	for _, rec := range group[1:] {
		if best.Platform == "" && rec.Platform != "" {
			best = rec
		}
	}
	return best
}

func stubCandidate(stub Stub) Candidate {
	rec := compactindex.InfoRecord{
		Version:  stub.Artifact.Version,
		Platform: stub.Artifact.Platform,
	}
	rec.Dependencies = append(rec.Dependencies, stub.Artifact.Dependencies...)
	return Candidate{
		Name:     stub.Artifact.Name,
		Version:  stub.Artifact.Version,
		Platform: stub.Artifact.Platform,
		Source:   stub.Artifact.Source,
		records:  []compactindex.InfoRecord{rec},
	}
}
