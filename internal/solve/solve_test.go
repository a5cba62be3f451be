// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solve

import (
	"context"
	"testing"

	"github.com/scintlabs/scint/internal/compactindex"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// fakeRegistry serves canned info records keyed by gem name.
type fakeRegistry struct {
	src  *gem.Source
	recs map[string][]compactindex.InfoRecord
}

func newFakeRegistry(entries map[string][]compactindex.InfoRecord) *fakeRegistry {
	return &fakeRegistry{src: gem.NewIndexSource("https://example.test"), recs: entries}
}

func (f *fakeRegistry) Records(ctx context.Context, name string) ([]compactindex.InfoRecord, error) {
	return f.recs[name], nil
}

func (f *fakeRegistry) Source() *gem.Source { return f.src }

func rec(version, platform string, deps ...gem.Dependency) compactindex.InfoRecord {
	return compactindex.InfoRecord{
		Version:      gemver.MustParse(version),
		Platform:     platform,
		Dependencies: deps,
	}
}

func dep(name string, constraints ...string) gem.Dependency {
	return gem.Dependency{Name: name, Requirement: gemver.MustParseRequirement(constraints...)}
}

func newAdapter(reg Registry) *Adapter {
	return &Adapter{
		Sources:      &SourceSet{Default: reg},
		HostPlatform: "x86_64-linux",
		ABI:          gem.ABI{Engine: "ruby", Version: "3.3.1", Arch: "x86_64-linux"},
	}
}

func TestSolvePicksNewestSatisfying(t *testing.T) {
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"a": {rec("1.0.0", ""), rec("1.2.3", ""), rec("2.0.0", "")},
	})
	s := NewSolver(newAdapter(reg))

	arts, err := s.Solve(context.Background(), []gem.Dependency{dep("a", "~> 1.0")})
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].FullName() != "a-1.2.3" {
		t.Errorf("resolved = %v", arts)
	}
}

func TestSolveTransitive(t *testing.T) {
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"rails": {rec("7.1.0", "", dep("activesupport", "= 7.1.0"))},
		"activesupport": {
			rec("7.1.0", "", dep("tzinfo", "~> 2.0")),
			rec("7.0.0", ""),
		},
		"tzinfo": {rec("2.0.6", ""), rec("1.2.11", "")},
	})
	s := NewSolver(newAdapter(reg))

	arts, err := s.Solve(context.Background(), []gem.Dependency{dep("rails")})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, a := range arts {
		got[a.Name] = a.Version.String()
	}
	want := map[string]string{"rails": "7.1.0", "activesupport": "7.1.0", "tzinfo": "2.0.6"}
	for name, version := range want {
		if got[name] != version {
			t.Errorf("%s = %q, want %q (full set %v)", name, got[name], version, got)
		}
	}
}

func TestSolveBacktracks(t *testing.T) {
	// b's newest version conflicts with c's needs; the solver must
	// fall back to b 1.0.0.
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"app": {rec("1.0.0", "", dep("b"), dep("c"))},
		"b": {
			rec("2.0.0", "", dep("shared", ">= 2.0")),
			rec("1.0.0", "", dep("shared", ">= 1.0")),
		},
		"c":      {rec("1.0.0", "", dep("shared", "< 2.0"))},
		"shared": {rec("2.1.0", ""), rec("1.5.0", "")},
	})
	s := NewSolver(newAdapter(reg))

	arts, err := s.Solve(context.Background(), []gem.Dependency{dep("app")})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, a := range arts {
		got[a.Name] = a.Version.String()
	}
	if got["b"] != "1.0.0" || got["shared"] != "1.5.0" {
		t.Errorf("resolved = %v", got)
	}
}

func TestSolveMonotonicWithLock(t *testing.T) {
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"a": {rec("1.0.0", ""), rec("1.2.0", ""), rec("1.5.0", "")},
	})
	a := newAdapter(reg)
	a.Locked = map[string]gemver.Version{"a": gemver.MustParse("1.2.0")}
	s := NewSolver(a)

	arts, err := s.Solve(context.Background(), []gem.Dependency{dep("a", "~> 1.0")})
	if err != nil {
		t.Fatal(err)
	}
	if arts[0].Version.String() != "1.2.0" {
		t.Errorf("locked version not preferred: got %s", arts[0].Version)
	}

	// When the lock no longer satisfies, the newest matching wins.
	a.Locked["a"] = gemver.MustParse("0.9.0")
	arts, err = s.Solve(context.Background(), []gem.Dependency{dep("a", "~> 1.0")})
	if err != nil {
		t.Fatal(err)
	}
	if arts[0].Version.String() != "1.5.0" {
		t.Errorf("stale lock should be ignored: got %s", arts[0].Version)
	}
}

func TestSolveResolutionFailure(t *testing.T) {
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"a": {rec("1.0.0", "")},
	})
	s := NewSolver(newAdapter(reg))

	_, err := s.Solve(context.Background(), []gem.Dependency{dep("a", ">= 2.0")})
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	if _, ok := err.(*NoVersionError); !ok {
		t.Errorf("error type = %T", err)
	}
}

func TestPlatformFiltering(t *testing.T) {
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"nokogiri": {
			rec("1.16.0", ""),
			rec("1.16.0", "x86_64-linux"),
			rec("1.16.0", "arm64-darwin"),
		},
	})
	a := newAdapter(reg)

	candidates, err := a.VersionsOf(context.Background(), "nokogiri")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %v", candidates)
	}
	// The concrete host variant outranks the portable tag, and the
	// foreign platform is filtered out entirely.
	if candidates[0].Platform != "x86_64-linux" {
		t.Errorf("platform = %q", candidates[0].Platform)
	}
}

func TestInterpreterUpperBoundIgnored(t *testing.T) {
	r := rec("1.0.0", "")
	r.RubyReq = gemver.MustParseRequirement(">= 2.6", "< 3.0")
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{"a": {r}})

	a := newAdapter(reg) // interpreter 3.3.1
	candidates, err := a.VersionsOf(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Error("upper bound should be ignored by default")
	}

	a.StrictUpper = true
	candidates, err = a.VersionsOf(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Error("strict mode should honor the upper bound")
	}
}

func TestCrossVariantDependencyMerge(t *testing.T) {
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{
		"g": {
			rec("1.0.0", "", dep("x", ">= 1.0")),
			rec("1.0.0", "x86_64-linux", dep("x", "< 3.0")),
		},
		"x": {rec("2.0.0", ""), rec("3.0.0", "")},
	})
	s := NewSolver(newAdapter(reg))

	arts, err := s.Solve(context.Background(), []gem.Dependency{dep("g")})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, a := range arts {
		got[a.Name] = a.Version.String()
	}
	// Constraints from both variants apply: x must be >= 1.0 and < 3.0.
	if got["x"] != "2.0.0" {
		t.Errorf("x = %q, want 2.0.0", got["x"])
	}
}

func TestStubSource(t *testing.T) {
	gitSrc := gem.NewGitSource("https://github.com/x/b.git", "", "", "abc123")
	reg := newFakeRegistry(map[string][]compactindex.InfoRecord{})
	a := newAdapter(reg)
	a.Sources.Stubs = map[string]Stub{
		"b": {Artifact: gem.Artifact{
			Name: "b", Version: gemver.MustParse("0.3.0"), Platform: gem.PlatformRuby, Source: gitSrc,
		}},
	}
	s := NewSolver(a)

	arts, err := s.Solve(context.Background(), []gem.Dependency{dep("b")})
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Source != gitSrc {
		t.Errorf("resolved = %v", arts)
	}
}
