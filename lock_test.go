// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"strings"
	"testing"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

const sampleLock = `GIT
  remote: https://github.com/rack/rack-contrib.git
  revision: 0abc123def
  branch: main
  specs:
    rack-contrib (2.4.0)
      rack (~> 3.0)

PATH
  remote: /src/local-gem
  specs:
    local-gem (0.1.0)

GEM
  remote: https://rubygems.org/
  specs:
    rack (3.0.8)
    rails (7.1.0)
      activesupport (= 7.1.0)
      rack (>= 2.2.4)

PLATFORMS
  ruby
  x86_64-linux

DEPENDENCIES
  local-gem!
  rack (~> 3.0)
  rack-contrib!
  rails

CHECKSUMS
  rack-3.0.8 sha256=deadbeefcafe

RUBY VERSION
   ruby 3.3.1

BUNDLED WITH
   0.4.0
`

func TestParseLock(t *testing.T) {
	l, err := ParseLock([]byte(sampleLock))
	if err != nil {
		t.Fatal(err)
	}

	if len(l.Sections) != 3 {
		t.Fatalf("sections = %d", len(l.Sections))
	}

	git := l.Sections[0]
	if git.Source.Kind != gem.GitSource || git.Source.Revision != "0abc123def" || git.Source.Branch != "main" {
		t.Errorf("git source = %+v", git.Source)
	}
	if len(git.Specs) != 1 || git.Specs[0].FullName() != "rack-contrib-2.4.0" {
		t.Errorf("git specs = %v", git.Specs)
	}
	if len(git.Specs[0].Deps) != 1 || git.Specs[0].Deps[0].Name != "rack" {
		t.Errorf("nested deps = %v", git.Specs[0].Deps)
	}

	path := l.Sections[1]
	if path.Source.Kind != gem.PathSource || path.Source.Path != "/src/local-gem" {
		t.Errorf("path source = %+v", path.Source)
	}

	gems := l.Sections[2]
	if gems.Source.Kind != gem.IndexSource || gems.Source.Primary() != "https://rubygems.org" {
		t.Errorf("gem source = %+v", gems.Source)
	}
	if len(gems.Specs) != 2 {
		t.Errorf("gem specs = %v", gems.Specs)
	}

	if len(l.Platforms) != 2 || len(l.Dependencies) != 4 {
		t.Errorf("platforms = %v deps = %v", l.Platforms, l.Dependencies)
	}
	pinned := 0
	for _, d := range l.Dependencies {
		if d.Pinned {
			pinned++
		}
	}
	if pinned != 2 {
		t.Errorf("pinned deps = %d, want 2", pinned)
	}
	if len(l.Checksums) != 1 || l.Checksums[0].SHA256 != "deadbeefcafe" {
		t.Errorf("checksums = %v", l.Checksums)
	}
	if l.RubyVersion != "ruby 3.3.1" || l.BundledWith != "0.4.0" {
		t.Errorf("trailers = %q %q", l.RubyVersion, l.BundledWith)
	}

	versions := l.LockedVersions()
	if versions["rack"].String() != "3.0.8" {
		t.Errorf("locked rack = %v", versions["rack"])
	}
}

// Write(Parse(L)) must reproduce L modulo ordering normalization; this
// fixture is already canonical, so the round trip is byte-identical.
func TestLockRoundTrip(t *testing.T) {
	l, err := ParseLock([]byte(sampleLock))
	if err != nil {
		t.Fatal(err)
	}
	out := string(WriteLockfile(l))
	if out != sampleLock {
		t.Errorf("round trip diverged:\n--- got ---\n%s\n--- want ---\n%s", out, sampleLock)
	}

	// And the rendered form reparses to the same rendering (fixpoint).
	l2, err := ParseLock([]byte(out))
	if err != nil {
		t.Fatal(err)
	}
	if string(WriteLockfile(l2)) != out {
		t.Error("second round trip diverged")
	}
}

func TestWriteLockfileDeterministic(t *testing.T) {
	l := &Lock{
		Sections: []*LockSection{{
			Source: gem.NewIndexSource("https://rubygems.org"),
			Specs: []LockSpec{
				{Name: "zeta", Version: gemver.MustParse("1.0.0")},
				{Name: "alpha", Version: gemver.MustParse("2.0.0")},
			},
		}},
		Platforms:    []string{"x86_64-linux", "ruby"},
		Dependencies: []LockDep{{Name: "zeta"}, {Name: "alpha"}},
	}
	out := string(WriteLockfile(l))
	if strings.Index(out, "alpha") > strings.Index(out, "zeta") {
		t.Error("specs must sort by name")
	}
	if strings.Index(out, "  ruby\n") > strings.Index(out, "  x86_64-linux\n") {
		t.Error("platforms must sort lexicographically")
	}
}

func TestParseLockRejectsUnknownSection(t *testing.T) {
	if _, err := ParseLock([]byte("NONSENSE\n  x\n")); err == nil {
		t.Fatal("expected error for unknown section")
	}
}

func TestDiffLocks(t *testing.T) {
	old, err := ParseLock([]byte(sampleLock))
	if err != nil {
		t.Fatal(err)
	}
	updated, err := ParseLock([]byte(strings.ReplaceAll(sampleLock, "rack (3.0.8)", "rack (3.1.0)")))
	if err != nil {
		t.Fatal(err)
	}

	d := DiffLocks(old, updated)
	if len(d.Modify) != 1 || d.Modify[0].Name != "rack" || d.Modify[0].Current != "3.1.0" {
		t.Errorf("diff = %+v", d)
	}
	if !d.Any() || DiffLocks(old, old).Any() {
		t.Error("Any() misreports")
	}

	if s, err := d.Format(); err != nil || !strings.Contains(s, "rack") {
		t.Errorf("Format() = %q, %v", s, err)
	}
}
