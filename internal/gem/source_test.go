// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gem

import (
	"strings"
	"testing"

	"github.com/scintlabs/scint/internal/gemver"
)

func TestSourceIdentity(t *testing.T) {
	a := NewIndexSource("https://rubygems.org/", "https://mirror.example")
	b := NewIndexSource("https://mirror.example", "https://rubygems.org")
	if !a.Equal(b) {
		t.Error("index identity should ignore remote order")
	}

	g1 := NewGitSource("https://github.com/rack/rack.git", "", "", "abc123")
	g2 := NewGitSource("https://github.com/rack/rack", "", "", "abc123")
	if !g1.Equal(g2) {
		t.Error("git identity should ignore the .git suffix")
	}
	g3 := NewGitSource("git@github.com:rack/rack.git", "", "", "abc123")
	if !g1.Equal(g3) {
		t.Error("scp-style and https addresses of one repo should unify")
	}

	g4 := NewGitSource("https://github.com/rack/rack", "", "", "def456")
	if g1.Equal(g4) {
		t.Error("different revisions are different sources")
	}
}

func TestSlugStable(t *testing.T) {
	s := NewGitSource("https://github.com/rack/rack.git", "main", "", "abc123")
	if s.Slug() != s.Slug() {
		t.Fatal("slug must be deterministic")
	}
	if !strings.HasPrefix(s.Slug(), "rack-") {
		t.Errorf("slug %q should be human-decodable", s.Slug())
	}

	other := NewGitSource("https://github.com/rails/rails.git", "", "", "abc123")
	if s.Slug() == other.Slug() {
		t.Error("distinct sources must not share a slug")
	}
}

func TestFullName(t *testing.T) {
	portable := Artifact{Name: "rack", Version: gemver.MustParse("3.0.8"), Platform: PlatformRuby}
	if portable.FullName() != "rack-3.0.8" {
		t.Errorf("FullName() = %q", portable.FullName())
	}

	native := Artifact{Name: "nokogiri", Version: gemver.MustParse("1.16.0"), Platform: "x86_64-linux"}
	if native.FullName() != "nokogiri-1.16.0-x86_64-linux" {
		t.Errorf("FullName() = %q", native.FullName())
	}
}

func TestPlatformMatches(t *testing.T) {
	cases := []struct {
		platform, host string
		want           bool
	}{
		{"ruby", "x86_64-linux", true},
		{"", "x86_64-linux", true},
		{"x86_64-linux", "x86_64-linux", true},
		{"x86_64-linux", "x86_64-linux-gnu", true},
		{"arm64-darwin", "x86_64-linux", false},
		{"java", "x86_64-linux", false},
	}
	for _, c := range cases {
		if got := PlatformMatches(c.platform, c.host); got != c.want {
			t.Errorf("PlatformMatches(%q, %q) = %v, want %v", c.platform, c.host, got, c.want)
		}
	}
}

func TestABIAPIVersion(t *testing.T) {
	abi := ABI{Engine: "ruby", Version: "3.3.1", Arch: "x86_64-linux"}
	if abi.APIVersion() != "3.3.0" {
		t.Errorf("APIVersion() = %q, want 3.3.0", abi.APIVersion())
	}
	if abi.String() != "ruby-3.3.1-x86_64-linux" {
		t.Errorf("String() = %q", abi.String())
	}
}
