// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scintlabs/scint/internal/gem"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ManifestName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanDirectives(t *testing.T) {
	path := writeManifest(t, `source "https://rubygems.org"
ruby "3.3.1"

gem "rack", "~> 3.0"
gem "rack-contrib", git: "https://github.com/rack/rack-contrib.git", branch: "main"
gem "local-gem", path: "../local-gem" # in-tree
gem "octokit", github: "octokit/octokit.rb"
`)

	m := &Manifest{}
	if err := m.scanDirectives(path); err != nil {
		t.Fatal(err)
	}

	if m.RubyVersion != "3.3.1" {
		t.Errorf("ruby version = %q", m.RubyVersion)
	}
	if len(m.Sources) != 4 {
		t.Fatalf("sources = %d: %v", len(m.Sources), m.Sources)
	}
	if m.Sources[0].Kind != gem.IndexSource || m.Sources[0].Primary() != "https://rubygems.org" {
		t.Errorf("index source = %+v", m.Sources[0])
	}

	byName := map[string]gem.Dependency{}
	for _, d := range m.Dependencies {
		byName[d.Name] = d
	}

	contrib := byName["rack-contrib"]
	if contrib.Source == nil || contrib.Source.Kind != gem.GitSource {
		t.Fatalf("rack-contrib source = %+v", contrib.Source)
	}
	if contrib.Source.URI != "https://github.com/rack/rack-contrib.git" || contrib.Source.Branch != "main" {
		t.Errorf("git opts = %+v", contrib.Source)
	}

	local := byName["local-gem"]
	if local.Source == nil || local.Source.Kind != gem.PathSource {
		t.Fatalf("local-gem source = %+v", local.Source)
	}
	if !filepath.IsAbs(local.Source.Path) {
		t.Errorf("path must be absolute: %q", local.Source.Path)
	}

	octo := byName["octokit"]
	if octo.Source == nil || octo.Source.URI != "https://github.com/octokit/octokit.rb.git" {
		t.Errorf("github shorthand = %+v", octo.Source)
	}

	// The plain gem line carries no source pin; the scan leaves it to
	// the shared parser.
	if d, ok := byName["rack"]; ok && d.Source != nil {
		t.Errorf("rack should not be pinned: %+v", d.Source)
	}
}

func TestDefaultSourceFallback(t *testing.T) {
	m := &Manifest{}
	if got := m.DefaultSource().Primary(); got != "https://rubygems.org" {
		t.Errorf("default source = %q", got)
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	creds := CredentialsFromEnv([]string{
		"SCINT_AUTH__GEMS_EXAMPLE_COM=s3cr3t",
		"PATH=/usr/bin",
		"SCINT_AUTH__=empty",
	})
	if got := creds["gems.example.com"]; got != "Bearer s3cr3t" {
		t.Errorf("credential = %q", got)
	}
	if len(creds) != 1 {
		t.Errorf("creds = %v", creds)
	}

	cfg := DefaultConfig()
	cfg.Credentials = creds
	if cfg.CredentialFor("gems.example.com:443") != "Bearer s3cr3t" {
		t.Error("port must be stripped for credential lookup")
	}
	if cfg.CredentialFor("other.example.com") != "" {
		t.Error("unknown host must have no credential")
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindManifest, 4}, {KindLockfile, 5}, {KindResolution, 6},
		{KindNetwork, 7}, {KindInstall, 8}, {KindCompilation, 9},
		{KindPermission, 10}, {KindPlatform, 11}, {KindCache, 12},
		{KindInterrupted, 130}, {KindGeneral, 1},
	}
	for _, c := range cases {
		if got := c.kind.ExitCode(); got != c.want {
			t.Errorf("%v.ExitCode() = %d, want %d", c.kind, got, c.want)
		}
	}
	if ExitCodeFor(nil) != 0 {
		t.Error("nil error must exit 0")
	}
	if ExitCodeFor(WrapKind(KindCompilation, os.ErrInvalid)) != 9 {
		t.Error("wrapped kind must map through")
	}
}
