// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/scintlabs/scint/internal/fetch"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
	"github.com/scintlabs/scint/internal/layout"
)

var testABI = gem.ABI{Engine: "ruby", Version: "3.3.1", Arch: "x86_64-linux"}

// makeGem packs a minimal gem archive: metadata.gz plus a data.tar.gz
// holding files.
func makeGem(t *testing.T, metadata string, files map[string]string) []byte {
	t.Helper()

	var data bytes.Buffer
	gz := gzip.NewWriter(&data)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	var meta bytes.Buffer
	mgz := gzip.NewWriter(&meta)
	if _, err := mgz.Write([]byte(metadata)); err != nil {
		t.Fatal(err)
	}
	if err := mgz.Close(); err != nil {
		t.Fatal(err)
	}

	var outer bytes.Buffer
	otw := tar.NewWriter(&outer)
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"metadata.gz", meta.Bytes()},
		{"data.tar.gz", data.Bytes()},
	} {
		if err := otw.WriteHeader(&tar.Header{Name: entry.name, Mode: 0o644, Size: int64(len(entry.body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := otw.Write(entry.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := otw.Close(); err != nil {
		t.Fatal(err)
	}
	return outer.Bytes()
}

const rackMetadata = `name: rack
version:
  version: 3.0.8
platform: ruby
require_paths:
- lib
`

func testPipeline(t *testing.T) (*Pipeline, gem.Artifact) {
	t.Helper()
	l := layout.New(t.TempDir(), testABI)
	p := &Pipeline{
		Layout: l,
		Pool:   fetch.NewPool("scint-test", nil),
		Runner: ExecRunner{},
	}
	a := gem.Artifact{
		Name:     "rack",
		Version:  gemver.MustParse("3.0.8"),
		Platform: gem.PlatformRuby,
		Source:   gem.NewIndexSource("https://example.test"),
	}

	gemBytes := makeGem(t, rackMetadata, map[string]string{
		"lib/rack.rb":     "module Rack; end\n",
		"lib/rack/app.rb": "class App; end\n",
	})
	if err := os.MkdirAll(filepath.Dir(l.Inbound(a)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.Inbound(a), gemBytes, 0o644); err != nil {
		t.Fatal(err)
	}
	return p, a
}

func TestAssembleUnpacksGem(t *testing.T) {
	p, a := testPipeline(t)

	spec, err := p.Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if spec.FullName() != "rack-3.0.8" {
		t.Errorf("spec = %s", spec.FullName())
	}

	tree := p.Layout.Assembling(a)
	if _, err := os.Stat(filepath.Join(tree, "lib", "rack.rb")); err != nil {
		t.Errorf("unpacked file missing: %v", err)
	}
	// Not promoted yet: no cache entry may exist.
	if Promoted(p.Layout, a) {
		t.Error("assembling must never create a cache entry")
	}
}

func TestPromoteIsAtomicAndComplete(t *testing.T) {
	p, a := testPipeline(t)

	spec, err := p.Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Promote(a, spec); err != nil {
		t.Fatal(err)
	}

	if !Promoted(p.Layout, a) {
		t.Fatal("entry should be promoted")
	}
	if _, err := os.Stat(filepath.Join(p.Layout.Cached(a), "lib", "rack.rb")); err != nil {
		t.Error("promoted tree incomplete")
	}
	// The staging directory is consumed by the rename.
	if _, err := os.Stat(p.Layout.Assembling(a)); !os.IsNotExist(err) {
		t.Error("assembling residue left behind after promotion")
	}

	// The projection manifest lists the tree's files.
	manifest, err := os.ReadFile(p.Layout.CachedManifest(a))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(manifest), "lib/rack.rb") {
		t.Errorf("manifest = %q", manifest)
	}

	// And the binary spec sibling round-trips.
	if _, err := os.Stat(p.Layout.CachedSpec(a)); err != nil {
		t.Error("spec sibling missing")
	}
}

func TestPromoteLosesRaceGracefully(t *testing.T) {
	p, a := testPipeline(t)

	spec, err := p.Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Promote(a, spec); err != nil {
		t.Fatal(err)
	}

	// A second invocation assembling the same artifact must treat the
	// lost rename as success and clean its staging tree.
	spec2, err := p.Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Promote(a, spec2); err != nil {
		t.Fatalf("losing the promotion race must not fail: %v", err)
	}
	if _, err := os.Stat(p.Layout.Assembling(a)); !os.IsNotExist(err) {
		t.Error("loser's staging tree should be swept")
	}
}

func TestFetchReusesInbound(t *testing.T) {
	p, a := testPipeline(t)
	// The inbound file exists; Fetch must not touch the network (the
	// source URL is unroutable, so any request would error).
	if err := p.Fetch(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func TestUntarRejectsEscapes(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../outside", Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	tw.Write(body)
	tw.Close()

	if err := untar(&buf, t.TempDir()); err == nil {
		t.Fatal("path escape must be rejected")
	}
}

func TestBuildFailureCapturesOutput(t *testing.T) {
	p, a := testPipeline(t)
	p.Runner = failingRunner{output: "checking for ruby.h... no"}

	spec, err := p.Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	spec.Extensions = []string{"ext/rack/extconf.rb"}

	err = p.Build(context.Background(), a, spec)
	if err == nil {
		t.Fatal("expected build failure")
	}
	if !strings.Contains(err.Error(), "checking for ruby.h... no") {
		t.Errorf("compiler output not preserved verbatim: %v", err)
	}
	if Promoted(p.Layout, a) {
		t.Error("failed build must not produce a cache entry")
	}
}

type failingRunner struct {
	output string
}

func (f failingRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	return []byte(f.output), os.ErrInvalid
}
