// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layout is pure path algebra over the global cache root. No
// function here touches the filesystem.
package layout

import (
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/scintlabs/scint/internal/gem"
)

// Layout computes every cache path from the root and the ABI key.
type Layout struct {
	Root string
	ABI  gem.ABI
}

// DefaultRoot is the XDG cache location used when no override is
// configured.
func DefaultRoot() string {
	return filepath.Join(xdg.CacheHome, "scint")
}

// New returns a Layout over root, defaulting to the XDG cache dir when
// root is empty.
func New(root string, abi gem.ABI) Layout {
	if root == "" {
		root = DefaultRoot()
	}
	return Layout{Root: root, ABI: abi}
}

// Inbound is the landing path for a fetched package file.
func (l Layout) Inbound(a gem.Artifact) string {
	return filepath.Join(l.Root, "inbound", "gems", a.RemoteFilename())
}

// InboundRepo is the bare repository mirror for a git source.
func (l Layout) InboundRepo(s *gem.Source) string {
	return filepath.Join(l.Root, "inbound", "gits", s.Slug())
}

// Assembling is the staging directory where unpacking and compilation
// happen. Never read by the warm path.
func (l Layout) Assembling(a gem.Artifact) string {
	return filepath.Join(l.Root, "assembling", l.ABI.String(), a.FullName())
}

// Cached is the promoted artifact tree. Existing only after an atomic
// rename from Assembling.
func (l Layout) Cached(a gem.Artifact) string {
	return filepath.Join(l.Root, "cached", l.ABI.String(), a.FullName())
}

// CachedSpec is the binary metadata sibling of a cached entry.
func (l Layout) CachedSpec(a gem.Artifact) string {
	return l.Cached(a) + ".spec.marshal"
}

// CachedManifest is the projection list sibling of a cached entry: the
// relative paths materialization must clone.
func (l Layout) CachedManifest(a gem.Artifact) string {
	return l.Cached(a) + ".manifest"
}

// Index is the on-disk compact-index cache for a source.
func (l Layout) Index(s *gem.Source) string {
	return filepath.Join(l.Root, "index", s.Slug())
}

// CompletionMarker is written inside an assembling tree immediately
// before promotion; its presence inside cached/ is what makes an entry
// authoritative.
const CompletionMarker = ".scint-complete"

// ExtOutputDir is the subtree inside an artifact tree where compiled
// extension outputs land: the pipeline installs into it, the planner
// checks it, and materialization projects it into the extensions
// directory.
const ExtOutputDir = ".ext"

// Marker is the completion marker path inside a cached entry.
func (l Layout) Marker(a gem.Artifact) string {
	return filepath.Join(l.Cached(a), CompletionMarker)
}
