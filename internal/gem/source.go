// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gem

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
)

// SourceKind discriminates the source variants.
type SourceKind int

const (
	// IndexSource is a compact-index remote (rubygems.org shaped).
	IndexSource SourceKind = iota
	// GitSource is a version-controlled repository pinned to a
	// revision.
	GitSource
	// PathSource is a local directory used in place.
	PathSource
)

func (k SourceKind) String() string {
	switch k {
	case IndexSource:
		return "gem"
	case GitSource:
		return "git"
	case PathSource:
		return "path"
	}
	return "unknown"
}

// A Source identifies where artifacts originate. It is a tagged
// variant: exactly the fields for its Kind are meaningful.
type Source struct {
	Kind SourceKind

	// IndexSource: ordered remote roots, first is primary.
	Remotes []string

	// GitSource.
	URI         string
	Branch      string
	Tag         string
	Revision    string // immutable revision, resolved before install
	Submodules  bool
	GemspecGlob string

	// PathSource. Path is absolute after manifest ingestion.
	Path string
}

// NewIndexSource builds an index source over the given remotes.
func NewIndexSource(remotes ...string) *Source {
	trimmed := make([]string, len(remotes))
	for i, r := range remotes {
		trimmed[i] = strings.TrimRight(r, "/")
	}
	return &Source{Kind: IndexSource, Remotes: trimmed}
}

// NewGitSource builds a repository source.
func NewGitSource(uri, branch, tag, revision string) *Source {
	return &Source{Kind: GitSource, URI: uri, Branch: branch, Tag: tag, Revision: revision}
}

// NewPathSource builds a path source over an absolute directory.
func NewPathSource(path string) *Source {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Source{Kind: PathSource, Path: abs}
}

// Primary returns the primary remote of an index source.
func (s *Source) Primary() string {
	if len(s.Remotes) == 0 {
		return ""
	}
	return s.Remotes[0]
}

// Ident is the canonical identity string; two sources are the same
// source exactly when their Idents are equal.
func (s *Source) Ident() string {
	switch s.Kind {
	case IndexSource:
		sorted := append([]string(nil), s.Remotes...)
		sort.Strings(sorted)
		return "gem:" + strings.Join(sorted, ",")
	case GitSource:
		return "git:" + normalizeURI(s.URI) + "@" + s.Revision + flagString(s.Submodules)
	case PathSource:
		return "path:" + s.Path
	}
	return ""
}

func flagString(submodules bool) string {
	if submodules {
		return "+submodules"
	}
	return ""
}

// Equal compares canonical identity.
func (s *Source) Equal(o *Source) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Ident() == o.Ident()
}

// Slug is the stable directory name for the source under the cache
// root: a human-decodable sanitized name plus a truncated identity
// hash, so distinct sources never share a directory.
func (s *Source) Slug() string {
	var base string
	switch s.Kind {
	case IndexSource:
		base = sanitize(hostOf(s.Primary()))
	case GitSource:
		base = sanitize(repoName(s.URI))
	case PathSource:
		base = sanitize(filepath.Base(s.Path))
	}
	sum := sha256.Sum256([]byte(s.Ident()))
	return base + "-" + hex.EncodeToString(sum[:])[:8]
}

func (s *Source) String() string {
	switch s.Kind {
	case IndexSource:
		return s.Primary()
	case GitSource:
		return s.URI
	case PathSource:
		return s.Path
	}
	return ""
}

// Used to compute a friendly filepath component from a URL-shaped
// input.
var sanitizer = strings.NewReplacer("/", "-", ":", "-", "@", "-", "+", "-", " ", "-", ".", "-")

func sanitize(s string) string {
	out := sanitizer.Replace(strings.ToLower(s))
	out = strings.Trim(out, "-")
	if out == "" {
		return "src"
	}
	return out
}

func hostOf(remote string) string {
	u, err := url.Parse(remote)
	if err != nil || u.Host == "" {
		return remote
	}
	return u.Host
}

func repoName(uri string) string {
	trimmed := strings.TrimSuffix(uri, ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 && i+1 < len(trimmed) {
		return trimmed[i+1:]
	}
	return trimmed
}

func normalizeURI(uri string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(uri, "/"), ".git")
	// scp-style git addresses are equivalent to ssh:// URLs.
	if !strings.Contains(trimmed, "://") {
		if i := strings.Index(trimmed, ":"); i > 0 {
			trimmed = "ssh://" + trimmed[:i] + "/" + trimmed[i+1:]
		}
	}
	return strings.ToLower(trimmed)
}
