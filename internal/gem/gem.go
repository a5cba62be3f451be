// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gem defines the core vocabulary shared by the installer:
// platforms, ABI keys, source descriptors, dependency requests, and
// resolved artifacts.
package gem

import (
	"fmt"
	"strings"

	"github.com/scintlabs/scint/internal/gemver"
)

// PlatformRuby is the portable platform tag carried by artifacts with
// no native component.
const PlatformRuby = "ruby"

// ABI namespaces the cache so artifacts assembled for one interpreter
// never collide with another.
type ABI struct {
	Engine  string // "ruby", "jruby", ...
	Version string // interpreter version, e.g. "3.3.1"
	Arch    string // host triple, e.g. "x86_64-linux"
}

func (a ABI) String() string {
	return a.Engine + "-" + a.Version + "-" + a.Arch
}

// APIVersion is the extension ABI directory component, e.g. "3.3.0":
// the interpreter version with its tiny segment zeroed.
func (a ABI) APIVersion() string {
	parts := strings.SplitN(a.Version, ".", 3)
	if len(parts) < 2 {
		return a.Version + ".0"
	}
	return parts[0] + "." + parts[1] + ".0"
}

// An Artifact is one resolved (name, version, platform) package.
type Artifact struct {
	Name     string
	Version  gemver.Version
	Platform string // PlatformRuby or a concrete triple

	// Runtime dependencies in declaration order, as the lockfile
	// prints them.
	Dependencies []Dependency

	// Source owns the artifact; every artifact has exactly one.
	Source *Source

	// NeedsBuild marks artifacts that declare native extensions.
	NeedsBuild bool

	// SHA256 is the expected content hash of the packaged artifact,
	// empty when upstream did not provide one.
	SHA256 string

	// Size is an estimate in bytes used only for download ordering.
	Size int64
}

// FullName is the canonical identifier: name-version, with -platform
// appended for non-portable artifacts.
func (a Artifact) FullName() string {
	if a.Platform == "" || a.Platform == PlatformRuby {
		return a.Name + "-" + a.Version.String()
	}
	return a.Name + "-" + a.Version.String() + "-" + a.Platform
}

func (a Artifact) String() string { return a.FullName() }

// Portable reports whether the artifact carries the portable tag.
func (a Artifact) Portable() bool {
	return a.Platform == "" || a.Platform == PlatformRuby
}

// RemoteFilename is the packaged filename served by index sources.
func (a Artifact) RemoteFilename() string { return a.FullName() + ".gem" }

// A Dependency is a request for a named gem under a requirement.
type Dependency struct {
	Name        string
	Requirement gemver.Requirement

	// Groups the manifest assigned ("default" when unspecified) and
	// the platforms the entry is restricted to, empty meaning all.
	Groups    []string
	Platforms []string

	// Source pins the dependency to a named source; nil means the
	// primary index.
	Source *Source
}

func (d Dependency) String() string {
	if d.Requirement.Empty() {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Requirement)
}

// PlatformMatches reports whether an artifact platform is installable
// on the host triple: the portable tag always is; a concrete platform
// must match the host's, allowing the conventional gnu-suffix slack
// (x86_64-linux serves x86_64-linux-gnu).
func PlatformMatches(platform, host string) bool {
	if platform == "" || platform == PlatformRuby {
		return true
	}
	if platform == host {
		return true
	}
	return strings.HasPrefix(host, platform+"-") || strings.HasPrefix(platform, host+"-")
}
