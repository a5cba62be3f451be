// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// Lock is the parsed companion lockfile: the complete resolved set
// grouped by owning source, plus the trailer sections.
type Lock struct {
	Sections     []*LockSection
	Platforms    []string
	Dependencies []LockDep
	Checksums    []LockChecksum
	RubyVersion  string
	BundledWith  string
}

// LockSection is one source block and its spec list.
type LockSection struct {
	Source *gem.Source
	Specs  []LockSpec
}

// LockSpec is one resolved artifact as the lockfile records it.
type LockSpec struct {
	Name     string
	Version  gemver.Version
	Platform string // "" for the portable tag
	Deps     []gem.Dependency
}

// FullName is the canonical identifier of the spec.
func (s LockSpec) FullName() string {
	if s.Platform == "" {
		return s.Name + "-" + s.Version.String()
	}
	return s.Name + "-" + s.Version.String() + "-" + s.Platform
}

// LockDep is one top-level dependency line; Pinned marks path and
// repository entries (`!`).
type LockDep struct {
	Name        string
	Requirement gemver.Requirement
	Pinned      bool
}

// LockChecksum records a known artifact content hash.
type LockChecksum struct {
	FullName string
	SHA256   string
}

// LockedVersions maps every locked gem name to its version, the
// resolver's monotonicity input.
func (l *Lock) LockedVersions() map[string]gemver.Version {
	if l == nil {
		return nil
	}
	out := make(map[string]gemver.Version)
	for _, sec := range l.Sections {
		for _, s := range sec.Specs {
			out[s.Name] = s.Version
		}
	}
	return out
}

// ParseLock parses lockfile text. The grammar is two-space indented
// section fields, four-space spec names, six-space nested
// dependencies.
func ParseLock(raw []byte) (*Lock, error) {
	l := &Lock{}
	var section string
	var cur *LockSection

	sc := bufio.NewScanner(bytes.NewReader(raw))
	lineno := 0
	for sc.Scan() {
		line := sc.Text()
		lineno++
		if strings.TrimSpace(line) == "" {
			continue
		}

		// Section headers are flush left.
		if !strings.HasPrefix(line, " ") {
			section = strings.TrimSpace(line)
			switch section {
			case "GEM", "GIT", "PATH":
				cur = &LockSection{}
				switch section {
				case "GEM":
					cur.Source = &gem.Source{Kind: gem.IndexSource}
				case "GIT":
					cur.Source = &gem.Source{Kind: gem.GitSource}
				case "PATH":
					cur.Source = &gem.Source{Kind: gem.PathSource}
				}
				l.Sections = append(l.Sections, cur)
			case "PLATFORMS", "DEPENDENCIES", "CHECKSUMS", "RUBY VERSION", "BUNDLED WITH":
				cur = nil
			default:
				return nil, errors.Errorf("line %d: unknown lockfile section %q", lineno, section)
			}
			continue
		}

		body := strings.TrimSpace(line)
		indent := len(line) - len(strings.TrimLeft(line, " "))

		switch section {
		case "GEM", "GIT", "PATH":
			if err := parseSourceLine(cur, body, indent); err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno)
			}
		case "PLATFORMS":
			l.Platforms = append(l.Platforms, body)
		case "DEPENDENCIES":
			dep, err := parseLockDep(body)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno)
			}
			l.Dependencies = append(l.Dependencies, dep)
		case "CHECKSUMS":
			cs, err := parseChecksum(body)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineno)
			}
			l.Checksums = append(l.Checksums, cs)
		case "RUBY VERSION":
			l.RubyVersion = body
		case "BUNDLED WITH":
			l.BundledWith = body
		default:
			return nil, errors.Errorf("line %d: content outside any section", lineno)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

func parseSourceLine(cur *LockSection, body string, indent int) error {
	if cur == nil {
		return errors.New("spec line outside a source block")
	}

	switch {
	case indent == 2:
		key, val, ok := strings.Cut(body, ":")
		if !ok {
			return errors.Errorf("malformed source field %q", body)
		}
		val = strings.TrimSpace(val)
		switch key {
		case "remote":
			applyRemote(cur.Source, val)
		case "revision":
			cur.Source.Revision = val
		case "branch":
			cur.Source.Branch = val
		case "tag":
			cur.Source.Tag = val
		case "glob":
			cur.Source.GemspecGlob = val
		case "submodules":
			cur.Source.Submodules = val == "true"
		case "specs":
			// Marker line; specs follow at deeper indent.
		default:
			return errors.Errorf("unknown source field %q", key)
		}
	case indent == 4:
		name, version, platform, err := parseSpecHead(body)
		if err != nil {
			return err
		}
		cur.Specs = append(cur.Specs, LockSpec{Name: name, Version: version, Platform: platform})
	case indent >= 6:
		if len(cur.Specs) == 0 {
			return errors.New("dependency line before any spec")
		}
		dep, err := parseLockDep(body)
		if err != nil {
			return err
		}
		last := &cur.Specs[len(cur.Specs)-1]
		last.Deps = append(last.Deps, gem.Dependency{Name: dep.Name, Requirement: dep.Requirement})
	default:
		return errors.Errorf("unexpected indent %d", indent)
	}
	return nil
}

func applyRemote(src *gem.Source, val string) {
	switch src.Kind {
	case gem.IndexSource:
		src.Remotes = append(src.Remotes, strings.TrimRight(val, "/"))
	case gem.GitSource:
		src.URI = val
	case gem.PathSource:
		src.Path = val
	}
}

// parseSpecHead splits `name (version[-platform])`.
func parseSpecHead(body string) (string, gemver.Version, string, error) {
	open := strings.Index(body, " (")
	if open < 0 || !strings.HasSuffix(body, ")") {
		return "", gemver.Version{}, "", errors.Errorf("malformed spec line %q", body)
	}
	name := body[:open]
	tok := body[open+2 : len(body)-1]

	vs, platform := tok, ""
	if i := strings.Index(tok, "-"); i >= 0 {
		vs, platform = tok[:i], tok[i+1:]
	}
	v, err := gemver.Parse(vs)
	if err != nil {
		return "", gemver.Version{}, "", errors.Wrapf(err, "spec line %q", body)
	}
	return name, v, platform, nil
}

// parseLockDep splits `name[!]` or `name (constraints)[!]`.
func parseLockDep(body string) (LockDep, error) {
	dep := LockDep{}
	if strings.HasSuffix(body, "!") {
		dep.Pinned = true
		body = strings.TrimSuffix(body, "!")
	}

	open := strings.Index(body, " (")
	if open < 0 {
		dep.Name = strings.TrimSpace(body)
		return dep, nil
	}
	if !strings.HasSuffix(body, ")") {
		return dep, errors.Errorf("malformed dependency line %q", body)
	}
	dep.Name = body[:open]
	req, err := gemver.ParseRequirement(strings.Split(body[open+2:len(body)-1], ", ")...)
	if err != nil {
		return dep, errors.Wrapf(err, "dependency line %q", body)
	}
	dep.Requirement = req
	return dep, nil
}

func parseChecksum(body string) (LockChecksum, error) {
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return LockChecksum{}, errors.Errorf("malformed checksum line %q", body)
	}
	// `name (version)` or `name-version`, then `sha256=...`.
	full := strings.Join(fields[:len(fields)-1], " ")
	full = strings.ReplaceAll(full, " (", "-")
	full = strings.TrimSuffix(full, ")")

	last := fields[len(fields)-1]
	sha, ok := strings.CutPrefix(last, "sha256=")
	if !ok {
		return LockChecksum{}, errors.Errorf("unsupported checksum algorithm in %q", body)
	}
	return LockChecksum{FullName: full, SHA256: sha}, nil
}
