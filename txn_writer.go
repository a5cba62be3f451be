// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gem"
)

// WriteLockfile renders the canonical lockfile text. Output is
// deterministic: source blocks in GIT, PATH, GEM order (each sorted by
// identity), specs by (name, version, platform), nested dependencies
// by name, platforms lexicographically.
func WriteLockfile(l *Lock) []byte {
	var buf bytes.Buffer

	sections := append([]*LockSection(nil), l.Sections...)
	sort.SliceStable(sections, func(i, j int) bool {
		ki, kj := sectionRank(sections[i]), sectionRank(sections[j])
		if ki != kj {
			return ki < kj
		}
		return sections[i].Source.Ident() < sections[j].Source.Ident()
	})

	for _, sec := range sections {
		writeSection(&buf, sec)
	}

	buf.WriteString("PLATFORMS\n")
	platforms := append([]string(nil), l.Platforms...)
	sort.Strings(platforms)
	for _, p := range platforms {
		fmt.Fprintf(&buf, "  %s\n", p)
	}
	buf.WriteString("\n")

	buf.WriteString("DEPENDENCIES\n")
	deps := append([]LockDep(nil), l.Dependencies...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	for _, d := range deps {
		line := d.Name
		if !d.Requirement.Empty() {
			line += " (" + d.Requirement.String() + ")"
		}
		if d.Pinned {
			line += "!"
		}
		fmt.Fprintf(&buf, "  %s\n", line)
	}

	if len(l.Checksums) > 0 {
		buf.WriteString("\nCHECKSUMS\n")
		sums := append([]LockChecksum(nil), l.Checksums...)
		sort.Slice(sums, func(i, j int) bool { return sums[i].FullName < sums[j].FullName })
		for _, cs := range sums {
			fmt.Fprintf(&buf, "  %s sha256=%s\n", cs.FullName, cs.SHA256)
		}
	}

	if l.RubyVersion != "" {
		fmt.Fprintf(&buf, "\nRUBY VERSION\n   %s\n", l.RubyVersion)
	}
	if l.BundledWith != "" {
		fmt.Fprintf(&buf, "\nBUNDLED WITH\n   %s\n", l.BundledWith)
	}

	return buf.Bytes()
}

func sectionRank(sec *LockSection) int {
	switch sec.Source.Kind {
	case gem.GitSource:
		return 0
	case gem.PathSource:
		return 1
	default:
		return 2
	}
}

func writeSection(buf *bytes.Buffer, sec *LockSection) {
	src := sec.Source
	switch src.Kind {
	case gem.GitSource:
		buf.WriteString("GIT\n")
		fmt.Fprintf(buf, "  remote: %s\n", src.URI)
		fmt.Fprintf(buf, "  revision: %s\n", src.Revision)
		if src.Branch != "" {
			fmt.Fprintf(buf, "  branch: %s\n", src.Branch)
		}
		if src.Tag != "" {
			fmt.Fprintf(buf, "  tag: %s\n", src.Tag)
		}
		if src.GemspecGlob != "" {
			fmt.Fprintf(buf, "  glob: %s\n", src.GemspecGlob)
		}
		if src.Submodules {
			buf.WriteString("  submodules: true\n")
		}
	case gem.PathSource:
		buf.WriteString("PATH\n")
		fmt.Fprintf(buf, "  remote: %s\n", src.Path)
	default:
		buf.WriteString("GEM\n")
		for _, r := range src.Remotes {
			fmt.Fprintf(buf, "  remote: %s/\n", strings.TrimRight(r, "/"))
		}
	}

	buf.WriteString("  specs:\n")
	specs := append([]LockSpec(nil), sec.Specs...)
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Name != specs[j].Name {
			return specs[i].Name < specs[j].Name
		}
		if !specs[i].Version.Equal(specs[j].Version) {
			return specs[i].Version.Less(specs[j].Version)
		}
		return specs[i].Platform < specs[j].Platform
	})
	for _, s := range specs {
		tok := s.Version.String()
		if s.Platform != "" {
			tok += "-" + s.Platform
		}
		fmt.Fprintf(buf, "    %s (%s)\n", s.Name, tok)

		deps := append([]gem.Dependency(nil), s.Deps...)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
		for _, d := range deps {
			if d.Requirement.Empty() {
				fmt.Fprintf(buf, "      %s\n", d.Name)
			} else {
				fmt.Fprintf(buf, "      %s (%s)\n", d.Name, d.Requirement)
			}
		}
	}
	buf.WriteString("\n")
}

// SafeWriter writes the lockfile atomically, and only when its
// rendering changed. The runtime map is written separately.
type SafeWriter struct {
	LockPath string
}

// WriteLock writes the lock when new differs from old, returning
// whether a write happened.
func (sw *SafeWriter) WriteLock(old, new *Lock) (bool, error) {
	rendered := WriteLockfile(new)
	if old != nil && bytes.Equal(WriteLockfile(old), rendered) {
		return false, nil
	}
	if err := fs.WriteFileAtomic(sw.LockPath, rendered, 0o644); err != nil {
		return false, WrapKind(KindLockfile, errors.Wrap(err, "write lockfile"))
	}
	return true, nil
}

// LockDiff is the set of differences between two locks, reported after
// install.
type LockDiff struct {
	Add    []LockedSpecDiff `toml:"add,omitempty"`
	Remove []LockedSpecDiff `toml:"remove,omitempty"`
	Modify []LockedSpecDiff `toml:"modify,omitempty"`
}

// LockedSpecDiff is one changed spec; Previous/Current are empty when
// the side does not exist.
type LockedSpecDiff struct {
	Name     string `toml:"name"`
	Previous string `toml:"previous,omitempty"`
	Current  string `toml:"current,omitempty"`
}

// Any reports whether the diff is non-empty.
func (d *LockDiff) Any() bool {
	return d != nil && (len(d.Add) > 0 || len(d.Remove) > 0 || len(d.Modify) > 0)
}

// DiffLocks compares two locks by spec identity.
func DiffLocks(old, new *Lock) *LockDiff {
	prev := lockVersions(old)
	next := lockVersions(new)

	d := &LockDiff{}
	for name, v := range next {
		pv, had := prev[name]
		switch {
		case !had:
			d.Add = append(d.Add, LockedSpecDiff{Name: name, Current: v})
		case pv != v:
			d.Modify = append(d.Modify, LockedSpecDiff{Name: name, Previous: pv, Current: v})
		}
	}
	for name, v := range prev {
		if _, have := next[name]; !have {
			d.Remove = append(d.Remove, LockedSpecDiff{Name: name, Previous: v})
		}
	}

	sort.Slice(d.Add, func(i, j int) bool { return d.Add[i].Name < d.Add[j].Name })
	sort.Slice(d.Remove, func(i, j int) bool { return d.Remove[i].Name < d.Remove[j].Name })
	sort.Slice(d.Modify, func(i, j int) bool { return d.Modify[i].Name < d.Modify[j].Name })
	return d
}

// Format renders the diff for the post-install summary.
func (d *LockDiff) Format() (string, error) {
	if !d.Any() {
		return "", nil
	}
	chunk, err := toml.Marshal(*d)
	if err != nil {
		return "", errors.Wrap(err, "format lock diff")
	}
	return string(chunk), nil
}

func lockVersions(l *Lock) map[string]string {
	out := make(map[string]string)
	if l == nil {
		return out
	}
	for _, sec := range l.Sections {
		for _, s := range sec.Specs {
			tok := s.Version.String()
			if s.Platform != "" {
				tok += "-" + s.Platform
			}
			out[s.Name] = tok
		}
	}
	return out
}
