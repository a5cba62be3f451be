// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/contriboss/gemfile-go/gemfile"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// Manifest is the declarative dependency set read from the project
// manifest.
type Manifest struct {
	Sources      []*gem.Source
	Dependencies []gem.Dependency

	// RubyVersion is the interpreter requirement the manifest pins,
	// empty when unpinned.
	RubyVersion string
}

// DefaultSource is the first declared index source, falling back to
// the public index.
func (m *Manifest) DefaultSource() *gem.Source {
	for _, s := range m.Sources {
		if s.Kind == gem.IndexSource {
			return s
		}
	}
	return gem.NewIndexSource("https://rubygems.org")
}

// ReadManifestFile parses the manifest at path. The dependency lines
// go through the shared gemfile parser; source declarations and
// git/path pins come from a supplementary scan because they carry
// option hashes the parser does not surface.
func ReadManifestFile(path string) (*Manifest, error) {
	parsed, err := gemfile.NewGemfileParser(path).Parse()
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	m := &Manifest{}
	for _, d := range parsed.Dependencies {
		req, err := gemver.ParseRequirement(d.Constraints...)
		if err != nil {
			return nil, errors.Wrapf(err, "dependency %s", d.Name)
		}
		m.Dependencies = append(m.Dependencies, gem.Dependency{
			Name:        d.Name,
			Requirement: req,
			Groups:      []string{"default"},
		})
	}

	if err := m.scanDirectives(path); err != nil {
		return nil, err
	}
	if len(m.Sources) == 0 {
		m.Sources = append(m.Sources, gem.NewIndexSource("https://rubygems.org"))
	}
	return m, nil
}

var (
	sourceRe = regexp.MustCompile(`^\s*source\s+["']([^"']+)["']`)
	rubyRe   = regexp.MustCompile(`^\s*ruby\s+["']([^"']+)["']`)
	gemRe    = regexp.MustCompile(`^\s*gem\s+["']([^"']+)["'](.*)$`)
	optRe    = regexp.MustCompile(`(?:\b|:)(git|github|path|branch|tag|ref|glob|submodules)(?::\s*|\s*=>\s*)(?:["']([^"']*)["']|(true|false))`)
)

// scanDirectives extracts source declarations, the interpreter pin,
// and per-gem git/path options from the manifest text.
func (m *Manifest) scanDirectives(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	dir := filepath.Dir(path)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}

		if sm := sourceRe.FindStringSubmatch(line); sm != nil {
			m.addIndexSource(sm[1])
			continue
		}
		if rm := rubyRe.FindStringSubmatch(line); rm != nil {
			m.RubyVersion = rm[1]
			continue
		}
		gm := gemRe.FindStringSubmatch(line)
		if gm == nil {
			continue
		}

		name, rest := gm[1], gm[2]
		opts := map[string]string{}
		for _, om := range optRe.FindAllStringSubmatch(rest, -1) {
			val := om[2]
			if val == "" {
				val = om[3]
			}
			opts[om[1]] = val
		}

		src := sourceFromOpts(dir, opts)
		if src == nil {
			continue
		}
		if err := m.pinDependency(name, src); err != nil {
			return err
		}
	}
	return sc.Err()
}

func sourceFromOpts(dir string, opts map[string]string) *gem.Source {
	switch {
	case opts["git"] != "" || opts["github"] != "":
		uri := opts["git"]
		if uri == "" {
			uri = "https://github.com/" + opts["github"] + ".git"
		}
		src := gem.NewGitSource(uri, opts["branch"], opts["tag"], opts["ref"])
		src.GemspecGlob = opts["glob"]
		src.Submodules = opts["submodules"] == "true"
		return src
	case opts["path"] != "":
		p := opts["path"]
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		return gem.NewPathSource(p)
	}
	return nil
}

// pinDependency attaches a source override to the named dependency,
// creating the request if the shared parser missed the line.
func (m *Manifest) pinDependency(name string, src *gem.Source) error {
	m.addSource(src)
	for i := range m.Dependencies {
		if m.Dependencies[i].Name == name {
			m.Dependencies[i].Source = src
			return nil
		}
	}
	m.Dependencies = append(m.Dependencies, gem.Dependency{
		Name:   name,
		Source: src,
		Groups: []string{"default"},
	})
	return nil
}

func (m *Manifest) addIndexSource(remote string) {
	src := gem.NewIndexSource(remote)
	for _, have := range m.Sources {
		if have.Equal(src) {
			return
		}
	}
	m.Sources = append(m.Sources, src)
}

func (m *Manifest) addSource(src *gem.Source) {
	for _, have := range m.Sources {
		if have.Equal(src) {
			return
		}
	}
	m.Sources = append(m.Sources, src)
}
