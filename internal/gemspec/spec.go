// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gemspec reads gem specifications: the YAML metadata carried
// inside packaged gems, the gemspec files of path and repository
// sources (via a helper interpreter), and the binary sibling format
// cached next to promoted artifacts.
package gemspec

import (
	"bytes"
	"encoding/gob"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// Spec is the slice of a gem specification the installer needs.
type Spec struct {
	Name         string
	Version      gemver.Version
	Platform     string
	RequirePaths []string
	Executables  []string
	BinDir       string
	Extensions   []string
	Dependencies []gem.Dependency // runtime only
	RubyReq      gemver.Requirement
}

// NeedsBuild reports whether the spec declares native extensions.
func (s *Spec) NeedsBuild() bool { return len(s.Extensions) > 0 }

// FullName is the canonical name-version[-platform].
func (s *Spec) FullName() string {
	if s.Platform == "" || s.Platform == gem.PlatformRuby {
		return s.Name + "-" + s.Version.String()
	}
	return s.Name + "-" + s.Version.String() + "-" + s.Platform
}

// rubyObjectTag strips the serializer's type annotations so the body
// parses as plain YAML.
var rubyObjectTag = regexp.MustCompile(`!ruby/[^\s]+`)

// rawSpec mirrors the YAML layout of serialized gem metadata.
type rawSpec struct {
	Name     string `yaml:"name"`
	Version  struct {
		Version string `yaml:"version"`
	} `yaml:"version"`
	Platform     string   `yaml:"platform"`
	RequirePaths []string `yaml:"require_paths"`
	Executables  []string `yaml:"executables"`
	Bindir       string   `yaml:"bindir"`
	Extensions   []string `yaml:"extensions"`
	Dependencies []struct {
		Name        string `yaml:"name"`
		Type        string `yaml:"type"`
		Requirement struct {
			Requirements [][]yaml.Node `yaml:"requirements"`
		} `yaml:"requirement"`
	} `yaml:"dependencies"`
	RequiredRubyVersion struct {
		Requirements [][]yaml.Node `yaml:"requirements"`
	} `yaml:"required_ruby_version"`
}

// ParseMetadata parses the YAML body of a gem's metadata file.
func ParseMetadata(body []byte) (*Spec, error) {
	cleaned := rubyObjectTag.ReplaceAll(body, nil)

	var raw rawSpec
	if err := yaml.Unmarshal(cleaned, &raw); err != nil {
		return nil, errors.Wrap(err, "parse gem metadata")
	}
	if raw.Name == "" || raw.Version.Version == "" {
		return nil, errors.New("gem metadata missing name or version")
	}

	v, err := gemver.Parse(raw.Version.Version)
	if err != nil {
		return nil, errors.Wrap(err, "gem metadata version")
	}

	spec := &Spec{
		Name:         raw.Name,
		Version:      v,
		Platform:     normalizePlatform(raw.Platform),
		RequirePaths: raw.RequirePaths,
		Executables:  raw.Executables,
		BinDir:       raw.Bindir,
		Extensions:   raw.Extensions,
	}
	if len(spec.RequirePaths) == 0 {
		spec.RequirePaths = []string{"lib"}
	}
	if spec.BinDir == "" {
		spec.BinDir = "bin"
	}

	for _, d := range raw.Dependencies {
		if d.Type != "" && d.Type != ":runtime" && d.Type != "runtime" {
			continue
		}
		req, err := pairsToRequirement(d.Requirement.Requirements)
		if err != nil {
			return nil, errors.Wrapf(err, "dependency %s", d.Name)
		}
		spec.Dependencies = append(spec.Dependencies, gem.Dependency{Name: d.Name, Requirement: req})
	}

	spec.RubyReq, err = pairsToRequirement(raw.RequiredRubyVersion.Requirements)
	if err != nil {
		return nil, errors.Wrap(err, "required_ruby_version")
	}

	return spec, nil
}

// pairsToRequirement converts the serialized [[op, {version: v}], ...]
// requirement pairs.
func pairsToRequirement(pairs [][]yaml.Node) (gemver.Requirement, error) {
	var tokens []string
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		var op string
		if err := pair[0].Decode(&op); err != nil {
			return gemver.Requirement{}, err
		}
		var vholder struct {
			Version string `yaml:"version"`
		}
		if err := pair[1].Decode(&vholder); err != nil {
			// Some emitters inline the version as a scalar.
			var s string
			if err2 := pair[1].Decode(&s); err2 != nil {
				return gemver.Requirement{}, err
			}
			vholder.Version = s
		}
		if vholder.Version == "" {
			continue
		}
		tokens = append(tokens, op+" "+vholder.Version)
	}
	return gemver.ParseRequirement(tokens...)
}

func normalizePlatform(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return gem.PlatformRuby
	}
	return p
}

// Wire form for the binary sibling file; version and requirements
// round-trip through strings.
type wireSpec struct {
	Name         string
	Version      string
	Platform     string
	RequirePaths []string
	Executables  []string
	BinDir       string
	Extensions   []string
	Deps         []wireDep
	RubyReq      []string
}

type wireDep struct {
	Name        string
	Constraints []string
}

// WriteBinary writes the spec in the cached sibling format.
func WriteBinary(path string, s *Spec) error {
	w := wireSpec{
		Name:         s.Name,
		Version:      s.Version.String(),
		Platform:     s.Platform,
		RequirePaths: s.RequirePaths,
		Executables:  s.Executables,
		BinDir:       s.BinDir,
		Extensions:   s.Extensions,
	}
	for _, c := range s.RubyReq.Constraints {
		w.RubyReq = append(w.RubyReq, c.String())
	}
	for _, d := range s.Dependencies {
		wd := wireDep{Name: d.Name}
		for _, c := range d.Requirement.Constraints {
			wd.Constraints = append(wd.Constraints, c.String())
		}
		w.Deps = append(w.Deps, wd)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return errors.Wrap(err, "encode spec")
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadBinary reads a cached binary spec.
func ReadBinary(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w wireSpec
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return nil, errors.Wrapf(err, "decode spec %s", path)
	}

	v, err := gemver.Parse(w.Version)
	if err != nil {
		return nil, err
	}
	s := &Spec{
		Name:         w.Name,
		Version:      v,
		Platform:     w.Platform,
		RequirePaths: w.RequirePaths,
		Executables:  w.Executables,
		BinDir:       w.BinDir,
		Extensions:   w.Extensions,
	}
	if s.RubyReq, err = gemver.ParseRequirement(w.RubyReq...); err != nil {
		return nil, err
	}
	for _, d := range w.Deps {
		req, err := gemver.ParseRequirement(d.Constraints...)
		if err != nil {
			return nil, err
		}
		s.Dependencies = append(s.Dependencies, gem.Dependency{Name: d.Name, Requirement: req})
	}
	return s, nil
}
