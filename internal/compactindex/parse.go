// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compactindex implements the client side of the compact index
// wire format: the names, versions, and info endpoints, with
// conditional and byte-range revalidation over an on-disk cache.
package compactindex

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// A VersionsEntry is one gem's line of the versions endpoint after
// applying additions and deletions in order.
type VersionsEntry struct {
	Name        string
	Versions    []VersionTok
	Fingerprint string // content fingerprint of the gem's info file
}

// A VersionTok is one VERSION[-PLATFORM] token.
type VersionTok struct {
	Version  gemver.Version
	Platform string
}

func (t VersionTok) String() string {
	if t.Platform == "" || t.Platform == gem.PlatformRuby {
		return t.Version.String()
	}
	return t.Version.String() + "-" + t.Platform
}

// An InfoRecord is one line of a per-gem info file.
type InfoRecord struct {
	Version      gemver.Version
	Platform     string
	Dependencies []gem.Dependency
	RubyReq      gemver.Requirement
	RubygemsReq  gemver.Requirement
	SHA256       string
}

// FullName is the canonical name-version[-platform] of the record for
// gem name.
func (r InfoRecord) FullName(name string) string {
	if r.Platform == "" || r.Platform == gem.PlatformRuby {
		return name + "-" + r.Version.String()
	}
	return name + "-" + r.Version.String() + "-" + r.Platform
}

// parseNames parses the names endpoint: a discarded `---` header, then
// one gem name per line.
func parseNames(body []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	seenHeader := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !seenHeader && line == "---" {
			seenHeader = true
			continue
		}
		names = append(names, line)
	}
	return names
}

// parseVersions parses the versions endpoint. Lines after the `---`
// header are `NAME VERSIONS FINGERPRINT`; VERSIONS is comma-separated
// VERSION[-PLATFORM] tokens, a leading `-` deleting a previously
// published token. Additions and deletions apply in order, and a later
// line for the same gem supersedes the fingerprint while extending the
// token list.
func parseVersions(body []byte) (map[string]*VersionsEntry, error) {
	entries := make(map[string]*VersionsEntry)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seenHeader := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !seenHeader {
			if line == "---" {
				seenHeader = true
				continue
			}
			// Preamble fields such as created_at precede the header.
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, errors.Errorf("malformed versions line %q", line)
		}
		name, toks, fp := fields[0], fields[1], fields[2]

		e := entries[name]
		if e == nil {
			e = &VersionsEntry{Name: name}
			entries[name] = e
		}
		e.Fingerprint = fp

		for _, tok := range strings.Split(toks, ",") {
			if tok == "" {
				continue
			}
			if strings.HasPrefix(tok, "-") {
				vt, err := parseVersionTok(tok[1:])
				if err != nil {
					return nil, errors.Wrapf(err, "versions line %q", line)
				}
				e.remove(vt)
				continue
			}
			vt, err := parseVersionTok(tok)
			if err != nil {
				return nil, errors.Wrapf(err, "versions line %q", line)
			}
			e.add(vt)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan versions body")
	}
	return entries, nil
}

func (e *VersionsEntry) add(vt VersionTok) {
	for _, have := range e.Versions {
		if have.String() == vt.String() {
			return
		}
	}
	e.Versions = append(e.Versions, vt)
}

func (e *VersionsEntry) remove(vt VersionTok) {
	want := vt.String()
	out := e.Versions[:0]
	for _, have := range e.Versions {
		if have.String() != want {
			out = append(out, have)
		}
	}
	e.Versions = out
}

// parseVersionTok splits VERSION[-PLATFORM]. The version portion never
// contains a dash, so the first dash (if any) starts the platform.
func parseVersionTok(tok string) (VersionTok, error) {
	vs, platform := tok, ""
	if i := strings.Index(tok, "-"); i >= 0 {
		vs, platform = tok[:i], tok[i+1:]
	}
	v, err := gemver.Parse(vs)
	if err != nil {
		return VersionTok{}, err
	}
	if platform == gem.PlatformRuby {
		platform = ""
	}
	return VersionTok{Version: v, Platform: platform}, nil
}

// parseInfo parses a per-gem info file. Each record line is
// `VERSION[-PLATFORM] DEPS|REQS`: DEPS is comma-separated
// `name:c1&c2` entries; REQS is the same form keyed by ruby, rubygems,
// and checksum.
func parseInfo(body []byte) ([]InfoRecord, error) {
	var records []InfoRecord
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seenHeader := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !seenHeader && line == "---" {
			seenHeader = true
			continue
		}

		rec, err := parseInfoLine(line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan info body")
	}
	return records, nil
}

func parseInfoLine(line string) (InfoRecord, error) {
	var rec InfoRecord

	head := line
	rest := ""
	if i := strings.Index(line, " "); i >= 0 {
		head, rest = line[:i], line[i+1:]
	}

	vt, err := parseVersionTok(head)
	if err != nil {
		return rec, errors.Wrapf(err, "info line %q", line)
	}
	rec.Version, rec.Platform = vt.Version, vt.Platform

	deps, reqs := rest, ""
	if i := strings.Index(rest, "|"); i >= 0 {
		deps, reqs = rest[:i], rest[i+1:]
	}

	for _, entry := range splitEntries(deps) {
		name, cons, err := parseKeyedRequirement(entry)
		if err != nil {
			return rec, errors.Wrapf(err, "info line %q", line)
		}
		rec.Dependencies = append(rec.Dependencies, gem.Dependency{Name: name, Requirement: cons})
	}

	for _, entry := range splitEntries(reqs) {
		key, val, ok := strings.Cut(entry, ":")
		if !ok {
			return rec, errors.Errorf("malformed requirement entry %q", entry)
		}
		switch key {
		case "checksum":
			rec.SHA256 = strings.TrimSpace(val)
		case "ruby":
			rec.RubyReq, err = gemver.ParseRequirement(strings.Split(val, "&")...)
		case "rubygems":
			rec.RubygemsReq, err = gemver.ParseRequirement(strings.Split(val, "&")...)
		default:
			// Unknown trailer keys are forward compatibility; skip.
		}
		if err != nil {
			return rec, errors.Wrapf(err, "info line %q", line)
		}
	}

	return rec, nil
}

func splitEntries(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

func parseKeyedRequirement(entry string) (string, gemver.Requirement, error) {
	name, cons, ok := strings.Cut(entry, ":")
	if !ok {
		return "", gemver.Requirement{}, errors.Errorf("malformed dependency entry %q", entry)
	}
	req, err := gemver.ParseRequirement(strings.Split(cons, "&")...)
	if err != nil {
		return "", gemver.Requirement{}, err
	}
	return name, req, nil
}
