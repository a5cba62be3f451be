// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gemver implements RubyGems version ordering and requirement
// matching. Versions are dotted segment lists where numeric segments
// compare numerically, alphabetic segments compare lexically, and any
// alphabetic segment marks the version as a prerelease that sorts
// before the corresponding release.
package gemver

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version is a parsed gem version. The zero value is not valid; use
// Parse or MustParse.
type Version struct {
	orig     string
	segments []segment
}

// A segment is either numeric or alphabetic, never both.
type segment struct {
	num   int64
	str   string
	isNum bool
}

func numSeg(n int64) segment  { return segment{num: n, isNum: true} }
func strSeg(s string) segment { return segment{str: s} }

// Parse parses a version string such as "1.2.3" or "2.0.0.beta2".
func Parse(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Version{}, errors.New("empty version string")
	}

	var segs []segment
	for _, part := range strings.Split(trimmed, ".") {
		if part == "" || !alnum(part) {
			return Version{}, errors.Errorf("malformed version %q", s)
		}
		// Split alpha/numeric boundaries within one dotted part, so
		// "beta2" yields ["beta", 2] just as "beta.2" would.
		runs := splitRuns(part)
		for _, r := range runs {
			if r.isNum {
				n, err := strconv.ParseInt(r.str, 10, 64)
				if err != nil {
					return Version{}, errors.Wrapf(err, "malformed version %q", s)
				}
				segs = append(segs, numSeg(n))
			} else {
				segs = append(segs, strSeg(r.str))
			}
		}
	}

	return Version{orig: trimmed, segments: segs}, nil
}

// MustParse is Parse, panicking on error. For literals in tests and
// tables only.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func alnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

type run struct {
	str   string
	isNum bool
}

func splitRuns(s string) []run {
	var runs []run
	start := 0
	for i := 0; i < len(s); i++ {
		d := s[i] >= '0' && s[i] <= '9'
		if i == 0 {
			continue
		}
		prev := s[i-1] >= '0' && s[i-1] <= '9'
		if d != prev {
			runs = append(runs, run{str: s[start:i], isNum: prev})
			start = i
		}
	}
	runs = append(runs, run{str: s[start:], isNum: s[len(s)-1] >= '0' && s[len(s)-1] <= '9'})
	return runs
}

// String returns the original, unnormalized spelling.
func (v Version) String() string { return v.orig }

// IsZero reports whether v is the zero Version (never produced by
// Parse).
func (v Version) IsZero() bool { return v.segments == nil }

// Prerelease reports whether any segment is alphabetic, e.g. "1.0.a".
func (v Version) Prerelease() bool {
	for _, s := range v.segments {
		if !s.isNum {
			return true
		}
	}
	return false
}

// Release returns v with trailing prerelease segments removed, so
// "1.0.0.beta.2" becomes "1.0.0". A pure release returns itself.
func (v Version) Release() Version {
	if !v.Prerelease() {
		return v
	}
	var segs []segment
	for _, s := range v.segments {
		if !s.isNum {
			break
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		segs = []segment{numSeg(0)}
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = strconv.FormatInt(s.num, 10)
	}
	return Version{orig: strings.Join(parts, "."), segments: segs}
}

// Bump returns the smallest version greater than every version sharing
// v's prefix up to its penultimate segment: Bump("1.2.3") == "1.3.0",
// Bump("1.2") == "2.0". This is the upper bound the pessimistic
// operator implies.
func (v Version) Bump() Version {
	rel := v.Release()
	segs := append([]segment(nil), rel.segments...)
	if len(segs) > 1 {
		segs = segs[:len(segs)-1]
	}
	segs[len(segs)-1] = numSeg(segs[len(segs)-1].num + 1)
	parts := make([]string, 0, len(segs)+1)
	for _, s := range segs {
		parts = append(parts, strconv.FormatInt(s.num, 10))
	}
	parts = append(parts, "0")
	return MustParse(strings.Join(parts, "."))
}

// Compare returns -1, 0, or 1. Trailing zero segments are
// insignificant: "1.0" == "1.0.0". Numeric segments sort after
// alphabetic ones at the same position, which places prereleases
// before their release.
func (v Version) Compare(o Version) int {
	a, b := v.segments, o.segments
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sa, sb := numSeg(0), numSeg(0)
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b segment) int {
	switch {
	case a.isNum && b.isNum:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case a.isNum:
		// 1.0.0 > 1.0.a
		return 1
	case b.isNum:
		return -1
	default:
		return strings.Compare(a.str, b.str)
	}
}

// Equal reports segment equality, so "1.0" equals "1.0.0".
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// Less reports v < o in gem ordering.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }
