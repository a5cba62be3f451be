// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gemver

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.0", "1.0.1", -1},
		{"1.2.3", "1.2.3", 0},
		{"1.10", "1.9", 1},
		{"1.0.a", "1.0", -1},
		{"1.0.a", "1.0.b", -1},
		{"1.0.beta2", "1.0.beta10", -1},
		{"2.0.0.beta.2", "2.0.0", -1},
		{"0.9", "1.0", -1},
		{"1.0.0.1", "1.0.0", 1},
	}

	for _, c := range cases {
		got := MustParse(c.a).Compare(MustParse(c.b))
		if got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{"", "  ", "1..2", "1.-2"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", bad)
		}
	}
}

func TestPrerelease(t *testing.T) {
	if !MustParse("1.0.0.rc1").Prerelease() {
		t.Error("1.0.0.rc1 should be a prerelease")
	}
	if MustParse("1.0.0").Prerelease() {
		t.Error("1.0.0 should not be a prerelease")
	}
	if got := MustParse("2.1.0.beta.3").Release().String(); got != "2.1.0" {
		t.Errorf("Release() = %q, want 2.1.0", got)
	}
}

func TestBump(t *testing.T) {
	cases := []struct{ in, want string }{
		{"1.2.3", "1.3.0"},
		{"1.2", "2.0"},
		{"5", "6.0"},
		{"1.4.0.beta1", "1.5.0"},
	}
	for _, c := range cases {
		if got := MustParse(c.in).Bump(); !got.Equal(MustParse(c.want)) {
			t.Errorf("Bump(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRequirement(t *testing.T) {
	cases := []struct {
		req     []string
		version string
		want    bool
	}{
		{[]string{"~> 1.0"}, "1.2.3", true},
		{[]string{"~> 1.0"}, "2.0.0", false},
		{[]string{"~> 1.4.2"}, "1.4.9", true},
		{[]string{"~> 1.4.2"}, "1.5.0", false},
		{[]string{">= 1.0", "< 2.0"}, "1.9.9", true},
		{[]string{">= 1.0", "< 2.0"}, "2.0.0", false},
		{[]string{"!= 1.1"}, "1.1", false},
		{[]string{}, "3.0.0", true},
		// Prerelease admission: only when a constraint mentions one.
		{[]string{">= 1.0"}, "2.0.0.beta1", false},
		{[]string{">= 2.0.0.beta1"}, "2.0.0.beta2", true},
	}

	for _, c := range cases {
		r := MustParseRequirement(c.req...)
		if got := r.SatisfiedBy(MustParse(c.version)); got != c.want {
			t.Errorf("%v.SatisfiedBy(%s) = %v, want %v", c.req, c.version, got, c.want)
		}
	}
}

func TestIgnoreUpper(t *testing.T) {
	r := MustParseRequirement(">= 2.6", "< 3.2")
	relaxed := r.IgnoreUpper()
	if !relaxed.SatisfiedBy(MustParse("3.3.1")) {
		t.Error("relaxed requirement should admit 3.3.1")
	}
	if r.SatisfiedBy(MustParse("3.3.1")) {
		t.Error("strict requirement should reject 3.3.1")
	}

	tilde := MustParseRequirement("~> 2.7").IgnoreUpper()
	if !tilde.SatisfiedBy(MustParse("3.0.0")) {
		t.Error("~> treated as >= should admit 3.0.0")
	}
}
