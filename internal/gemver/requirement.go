// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gemver

import (
	"strings"

	"github.com/pkg/errors"
)

// A Constraint is a single comparator applied to a version literal,
// e.g. `~> 1.4` or `>= 2.0.0`.
type Constraint struct {
	Op      string
	Version Version
}

var validOps = map[string]bool{
	"=": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true, "~>": true,
}

// ParseConstraint parses one constraint token. A bare version means
// exact equality.
func ParseConstraint(s string) (Constraint, error) {
	trimmed := strings.TrimSpace(s)
	op := "="
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if c == '>' || c == '<' || c == '=' || c == '!' || c == '~' {
			continue
		}
		if i > 0 {
			op = trimmed[:i]
			trimmed = strings.TrimSpace(trimmed[i:])
		}
		break
	}
	if !validOps[op] {
		return Constraint{}, errors.Errorf("invalid version operator %q in %q", op, s)
	}
	v, err := Parse(trimmed)
	if err != nil {
		return Constraint{}, errors.Wrapf(err, "invalid constraint %q", s)
	}
	return Constraint{Op: op, Version: v}, nil
}

func (c Constraint) String() string {
	return c.Op + " " + c.Version.String()
}

// Matches applies the comparator without any prerelease policy.
func (c Constraint) Matches(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case "~>":
		return cmp >= 0 && v.Release().Compare(c.Version.Bump()) < 0
	}
	return false
}

// A Requirement is the conjunction of zero or more constraints. The
// empty requirement matches every release version.
type Requirement struct {
	Constraints []Constraint
}

// ParseRequirement parses a list of constraint tokens, such as the
// `&`-separated entries of a compact-index dependency field or the
// comma-separated entries of a manifest line.
func ParseRequirement(tokens ...string) (Requirement, error) {
	var r Requirement
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		c, err := ParseConstraint(tok)
		if err != nil {
			return Requirement{}, err
		}
		r.Constraints = append(r.Constraints, c)
	}
	return r, nil
}

// MustParseRequirement is ParseRequirement, panicking on error.
func MustParseRequirement(tokens ...string) Requirement {
	r, err := ParseRequirement(tokens...)
	if err != nil {
		panic(err)
	}
	return r
}

// Empty reports whether the requirement carries no constraints.
func (r Requirement) Empty() bool { return len(r.Constraints) == 0 }

func (r Requirement) String() string {
	parts := make([]string, len(r.Constraints))
	for i, c := range r.Constraints {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// SatisfiedBy reports whether v matches every constraint. Prerelease
// versions match only if some constraint mentions a prerelease, the
// same admission rule the gem resolver applies.
func (r Requirement) SatisfiedBy(v Version) bool {
	if v.Prerelease() && !r.admitsPrerelease() {
		return false
	}
	for _, c := range r.Constraints {
		if !c.Matches(v) {
			return false
		}
	}
	return true
}

func (r Requirement) admitsPrerelease() bool {
	for _, c := range r.Constraints {
		if c.Version.Prerelease() {
			return true
		}
	}
	return false
}

// Merge returns the conjunction of r and o.
func (r Requirement) Merge(o Requirement) Requirement {
	merged := Requirement{}
	merged.Constraints = append(merged.Constraints, r.Constraints...)
outer:
	for _, c := range o.Constraints {
		for _, have := range merged.Constraints {
			if have.Op == c.Op && have.Version.Equal(c.Version) {
				continue outer
			}
		}
		merged.Constraints = append(merged.Constraints, c)
	}
	return merged
}

// IgnoreUpper returns r with interpreter-style upper bounds relaxed:
// `<` and `<=` constraints are dropped, and the upper half of `~>` is
// treated as `>=`. Upstream gems routinely pin `required_ruby_version`
// below interpreters that run them fine; relaxing is the default and a
// flag restores strict matching.
func (r Requirement) IgnoreUpper() Requirement {
	var out Requirement
	for _, c := range r.Constraints {
		switch c.Op {
		case "<", "<=":
			continue
		case "~>":
			out.Constraints = append(out.Constraints, Constraint{Op: ">=", Version: c.Version})
		default:
			out.Constraints = append(out.Constraints, c)
		}
	}
	return out
}
