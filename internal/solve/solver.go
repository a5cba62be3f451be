// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package solve

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

// maxSteps bounds the backtracking walk; hitting it means a
// pathological constraint graph, and failing beats spinning.
const maxSteps = 200000

// A Solver computes a complete artifact set satisfying the root
// dependency requests. It sees the world only through its Adapter.
type Solver struct {
	Adapter *Adapter

	steps int
}

// NewSolver builds a Solver over the adapter.
func NewSolver(a *Adapter) *Solver {
	return &Solver{Adapter: a}
}

// A failedCandidate records why one version was rejected, for the
// resolution error report.
type failedCandidate struct {
	version gemver.Version
	reason  string
}

// NoVersionError reports that no candidate of a gem satisfied the
// accumulated requirements.
type NoVersionError struct {
	Name  string
	Req   gemver.Requirement
	Fails []failedCandidate
}

func (e *NoVersionError) Error() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "no version of %s satisfies %q", e.Name, e.Req.String())
	for _, f := range e.Fails {
		fmt.Fprintf(&buf, "\n\t%s: %s", f.version, f.reason)
	}
	return buf.String()
}

// solveState carries the mutable walk state: the accumulated
// requirement per name, the committed candidate per name, and the
// frontier of names awaiting a decision.
type solveState struct {
	reqs   map[string]gemver.Requirement
	chosen map[string]Candidate
	queue  []string
}

func (st *solveState) clone() *solveState {
	next := &solveState{
		reqs:   make(map[string]gemver.Requirement, len(st.reqs)),
		chosen: make(map[string]Candidate, len(st.chosen)),
		queue:  append([]string(nil), st.queue...),
	}
	for k, v := range st.reqs {
		next.reqs[k] = v
	}
	for k, v := range st.chosen {
		next.chosen[k] = v
	}
	return next
}

// Solve resolves the root requests to a complete set. With a prior
// lock and unchanged manifest the locked versions win whenever they
// still satisfy: the adapter surfaces them first and the walk is
// first-fit.
func (s *Solver) Solve(ctx context.Context, roots []gem.Dependency) ([]gem.Artifact, error) {
	st := &solveState{
		reqs:   make(map[string]gemver.Requirement),
		chosen: make(map[string]Candidate),
	}
	for _, d := range roots {
		if have, ok := st.reqs[d.Name]; ok {
			st.reqs[d.Name] = have.Merge(d.Requirement)
			continue
		}
		st.reqs[d.Name] = d.Requirement
		st.queue = append(st.queue, d.Name)
	}

	s.steps = 0
	final, err := s.walk(ctx, st)
	if err != nil {
		return nil, err
	}

	arts := make([]gem.Artifact, 0, len(final.chosen))
	for _, c := range final.chosen {
		arts = append(arts, c.Artifact())
	}
	sort.Slice(arts, func(i, j int) bool {
		if arts[i].Name != arts[j].Name {
			return arts[i].Name < arts[j].Name
		}
		if !arts[i].Version.Equal(arts[j].Version) {
			return arts[i].Version.Less(arts[j].Version)
		}
		return arts[i].Platform < arts[j].Platform
	})
	return arts, nil
}

func (s *Solver) walk(ctx context.Context, st *solveState) (*solveState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := st.nextUndecided()
	if name == "" {
		return st, nil
	}

	req := st.reqs[name]
	candidates, err := s.Adapter.VersionsOf(ctx, name)
	if err != nil {
		return nil, err
	}

	var fails []failedCandidate
	for _, c := range candidates {
		if s.steps++; s.steps > maxSteps {
			return nil, &NoVersionError{Name: name, Req: req, Fails: fails}
		}
		if !req.SatisfiedBy(c.Version) {
			continue
		}

		next := st.clone()
		next.chosen[name] = c
		if reason := next.absorb(s.Adapter.DependenciesOf(c)); reason != "" {
			fails = append(fails, failedCandidate{version: c.Version, reason: reason})
			continue
		}

		final, err := s.walk(ctx, next)
		if err == nil {
			return final, nil
		}
		if nve, ok := err.(*NoVersionError); ok {
			fails = append(fails, failedCandidate{version: c.Version, reason: nve.Error()})
			continue
		}
		return nil, err
	}

	return nil, &NoVersionError{Name: name, Req: req, Fails: fails}
}

// absorb merges a chosen candidate's dependencies into the state.
// It reports a non-empty reason when a new requirement contradicts an
// already-committed choice, which rejects the candidate.
func (st *solveState) absorb(deps []gem.Dependency) string {
	for _, d := range deps {
		merged := d.Requirement
		if have, ok := st.reqs[d.Name]; ok {
			merged = have.Merge(d.Requirement)
		} else {
			st.queue = append(st.queue, d.Name)
		}
		st.reqs[d.Name] = merged

		if chosen, ok := st.chosen[d.Name]; ok {
			if !merged.SatisfiedBy(chosen.Version) {
				return fmt.Sprintf("requires %s %q, but %s is already selected",
					d.Name, merged.String(), chosen.Version)
			}
		}
	}
	return ""
}

func (st *solveState) nextUndecided() string {
	for _, name := range st.queue {
		if _, done := st.chosen[name]; !done {
			return name
		}
	}
	return ""
}
