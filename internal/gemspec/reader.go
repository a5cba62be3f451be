// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gemspec

import (
	"context"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// A Reader extracts a Spec from a source directory containing a
// gemspec file. Gemspecs are interpreter code, so the default reader
// shells out to a helper interpreter that serializes the loaded spec;
// tests substitute a canned implementation.
type Reader interface {
	ReadDir(ctx context.Context, dir, glob string) (*Spec, error)
}

// RubyReader loads gemspecs through the configured interpreter.
type RubyReader struct {
	// Ruby is the interpreter executable, "ruby" by default.
	Ruby string
}

const dumpScript = `spec = Gem::Specification.load(ARGV[0]); abort("load failed") unless spec; puts spec.to_yaml`

// ReadDir locates the gemspec matching glob under dir (default
// "*.gemspec"), loads it in the helper interpreter, and parses the
// serialized result.
func (r *RubyReader) ReadDir(ctx context.Context, dir, glob string) (*Spec, error) {
	path, err := findGemspec(dir, glob)
	if err != nil {
		return nil, err
	}

	ruby := r.Ruby
	if ruby == "" {
		ruby = "ruby"
	}

	cmd := exec.CommandContext(ctx, ruby, "-rrubygems", "-e", dumpScript, path)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, errors.Errorf("load gemspec %s: %s", path, string(ee.Stderr))
		}
		return nil, errors.Wrapf(err, "load gemspec %s", path)
	}

	spec, err := ParseMetadata(out)
	if err != nil {
		return nil, errors.Wrapf(err, "gemspec %s", path)
	}
	return spec, nil
}

func findGemspec(dir, glob string) (string, error) {
	if glob == "" {
		glob = "*.gemspec"
	}
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return "", errors.Wrapf(err, "glob %s", glob)
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no gemspec matching %q under %s", glob, dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}
