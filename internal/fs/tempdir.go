// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fs

import (
	"os"

	"github.com/pkg/errors"
)

// A Tempdir is a scratch directory that is recursively removed when
// closed, on every exit path.
type Tempdir struct {
	Path   string
	closed bool
}

// NewTempdir creates a scratch directory under dir (or the system
// temp directory when dir is empty) with the given prefix.
func NewTempdir(dir, prefix string) (*Tempdir, error) {
	if dir != "" {
		if err := EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	path, err := os.MkdirTemp(dir, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "create tempdir")
	}
	return &Tempdir{Path: path}, nil
}

// Close removes the directory and everything under it. It is
// idempotent.
func (t *Tempdir) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return os.RemoveAll(t.Path)
}
