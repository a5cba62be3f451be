// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package fs

import "github.com/pkg/errors"

// reflink is unsupported on this platform; callers fall back to
// hardlink or copy.
func reflink(src, dst string) error {
	return errors.New("reflink unsupported")
}
