// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure; each kind maps to a distinct exit code.
type Kind int

const (
	KindGeneral Kind = iota
	KindManifest
	KindLockfile
	KindResolution
	KindNetwork
	KindInstall
	KindCompilation
	KindPermission
	KindPlatform
	KindCache
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindLockfile:
		return "lockfile"
	case KindResolution:
		return "resolution"
	case KindNetwork:
		return "network"
	case KindInstall:
		return "install"
	case KindCompilation:
		return "compilation"
	case KindPermission:
		return "permission"
	case KindPlatform:
		return "platform"
	case KindCache:
		return "cache"
	case KindInterrupted:
		return "interrupted"
	}
	return "general"
}

// ExitCode is the process status the kind maps to.
func (k Kind) ExitCode() int {
	switch k {
	case KindManifest:
		return 4
	case KindLockfile:
		return 5
	case KindResolution:
		return 6
	case KindNetwork:
		return 7
	case KindInstall:
		return 8
	case KindCompilation:
		return 9
	case KindPermission:
		return 10
	case KindPlatform:
		return 11
	case KindCache:
		return 12
	case KindInterrupted:
		return 130
	}
	return 1
}

// Error pairs a failure kind with its cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WrapKind tags err with a kind; a nil err stays nil, and an existing
// kind is preserved.
func WrapKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var have *Error
	if errors.As(err, &have) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind of err, defaulting to general.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneral
}

// ExitCodeFor maps any error to its process status.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
