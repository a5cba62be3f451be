// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fs provides the filesystem primitives the installer is built
// on: atomic writes and moves, linked tree clones, and scoped
// tempdirs. All promotion and materialization correctness rests here.
package fs

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// dirMemo records directories already ensured, eliminating repeat
// mkdir syscalls during heavy fan-out. Entries may go stale if an
// external actor removes a directory; EnsureDir re-verifies on hit.
var dirMemo = struct {
	sync.Mutex
	seen map[string]bool
}{seen: make(map[string]bool)}

// EnsureDir creates dir and any missing parents. Successes are
// memoised process-wide.
func EnsureDir(dir string) error {
	dirMemo.Lock()
	hit := dirMemo.seen[dir]
	dirMemo.Unlock()
	if hit {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return nil
		}
		dirMemo.Lock()
		delete(dirMemo.seen, dir)
		dirMemo.Unlock()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "ensure directory %s", dir)
	}

	dirMemo.Lock()
	dirMemo.seen[dir] = true
	dirMemo.Unlock()
	return nil
}

// WriteFileAtomic writes data to a sibling temp file and renames it
// into place, so readers observe either the old content or the new,
// never a torn write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrapf(err, "create temp for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write temp for %s", path)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "chmod temp for %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close temp for %s", path)
	}

	return errors.Wrapf(os.Rename(tmpName, path), "rename into %s", path)
}

// RenameWithFallback attempts a rename, falling back to copy+delete
// when src and dst sit on different devices. When the fallback copy
// succeeds, src is removed, emulating normal rename behavior.
func RenameWithFallback(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}

	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}

	lerr, ok := err.(*os.LinkError)
	if !ok || lerr.Err != syscall.EXDEV {
		return errors.Wrapf(err, "rename %s to %s", src, dst)
	}

	var cerr error
	if fi.IsDir() {
		cerr = copyDir(src, dst)
	} else {
		cerr = copyFile(src, dst)
	}
	if cerr != nil {
		return errors.Wrapf(cerr, "cross-device fallback for %s", src)
	}
	return os.RemoveAll(src)
}

// CloneTree projects the file tree at src into dst. Per file it
// attempts, in order: reflink, hardlink, byte copy. Directories are
// recreated; symlinks are recreated with their original targets.
func CloneTree(src, dst string) error {
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case fi.IsDir():
			return EnsureDir(target)
		case fi.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return errors.Wrapf(err, "readlink %s", path)
			}
			os.Remove(target)
			return errors.Wrapf(os.Symlink(dest, target), "symlink %s", target)
		default:
			return CloneFile(path, target, fi.Mode())
		}
	})
}

// CloneFile links or copies a single file: reflink, then hardlink,
// then byte copy.
func CloneFile(src, dst string, perm os.FileMode) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	os.Remove(dst)

	if err := reflink(src, dst); err == nil {
		return os.Chmod(dst, perm)
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}
	return os.Chmod(dst, perm)
}

func copyDir(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, fi.Mode()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		switch {
		case entry.IsDir():
			if err := copyDir(s, d); err != nil {
				return err
			}
		case entry.Type()&os.ModeSymlink != 0:
			dest, err := os.Readlink(s)
			if err != nil {
				return err
			}
			if err := os.Symlink(dest, d); err != nil {
				return err
			}
		default:
			if err := copyFile(s, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, fi.Mode())
}
