// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.txt")

	if err := WriteFileAtomic(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want hello", got)
	}

	// Overwrite must replace wholesale.
	if err := WriteFileAtomic(path, []byte("bye"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "bye" {
		t.Errorf("content = %q, want bye", got)
	}

	// No temp siblings may remain.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %v", entries)
	}
}

func TestEnsureDirToleratesExternalDeletion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "memo", "me")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("directory not recreated: %v", err)
	}
}

func TestRenameWithFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RenameWithFallback(src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("src should be gone after rename")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Error("dst should exist after rename")
	}
}

func TestCloneTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "clone")

	if err := os.MkdirAll(filepath.Join(src, "lib", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "lib", "deep", "a.rb"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "exe"), []byte("#!"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := CloneTree(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "lib", "deep", "a.rb"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "A" {
		t.Errorf("cloned content = %q", got)
	}
	fi, err := os.Stat(filepath.Join(dst, "exe"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode()&0o111 == 0 {
		t.Error("executable bit lost in clone")
	}
}

func TestTempdirScopedRemoval(t *testing.T) {
	td, err := NewTempdir(t.TempDir(), "scratch-")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(td.Path, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := td.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(td.Path); !os.IsNotExist(err) {
		t.Error("tempdir should be removed on close")
	}
	// Idempotent.
	if err := td.Close(); err != nil {
		t.Fatal(err)
	}
}
