// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loadmap writes and reads the binary runtime map: gem name to
// version and load paths, consumed by the runtime launcher to build
// the child interpreter's search path.
package loadmap

import (
	"bytes"
	"encoding/gob"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fs"
)

// Entry is one gem's runtime record.
type Entry struct {
	Version   string
	LoadPaths []string
}

// Map is the full runtime map keyed by gem name.
type Map map[string]Entry

// Write serializes the map atomically to path.
func Write(path string, m Map) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return errors.Wrap(err, "encode runtime map")
	}
	return fs.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Read loads the map at path.
func Read(path string) (Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Map
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "decode runtime map %s", path)
	}
	return m, nil
}

// AllPaths flattens the map's load paths, sorted by gem name for a
// deterministic search order.
func (m Map) AllPaths() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	var paths []string
	for _, name := range names {
		paths = append(paths, m[name].LoadPaths...)
	}
	return paths
}
