// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compactindex

import (
	"bytes"
	"encoding/gob"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
)

var infoBucket = []byte("info")

// A Store is the fingerprint-keyed binary cache of parsed info
// records: repeat parses of an unchanged info body are elided across
// runs.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the bolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open parse cache %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(infoBucket)
		return berr
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init parse cache")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the records cached under fingerprint.
func (s *Store) Get(fingerprint string) ([]InfoRecord, bool) {
	var raw []byte
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(infoBucket).Get([]byte(fingerprint)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if raw == nil {
		return nil, false
	}
	recs, err := decodeRecords(raw)
	if err != nil {
		// A corrupt value is as good as a miss; the caller reparses.
		return nil, false
	}
	return recs, true
}

// Put stores records under fingerprint. Failures are silent: the cache
// is an accelerator, never a source of truth.
func (s *Store) Put(fingerprint string, recs []InfoRecord) {
	raw, err := encodeRecords(recs)
	if err != nil {
		return
	}
	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(infoBucket).Put([]byte(fingerprint), raw)
	})
}

// Wire types for the gob encoding. gemver types hold unexported
// parsed state, so records round-trip through their string forms.
type wireRecord struct {
	Version  string
	Platform string
	Deps     []wireDep
	Ruby     []string
	Rubygems []string
	SHA256   string
}

type wireDep struct {
	Name        string
	Constraints []string
}

func encodeRecords(recs []InfoRecord) ([]byte, error) {
	wire := make([]wireRecord, len(recs))
	for i, r := range recs {
		w := wireRecord{
			Version:  r.Version.String(),
			Platform: r.Platform,
			Ruby:     constraintStrings(r.RubyReq),
			Rubygems: constraintStrings(r.RubygemsReq),
			SHA256:   r.SHA256,
		}
		for _, d := range r.Dependencies {
			w.Deps = append(w.Deps, wireDep{Name: d.Name, Constraints: constraintStrings(d.Requirement)})
		}
		wire[i] = w
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecords(raw []byte) ([]InfoRecord, error) {
	var wire []wireRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&wire); err != nil {
		return nil, err
	}

	recs := make([]InfoRecord, len(wire))
	for i, w := range wire {
		v, err := gemver.Parse(w.Version)
		if err != nil {
			return nil, err
		}
		rec := InfoRecord{Version: v, Platform: w.Platform, SHA256: w.SHA256}
		if rec.RubyReq, err = gemver.ParseRequirement(w.Ruby...); err != nil {
			return nil, err
		}
		if rec.RubygemsReq, err = gemver.ParseRequirement(w.Rubygems...); err != nil {
			return nil, err
		}
		for _, d := range w.Deps {
			req, err := gemver.ParseRequirement(d.Constraints...)
			if err != nil {
				return nil, err
			}
			rec.Dependencies = append(rec.Dependencies, gem.Dependency{Name: d.Name, Requirement: req})
		}
		recs[i] = rec
	}
	return recs, nil
}

func constraintStrings(r gemver.Requirement) []string {
	out := make([]string, len(r.Constraints))
	for i, c := range r.Constraints {
		out[i] = c.String()
	}
	return out
}
