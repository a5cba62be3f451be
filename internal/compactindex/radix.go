// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compactindex

import "github.com/armon/go-radix"

// Typed wrapper around a radix tree keyed by gem name, so callers
// never type assert. Gem names share long prefixes (rails-*, rspec-*),
// which is what makes a radix tree cheaper than a map here for the
// session-lifetime memo.
type infoTrie struct {
	t *radix.Tree
}

func newInfoTrie() *infoTrie {
	return &infoTrie{t: radix.New()}
}

// Get returns the memoised records for name.
func (t *infoTrie) Get(name string) ([]InfoRecord, bool) {
	if v, ok := t.t.Get(name); ok {
		return v.([]InfoRecord), true
	}
	return nil, false
}

// Insert memoises records for name, returning whether an entry was
// replaced.
func (t *infoTrie) Insert(name string, recs []InfoRecord) bool {
	_, had := t.t.Insert(name, recs)
	return had
}

// Len reports the number of memoised gems.
func (t *infoTrie) Len() int { return t.t.Len() }
