// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compactindex

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/fetch"
	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gem"
)

// A Client serves one index source's names, versions, and info
// endpoints from an on-disk cache with conditional and byte-range
// revalidation. Safe for concurrent use: simultaneous first-use
// requests for one endpoint coalesce to a single round-trip.
type Client struct {
	source *gem.Source
	dir    string
	pool   *fetch.Pool

	mu       sync.Mutex
	inflight map[string]*flight
	names    []string
	haveName bool
	entries  map[string]*VersionsEntry
	memo     *infoTrie
	store    *Store
}

type flight struct {
	done chan struct{}
	err  error
}

// NewClient builds a Client over the cache directory dir (the layout's
// index path for the source). The fetch pool supplies connection
// reuse, credentials, and the retry layer.
func NewClient(source *gem.Source, dir string, pool *fetch.Pool) *Client {
	return &Client{
		source:   source,
		dir:      dir,
		pool:     pool,
		inflight: make(map[string]*flight),
		memo:     newInfoTrie(),
	}
}

// Close releases the parse cache.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// TransportError is a non-retriable upstream failure carrying the
// status the server returned.
type TransportError struct {
	URL    string
	Status int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// Names returns the source's gem name list.
func (c *Client) Names(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.haveName {
		names := c.names
		c.mu.Unlock()
		return names, nil
	}
	c.mu.Unlock()

	err := c.coalesce(ctx, "names", func() error {
		body, err := c.revalidate(ctx, "names")
		if err != nil {
			return err
		}
		parsed := parseNames(body)
		c.mu.Lock()
		c.names, c.haveName = parsed, true
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names, nil
}

// Versions returns the applied versions list keyed by gem name.
func (c *Client) Versions(ctx context.Context) (map[string]*VersionsEntry, error) {
	c.mu.Lock()
	if c.entries != nil {
		entries := c.entries
		c.mu.Unlock()
		return entries, nil
	}
	c.mu.Unlock()

	err := c.coalesce(ctx, "versions", func() error {
		body, err := c.refreshVersions(ctx)
		if err != nil {
			return err
		}
		entries, err := parseVersions(body)
		if err != nil {
			// Corrupt cached body: discard and refetch unconditionally.
			os.Remove(c.path("versions"))
			os.Remove(c.path("versions.etag"))
			body, err = c.refreshVersions(ctx)
			if err != nil {
				return err
			}
			entries, err = parseVersions(body)
			if err != nil {
				return err
			}
		}
		c.mu.Lock()
		c.entries = entries
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries, nil
}

// Info returns the parsed info records for name. A gem absent upstream
// yields (nil, nil).
func (c *Client) Info(ctx context.Context, name string) ([]InfoRecord, error) {
	c.mu.Lock()
	if recs, ok := c.memo.Get(name); ok {
		c.mu.Unlock()
		return recs, nil
	}
	c.mu.Unlock()

	err := c.coalesce(ctx, "info/"+name, func() error {
		recs, err := c.loadInfo(ctx, name)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.memo.Insert(name, recs)
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	recs, _ := c.memo.Get(name)
	return recs, nil
}

// coalesce runs fn once per key; concurrent callers for the same key
// wait for the winner. The client mutex is never held across fn.
func (c *Client) coalesce(ctx context.Context, key string, fn func() error) error {
	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.err = fn()

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(f.done)
	return f.err
}

func (c *Client) loadInfo(ctx context.Context, name string) ([]InfoRecord, error) {
	endpoint := "info/" + name
	local, lerr := os.ReadFile(c.path(endpoint))

	// Freshness shortcut: when the local raw body hashes to the
	// fingerprint the versions endpoint advertised, skip the network
	// entirely, and skip the parse too when the binary cache has the
	// fingerprint.
	var fingerprint string
	c.mu.Lock()
	if e := c.entries[name]; e != nil {
		fingerprint = e.Fingerprint
	}
	c.mu.Unlock()

	if lerr == nil && fingerprint != "" && bodyMatchesFingerprint(local, fingerprint) {
		if recs, ok := c.cachedParse(fingerprint); ok {
			return recs, nil
		}
		recs, err := parseInfo(local)
		if err == nil {
			c.storeParse(fingerprint, recs)
			return recs, nil
		}
		// Corrupt despite matching hash; fall through to refetch.
		os.Remove(c.path(endpoint))
	}

	body, status, err := c.conditionalGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	recs, err := parseInfo(body)
	if err != nil {
		// Discard and refetch once, unconditionally.
		os.Remove(c.path(endpoint))
		os.Remove(c.path(endpoint + ".etag"))
		body, status, err = c.conditionalGet(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return nil, nil
		}
		recs, err = parseInfo(body)
		if err != nil {
			return nil, errors.Wrapf(err, "info body for %s", name)
		}
	}
	if fingerprint != "" && bodyMatchesFingerprint(body, fingerprint) {
		c.storeParse(fingerprint, recs)
	}
	return recs, nil
}

// revalidate performs a conditional GET for a whole-body endpoint and
// returns the fresh or reused bytes.
func (c *Client) revalidate(ctx context.Context, endpoint string) ([]byte, error) {
	body, status, err := c.conditionalGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return body, nil
}

// conditionalGet GETs endpoint with If-None-Match when an entity-tag
// is on disk. 304 reuses the cached body; 200 replaces body and tag;
// 404 is reported to the caller. Anything else is a TransportError.
func (c *Client) conditionalGet(ctx context.Context, endpoint string) ([]byte, int, error) {
	uri := c.url(endpoint)
	etag, _ := os.ReadFile(c.path(endpoint + ".etag"))

	var body []byte
	var status int
	err := fetch.Retry(ctx, c.pool.Reset, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return err
		}
		c.pool.Decorate(req)
		req.Header.Set("Accept-Encoding", "gzip")
		if len(etag) > 0 {
			req.Header.Set("If-None-Match", strings.TrimSpace(string(etag)))
		}

		resp, err := c.pool.Client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		switch resp.StatusCode {
		case http.StatusOK:
			data, err := readBody(resp)
			if err != nil {
				return err
			}
			if err := c.persist(endpoint, data, resp.Header.Get("ETag")); err != nil {
				return err
			}
			body = data
			return nil
		case http.StatusNotModified:
			cached, err := os.ReadFile(c.path(endpoint))
			if err != nil {
				return errors.Wrapf(err, "cache body missing for %s despite 304", endpoint)
			}
			body = cached
			return nil
		case http.StatusNotFound:
			return nil
		default:
			return &TransportError{URL: uri, Status: resp.StatusCode}
		}
	})
	if err != nil {
		return nil, 0, err
	}
	return body, status, nil
}

// refreshVersions brings the versions body up to date, preferring a
// byte-range request that appends only the tail the server has grown
// since the local copy.
func (c *Client) refreshVersions(ctx context.Context) ([]byte, error) {
	local, err := os.ReadFile(c.path("versions"))
	if err != nil || len(local) == 0 {
		body, _, gerr := c.conditionalGet(ctx, "versions")
		return body, gerr
	}

	uri := c.url("versions")
	etag, _ := os.ReadFile(c.path("versions.etag"))

	var body []byte
	err = fetch.Retry(ctx, c.pool.Reset, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return err
		}
		c.pool.Decorate(req)
		// Start one byte before the local end: the overlap byte both
		// anchors the append and verifies continuity.
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", len(local)-1))
		if len(etag) > 0 {
			req.Header.Set("If-None-Match", strings.TrimSpace(string(etag)))
		}

		resp, err := c.pool.Client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			delta, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if len(delta) == 0 || delta[0] != local[len(local)-1] {
				// Overlap check failed: the server's file diverged
				// from our copy. Refetch from scratch.
				os.Remove(c.path("versions"))
				os.Remove(c.path("versions.etag"))
				full, _, gerr := c.conditionalGet(ctx, "versions")
				if gerr != nil {
					return gerr
				}
				body = full
				return nil
			}
			merged := append(append([]byte(nil), local...), delta[1:]...)
			if err := c.persist("versions", merged, resp.Header.Get("ETag")); err != nil {
				return err
			}
			body = merged
			return nil
		case http.StatusOK:
			full, err := readBody(resp)
			if err != nil {
				return err
			}
			if err := c.persist("versions", full, resp.Header.Get("ETag")); err != nil {
				return err
			}
			body = full
			return nil
		case http.StatusNotModified:
			body = local
			return nil
		case http.StatusRequestedRangeNotSatisfiable:
			os.Remove(c.path("versions"))
			full, _, gerr := c.conditionalGet(ctx, "versions")
			if gerr != nil {
				return gerr
			}
			body = full
			return nil
		default:
			return &TransportError{URL: uri, Status: resp.StatusCode}
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) persist(endpoint string, body []byte, etag string) error {
	if err := fs.WriteFileAtomic(c.path(endpoint), body, 0o644); err != nil {
		return err
	}
	if etag != "" {
		return fs.WriteFileAtomic(c.path(endpoint+".etag"), []byte(etag), 0o644)
	}
	os.Remove(c.path(endpoint + ".etag"))
	return nil
}

func (c *Client) path(endpoint string) string {
	return filepath.Join(c.dir, filepath.FromSlash(endpoint))
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.source.Primary(), "/") + "/" + endpoint
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "gzip body")
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}

// bodyMatchesFingerprint accepts either digest the wire format has
// historically used: 32 hex chars is md5, 64 is sha256.
func bodyMatchesFingerprint(body []byte, fingerprint string) bool {
	switch len(fingerprint) {
	case 32:
		sum := md5.Sum(body)
		return hex.EncodeToString(sum[:]) == fingerprint
	case 64:
		sum := sha256.Sum256(body)
		return hex.EncodeToString(sum[:]) == fingerprint
	}
	return false
}

// cachedParse consults the fingerprint-keyed binary cache.
func (c *Client) cachedParse(fingerprint string) ([]InfoRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		s, err := OpenStore(filepath.Join(c.dir, "parse.cache"))
		if err != nil {
			return nil, false
		}
		c.store = s
	}
	return c.store.Get(fingerprint)
}

func (c *Client) storeParse(fingerprint string, recs []InfoRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		s, err := OpenStore(filepath.Join(c.dir, "parse.cache"))
		if err != nil {
			return
		}
		c.store = s
	}
	c.store.Put(fingerprint, recs)
}
