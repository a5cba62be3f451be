// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch downloads remote artifacts: streaming writes through a
// sibling temp file, content-hash verification before rename, retry
// with exponential backoff, and a per-host in-flight cap.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/scintlabs/scint/internal/fs"
)

const (
	// perHostLimit bounds concurrent requests to one origin.
	perHostLimit = 4

	// maxRedirects bounds redirect chains.
	maxRedirects = 10

	defaultTimeout = 15 * time.Second
)

// A Pool performs concurrent downloads with a per-host semaphore.
// Safe for concurrent use.
type Pool struct {
	client    *http.Client
	userAgent string
	creds     func(host string) string // Authorization header value, "" for none

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

// NewPool builds a Pool. creds may be nil.
func NewPool(userAgent string, creds func(host string) string) *Pool {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: perHostLimit,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: defaultTimeout,
		}).DialContext,
		ResponseHeaderTimeout: defaultTimeout,
	}
	return &Pool{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
		creds:     creds,
		hosts:     make(map[string]*semaphore.Weighted),
	}
}

// Client exposes the pooled HTTP client for collaborators (the index
// client) that share its connection reuse and credential policy.
func (p *Pool) Client() *http.Client { return p.client }

// Decorate applies the pool's standing headers to a request.
func (p *Pool) Decorate(req *http.Request) {
	req.Header.Set("User-Agent", p.userAgent)
	if p.creds != nil {
		if auth := p.creds(req.URL.Host); auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}
}

// Reset drops pooled connections; used between retry attempts in case
// the pool holds a wedged connection.
func (p *Pool) Reset() {
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (p *Pool) hostSem(host string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.hosts[host]
	if s == nil {
		s = semaphore.NewWeighted(perHostLimit)
		p.hosts[host] = s
	}
	return s
}

// Get downloads uri into dst. When wantSHA256 is non-empty the
// downloaded bytes must hash to it or the temp file is discarded and
// an error returned; dst appears only after verification, via rename.
// Returns the byte count written.
func (p *Pool) Get(ctx context.Context, uri, dst, wantSHA256 string) (int64, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", uri)
	}

	sem := p.hostSem(u.Host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer sem.Release(1)

	var n int64
	err = Retry(ctx, p.Reset, func() error {
		var ferr error
		n, ferr = p.fetchOnce(ctx, uri, dst, wantSHA256)
		return ferr
	})
	return n, err
}

func (p *Pool) fetchOnce(ctx context.Context, uri, dst, wantSHA256 string) (int64, error) {
	if err := fs.EnsureDir(filepath.Dir(dst)); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "build request for %s", uri)
	}
	p.Decorate(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status %d fetching %s", resp.StatusCode, uri)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-")
	if err != nil {
		return 0, errors.Wrap(err, "create download temp")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, errors.Wrapf(err, "stream %s", uri)
	}

	if wantSHA256 != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if got != wantSHA256 {
			return 0, errors.Errorf("checksum mismatch for %s: got %s, want %s", uri, got, wantSHA256)
		}
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return 0, errors.Wrapf(err, "finalize %s", dst)
	}
	return n, nil
}
