// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemver"
	"github.com/scintlabs/scint/internal/layout"
	"github.com/scintlabs/scint/internal/loadmap"
)

// gemOrigin is a minimal upstream: compact index endpoints plus gem
// downloads, with per-path request counting.
type gemOrigin struct {
	mu       sync.Mutex
	infos    map[string]string
	gems     map[string][]byte
	requests map[string]int
}

func newGemOrigin() *gemOrigin {
	return &gemOrigin{
		infos:    make(map[string]string),
		gems:     make(map[string][]byte),
		requests: make(map[string]int),
	}
}

// addGem registers one portable gem version with no dependencies and
// returns its content hash.
func (o *gemOrigin) addGem(t *testing.T, name, version string) string {
	t.Helper()
	archive := packGem(t, fmt.Sprintf("name: %s\nversion:\n  version: %s\n", name, version),
		map[string]string{"lib/" + name + ".rb": "module X; end\n"})
	sum := sha256.Sum256(archive)
	sha := hex.EncodeToString(sum[:])

	o.mu.Lock()
	defer o.mu.Unlock()
	o.gems[name+"-"+version+".gem"] = archive
	o.infos[name] += fmt.Sprintf("%s |checksum:%s\n", version, sha)
	return sha
}

func (o *gemOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[path]
}

func (o *gemOrigin) downloads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for path, c := range o.requests {
		if strings.HasPrefix(path, "gems/") {
			n += c
		}
	}
	return n
}

func (o *gemOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/")
	o.requests[path]++

	switch {
	case path == "versions":
		var buf bytes.Buffer
		buf.WriteString("---\n")
		for name, info := range o.infos {
			body := "---\n" + info
			sum := md5.Sum([]byte(body))
			toks := []string{}
			for _, line := range strings.Split(strings.TrimSpace(info), "\n") {
				toks = append(toks, strings.Fields(line)[0])
			}
			fmt.Fprintf(&buf, "%s %s %s\n", name, strings.Join(toks, ","), hex.EncodeToString(sum[:]))
		}
		w.Write(buf.Bytes())
	case strings.HasPrefix(path, "info/"):
		info, ok := o.infos[strings.TrimPrefix(path, "info/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "---\n"+info)
	case strings.HasPrefix(path, "gems/"):
		body, ok := o.gems[strings.TrimPrefix(path, "gems/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	default:
		http.NotFound(w, r)
	}
}

func packGem(t *testing.T, metadata string, files map[string]string) []byte {
	t.Helper()

	gzipped := func(fill func(*tar.Writer)) []byte {
		var raw bytes.Buffer
		gz := gzip.NewWriter(&raw)
		tw := tar.NewWriter(gz)
		fill(tw)
		if err := tw.Close(); err != nil {
			t.Fatal(err)
		}
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
		return raw.Bytes()
	}

	data := gzipped(func(tw *tar.Writer) {
		for name, content := range files {
			tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))})
			tw.Write([]byte(content))
		}
	})

	var meta bytes.Buffer
	mgz := gzip.NewWriter(&meta)
	mgz.Write([]byte(metadata))
	mgz.Close()

	var outer bytes.Buffer
	otw := tar.NewWriter(&outer)
	for _, e := range []struct {
		name string
		body []byte
	}{{"metadata.gz", meta.Bytes()}, {"data.tar.gz", data}} {
		otw.WriteHeader(&tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body))})
		otw.Write(e.body)
	}
	otw.Close()
	return outer.Bytes()
}

type installFixture struct {
	origin  *gemOrigin
	srv     *httptest.Server
	ctx     *Ctx
	root    string
	project string
}

func newInstallFixture(t *testing.T) *installFixture {
	t.Helper()
	origin := newGemOrigin()
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.CacheRoot = filepath.Join(root, "cache")
	cfg.ProjectPath = filepath.Join(root, "vendor")
	cfg.Jobs = 4

	return &installFixture{
		origin:  origin,
		srv:     srv,
		root:    root,
		project: filepath.Join(root, "app"),
		ctx: &Ctx{
			WorkingDir: root,
			Config:     cfg,
			Out:        log.New(io.Discard, "", 0),
			Err:        log.New(io.Discard, "", 0),
		},
	}
}

// loadedProject rebuilds the Project the way LoadProject would, but
// with a hand-built manifest so the test does not depend on manifest
// file parsing.
func (f *installFixture) loadedProject(t *testing.T, deps ...gem.Dependency) *Project {
	t.Helper()
	if err := os.MkdirAll(f.project, 0o755); err != nil {
		t.Fatal(err)
	}
	p := &Project{
		AbsRoot: f.project,
		Manifest: &Manifest{
			Sources:      []*gem.Source{gem.NewIndexSource(f.srv.URL)},
			Dependencies: deps,
		},
	}
	if raw, err := os.ReadFile(p.LockPath()); err == nil {
		lock, err := ParseLock(raw)
		if err != nil {
			t.Fatal(err)
		}
		p.Lock = lock
	}
	return p
}

func dep(name string, constraints ...string) gem.Dependency {
	return gem.Dependency{Name: name, Requirement: gemver.MustParseRequirement(constraints...)}
}

func TestInstallColdThenWarm(t *testing.T) {
	f := newInstallFixture(t)
	f.origin.addGem(t, "a", "1.0.0")
	sha := f.origin.addGem(t, "a", "1.2.3")

	// Cold run: resolve, download, promote, materialize, emit.
	project := f.loadedProject(t, dep("a", "~> 1.0"))
	if err := NewInstaller(f.ctx, project, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	lockBytes, err := os.ReadFile(project.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	lockText := string(lockBytes)
	if !strings.Contains(lockText, "    a (1.2.3)\n") {
		t.Errorf("lockfile missing resolved spec:\n%s", lockText)
	}
	if !strings.Contains(lockText, "a-1.2.3 sha256="+sha) {
		t.Errorf("lockfile missing checksum:\n%s", lockText)
	}
	if f.origin.downloads() != 1 {
		t.Errorf("downloads = %d, want 1", f.origin.downloads())
	}

	// The cache entry is complete and the runtime map references it.
	cache := layout.New(f.ctx.Config.CacheRoot, f.ctx.Config.ABI())
	art := gem.Artifact{Name: "a", Version: gemver.MustParse("1.2.3"), Platform: gem.PlatformRuby}
	if _, err := os.Stat(cache.Marker(art)); err != nil {
		t.Error("cache entry not promoted")
	}
	dirs := layout.NewProject(project.InstallRoot(f.ctx.Config), f.ctx.Config.ABI())
	m, err := loadmap.Read(dirs.MapPath())
	if err != nil {
		t.Fatal(err)
	}
	if m["a"].Version != "1.2.3" || len(m["a"].LoadPaths) == 0 {
		t.Errorf("runtime map entry = %+v", m["a"])
	}

	// Warm run: no downloads, byte-identical lockfile, locked version
	// preferred.
	project = f.loadedProject(t, dep("a", "~> 1.0"))
	if project.Lock == nil {
		t.Fatal("second run must see the lockfile")
	}
	if err := NewInstaller(f.ctx, project, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.origin.downloads() != 1 {
		t.Errorf("warm run downloaded: %d total", f.origin.downloads())
	}
	again, err := os.ReadFile(project.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(lockBytes, again) {
		t.Errorf("warm lockfile diverged:\n%s", again)
	}
}

func TestInstallDeletionRecovery(t *testing.T) {
	f := newInstallFixture(t)
	f.origin.addGem(t, "a", "1.2.3")

	project := f.loadedProject(t, dep("a"))
	if err := NewInstaller(f.ctx, project, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	downloadsBefore := f.origin.downloads()

	// Deleting only the project-local directory must recover from the
	// cache without any downloads.
	if err := os.RemoveAll(f.ctx.Config.ProjectPath); err != nil {
		t.Fatal(err)
	}
	project = f.loadedProject(t, dep("a"))
	if err := NewInstaller(f.ctx, project, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.origin.downloads() != downloadsBefore {
		t.Errorf("recovery run downloaded: %d vs %d", f.origin.downloads(), downloadsBefore)
	}

	dirs := layout.NewProject(project.InstallRoot(f.ctx.Config), f.ctx.Config.ABI())
	art := gem.Artifact{Name: "a", Version: gemver.MustParse("1.2.3"), Platform: gem.PlatformRuby}
	if _, err := os.Stat(filepath.Join(dirs.GemDir(art), "lib", "a.rb")); err != nil {
		t.Error("gem tree not rematerialized")
	}
}

func TestInstallResolutionFailureExitsSix(t *testing.T) {
	f := newInstallFixture(t)
	f.origin.addGem(t, "a", "1.0.0")

	project := f.loadedProject(t, dep("a", ">= 9.0"))
	err := NewInstaller(f.ctx, project, nil).Run(context.Background())
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	if ExitCodeFor(err) != 6 {
		t.Errorf("exit code = %d, want 6", ExitCodeFor(err))
	}
}
