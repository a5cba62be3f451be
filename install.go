// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scint

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/scintlabs/scint/internal/compactindex"
	"github.com/scintlabs/scint/internal/fetch"
	"github.com/scintlabs/scint/internal/fs"
	"github.com/scintlabs/scint/internal/gem"
	"github.com/scintlabs/scint/internal/gemspec"
	"github.com/scintlabs/scint/internal/layout"
	"github.com/scintlabs/scint/internal/loadmap"
	"github.com/scintlabs/scint/internal/materialize"
	"github.com/scintlabs/scint/internal/pipeline"
	"github.com/scintlabs/scint/internal/plan"
	"github.com/scintlabs/scint/internal/session"
	"github.com/scintlabs/scint/internal/solve"
)

// Scheduler phase tags.
const (
	phaseFetchIndex = "fetch_index"
	phaseGitFetch   = "git_fetch"
	phaseDownload   = "download"
	phaseLink       = "link"
	phaseBuildExt   = "build_ext"
)

// An Installer drives one install run to completion.
type Installer struct {
	ctx     *Ctx
	project *Project

	cache    layout.Layout
	projDirs layout.Project
	pool     *fetch.Pool
	pipe     *pipeline.Pipeline
	sess     *session.Session
	reader   gemspec.Reader

	mu      sync.Mutex
	clients map[string]*compactindex.Client // by source identity
	specs   map[string]*gemspec.Spec        // by artifact full name
}

// NewInstaller builds an installer for the loaded project. obs may be
// nil.
func NewInstaller(ctx *Ctx, project *Project, obs session.Observer) *Installer {
	cfg := ctx.Config
	cache := layout.New(cfg.CacheRoot, cfg.ABI())
	pool := fetch.NewPool(UserAgent(), cfg.CredentialFor)

	inst := &Installer{
		ctx:      ctx,
		project:  project,
		cache:    cache,
		projDirs: layout.NewProject(project.InstallRoot(cfg), cfg.ABI()),
		pool:     pool,
		sess:     session.New(obs),
		reader:   &gemspec.RubyReader{Ruby: cfg.RubyEngine},
		clients:  make(map[string]*compactindex.Client),
		specs:    make(map[string]*gemspec.Spec),
	}
	inst.pipe = &pipeline.Pipeline{
		Layout:      cache,
		Pool:        pool,
		Runner:      pipeline.ExecRunner{},
		Reader:      inst.reader,
		TarStrategy: cfg.TarStrategy,
		Jobs:        cfg.Jobs,
	}
	return inst
}

// Run executes the install pipeline: refresh index and repository
// state, resolve, plan, execute, then emit the lockfile and runtime
// map. The returned error carries the kind of the first failure.
func (inst *Installer) Run(ctx context.Context) (retErr error) {
	cfg := inst.ctx.Config

	if err := inst.checkInterpreter(); err != nil {
		return err
	}

	// One advisory lock per cache root; a second installer blocks
	// rather than interleaving writes (promotion itself would still be
	// safe, this keeps the index caches coherent).
	release, err := inst.lockCache(ctx)
	if err != nil {
		return err
	}
	defer release()

	workers := cfg.Jobs
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if err := inst.sess.Start(ctx, workers, cfg.FailFast); err != nil {
		return WrapKind(KindGeneral, err)
	}
	defer inst.sess.Shutdown()
	defer inst.closeClients()

	// Phase 1: every index source refreshes, every repository source
	// resolves its pinned revision.
	inst.enqueueSourceSync(ctx)
	inst.sess.WaitFor(phaseFetchIndex)
	inst.sess.WaitFor(phaseGitFetch)
	if errs := inst.sess.Errs(); len(errs) > 0 {
		return WrapKind(KindNetwork, errs[0])
	}

	// Phase 2: resolve.
	resolved, err := inst.resolve(ctx)
	if err != nil {
		return err
	}

	// Phase 3: plan and execute.
	entries := plan.Plan(resolved, inst.cache, inst.projDirs)
	inst.enqueuePlan(entries)
	inst.sess.WaitAll()

	if errs := inst.sess.Errs(); len(errs) > 0 {
		inst.reportFailures(errs)
		return inst.classify(errs[0])
	}

	// Phase 4: emit lockfile and runtime map.
	newLock := inst.buildLock(resolved)
	sw := &SafeWriter{LockPath: inst.project.LockPath()}
	changed, err := sw.WriteLock(inst.project.Lock, newLock)
	if err != nil {
		return err
	}
	if changed {
		if diff, derr := DiffLocks(inst.project.Lock, newLock).Format(); derr == nil && diff != "" {
			inst.ctx.Out.Printf("lockfile updated:\n%s", diff)
		}
	}

	if err := inst.writeRuntimeMap(resolved); err != nil {
		return WrapKind(KindInstall, err)
	}

	stats := inst.sess.Stats()
	inst.ctx.Out.Printf("installed %d gems (%d downloaded, %d compiled)",
		len(resolved), stats[phaseDownload].Completed, stats[phaseBuildExt].Completed)
	return nil
}

func (inst *Installer) lockCache(ctx context.Context) (func(), error) {
	lockPath := filepath.Join(inst.cache.Root, "scint.lock")
	if err := ensureCacheRoot(inst.cache.Root); err != nil {
		return nil, WrapKind(KindCache, err)
	}
	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		return nil, WrapKind(KindCache, errors.Wrapf(err, "lock cache root %s", inst.cache.Root))
	}
	if !ok {
		return nil, WrapKind(KindCache, errors.Errorf("cache root %s is locked by another invocation", inst.cache.Root))
	}
	return func() { fl.Unlock() }, nil
}

func ensureCacheRoot(root string) error {
	return fs.EnsureDir(root)
}

func dirExists(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

// enqueueSourceSync enqueues fetch_index for every index source and
// git_fetch for every repository source.
func (inst *Installer) enqueueSourceSync(ctx context.Context) {
	for _, src := range inst.project.Manifest.Sources {
		src := src
		switch src.Kind {
		case gem.IndexSource:
			client := inst.clientFor(src)
			inst.sess.Enqueue(phaseFetchIndex, "index "+src.Primary(), func(jctx context.Context) (interface{}, error) {
				_, err := client.Versions(jctx)
				return nil, err
			}, nil)
		case gem.GitSource:
			inst.sess.Enqueue(phaseGitFetch, "git "+src.URI, func(jctx context.Context) (interface{}, error) {
				rev, err := inst.pipe.ResolveRevision(jctx, src)
				if err != nil {
					return nil, err
				}
				src.Revision = rev
				return rev, nil
			}, nil)
		}
	}
}

func (inst *Installer) clientFor(src *gem.Source) *compactindex.Client {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	c := inst.clients[src.Ident()]
	if c == nil {
		c = compactindex.NewClient(src, inst.cache.Index(src), inst.pool)
		inst.clients[src.Ident()] = c
	}
	return c
}

func (inst *Installer) closeClients() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, c := range inst.clients {
		c.Close()
	}
}

// resolve builds the adapter over the synced sources and runs the
// solver.
func (inst *Installer) resolve(ctx context.Context) ([]gem.Artifact, error) {
	cfg := inst.ctx.Config
	m := inst.project.Manifest

	ss := &solve.SourceSet{
		Default: solve.NewIndexRegistry(m.DefaultSource(), inst.clientFor(m.DefaultSource())),
		Pinned:  make(map[string]solve.Registry),
		Stubs:   make(map[string]solve.Stub),
	}

	for _, d := range m.Dependencies {
		if d.Source == nil {
			continue
		}
		switch d.Source.Kind {
		case gem.IndexSource:
			ss.Pinned[d.Name] = solve.NewIndexRegistry(d.Source, inst.clientFor(d.Source))
		case gem.GitSource, gem.PathSource:
			stub, err := inst.stubFor(ctx, d)
			if err != nil {
				return nil, WrapKind(KindResolution, err)
			}
			ss.Stubs[d.Name] = stub
		}
	}

	adapter := &solve.Adapter{
		Sources:         ss,
		HostPlatform:    cfg.Arch,
		ABI:             cfg.ABI(),
		RubygemsVersion: cfg.RubygemsVersion,
		StrictUpper:     cfg.StrictRubyUpper,
		Locked:          inst.project.Lock.LockedVersions(),
	}

	// Warm the per-gem info caches in parallel before the sequential
	// walk.
	names := make([]string, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		names = append(names, d.Name)
	}
	if err := adapter.Prefetch(ctx, names); err != nil {
		return nil, WrapKind(KindNetwork, err)
	}

	resolved, err := solve.NewSolver(adapter).Solve(ctx, m.Dependencies)
	if err != nil {
		return nil, WrapKind(KindResolution, err)
	}
	return resolved, nil
}

// stubFor reads the gemspec of a path or repository dependency and
// wraps it as the source's single candidate.
func (inst *Installer) stubFor(ctx context.Context, d gem.Dependency) (solve.Stub, error) {
	src := d.Source
	var dir string
	switch src.Kind {
	case gem.PathSource:
		dir = src.Path
	case gem.GitSource:
		// The mirror was synced (and pinned) during git_fetch.
		dir = inst.cache.InboundRepo(src)
	}

	spec, err := inst.reader.ReadDir(ctx, dir, src.GemspecGlob)
	if err != nil {
		return solve.Stub{}, errors.Wrapf(err, "spec of %s", src)
	}
	inst.rememberSpec(spec)

	return solve.Stub{
		Artifact: gem.Artifact{
			Name:         spec.Name,
			Version:      spec.Version,
			Platform:     spec.Platform,
			Dependencies: spec.Dependencies,
			Source:       src,
			NeedsBuild:   spec.NeedsBuild(),
		},
		RubyReq: spec.RubyReq,
	}, nil
}

// enqueuePlan turns plan entries into jobs. Each download chains its
// successor from inside the worker: the follow-up inspects the
// assembled spec and enqueues link or build_ext.
func (inst *Installer) enqueuePlan(entries []plan.Entry) {
	for _, e := range entries {
		a := e.Artifact
		switch e.Action {
		case plan.Skip:
			inst.rememberCachedSpec(a)
		case plan.Link:
			inst.enqueueLink(a)
		case plan.BuildExt:
			inst.enqueueBuild(a)
		case plan.Download:
			inst.enqueueDownload(a)
		}
	}
}

func (inst *Installer) enqueueDownload(a gem.Artifact) {
	inst.sess.Enqueue(phaseDownload, a.FullName(), func(jctx context.Context) (interface{}, error) {
		if err := inst.pipe.Fetch(jctx, a); err != nil {
			return nil, err
		}
		spec, err := inst.pipe.Assemble(jctx, a)
		if err != nil {
			return nil, err
		}
		inst.rememberSpec(spec)
		return spec, nil
	}, func(j *session.Job) {
		if j.State() != session.Completed {
			return
		}
		spec := j.Result.(*gemspec.Spec)
		if spec.NeedsBuild() {
			inst.enqueueBuild(a)
			return
		}
		inst.sess.Enqueue(phaseLink, a.FullName(), func(jctx context.Context) (interface{}, error) {
			if err := inst.pipe.Promote(a, spec); err != nil {
				return nil, err
			}
			return nil, inst.materializer().Materialize(a)
		}, nil)
	})
}

func (inst *Installer) enqueueBuild(a gem.Artifact) {
	inst.sess.Enqueue(phaseBuildExt, a.FullName(), func(jctx context.Context) (interface{}, error) {
		spec, err := inst.specForBuild(jctx, a)
		if err != nil {
			return nil, err
		}
		if err := inst.pipe.Build(jctx, a, spec); err != nil {
			return nil, err
		}
		if err := inst.pipe.Promote(a, spec); err != nil {
			return nil, err
		}
		return nil, inst.materializer().Materialize(a)
	}, nil)
}

func (inst *Installer) enqueueLink(a gem.Artifact) {
	inst.sess.Enqueue(phaseLink, a.FullName(), func(jctx context.Context) (interface{}, error) {
		inst.rememberCachedSpec(a)
		return nil, inst.materializer().Materialize(a)
	}, nil)
}

// specForBuild returns the artifact's spec, assembling from inbound
// when no staging tree holds one yet.
func (inst *Installer) specForBuild(ctx context.Context, a gem.Artifact) (*gemspec.Spec, error) {
	inst.mu.Lock()
	spec := inst.specs[a.FullName()]
	inst.mu.Unlock()
	if spec != nil && assembled(inst.cache, a) {
		return spec, nil
	}

	if a.Source.Kind == gem.IndexSource {
		if err := inst.pipe.Fetch(ctx, a); err != nil {
			return nil, err
		}
	}
	spec, err := inst.pipe.Assemble(ctx, a)
	if err != nil {
		return nil, err
	}
	inst.rememberSpec(spec)
	return spec, nil
}

func assembled(cache layout.Layout, a gem.Artifact) bool {
	return dirExists(cache.Assembling(a))
}

func (inst *Installer) materializer() *materialize.Materializer {
	return &materialize.Materializer{Cache: inst.cache, Project: inst.projDirs}
}

func (inst *Installer) rememberSpec(spec *gemspec.Spec) {
	inst.mu.Lock()
	inst.specs[spec.FullName()] = spec
	inst.mu.Unlock()
}

func (inst *Installer) rememberCachedSpec(a gem.Artifact) {
	inst.mu.Lock()
	_, have := inst.specs[a.FullName()]
	inst.mu.Unlock()
	if have {
		return
	}
	if spec, err := gemspec.ReadBinary(inst.cache.CachedSpec(a)); err == nil {
		inst.rememberSpec(spec)
	}
}

// classify maps a job failure to its error kind by the failing phase.
func (inst *Installer) classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "build "):
		return WrapKind(KindCompilation, err)
	case strings.Contains(msg, "fetch "):
		return WrapKind(KindNetwork, err)
	default:
		return WrapKind(KindInstall, err)
	}
}

func (inst *Installer) reportFailures(errs []error) {
	inst.ctx.Err.Printf("%d job(s) failed:", len(errs))
	for _, e := range errs {
		inst.ctx.Err.Printf("  %v", e)
	}
}

// checkInterpreter compares a manifest interpreter pin against the
// configured interpreter before resolution.
func (inst *Installer) checkInterpreter() error {
	pin := inst.project.Manifest.RubyVersion
	if pin == "" {
		return nil
	}
	cons, err := semver.NewConstraint(strings.ReplaceAll(pin, "~>", "~"))
	if err != nil {
		// Not semver-shaped (e.g. engine-qualified pins); skip the
		// check rather than guess.
		return nil
	}
	v, err := semver.NewVersion(inst.ctx.Config.RubyVersion)
	if err != nil {
		return nil
	}
	if !cons.Check(v) {
		return WrapKind(KindPlatform, errors.Errorf(
			"manifest requires ruby %q, running %s", pin, inst.ctx.Config.RubyVersion))
	}
	return nil
}

// buildLock assembles the new lock from the resolved set.
func (inst *Installer) buildLock(resolved []gem.Artifact) *Lock {
	cfg := inst.ctx.Config
	l := &Lock{
		Platforms:   []string{gem.PlatformRuby, cfg.Arch},
		BundledWith: Version,
	}
	if inst.project.Manifest.RubyVersion != "" {
		l.RubyVersion = "ruby " + cfg.RubyVersion
	}

	sections := make(map[string]*LockSection)
	for _, a := range resolved {
		key := a.Source.Ident()
		sec := sections[key]
		if sec == nil {
			sec = &LockSection{Source: a.Source}
			sections[key] = sec
			l.Sections = append(l.Sections, sec)
		}
		platform := a.Platform
		if platform == gem.PlatformRuby {
			platform = ""
		}
		sec.Specs = append(sec.Specs, LockSpec{
			Name:     a.Name,
			Version:  a.Version,
			Platform: platform,
			Deps:     a.Dependencies,
		})

		if a.SHA256 != "" {
			l.Checksums = append(l.Checksums, LockChecksum{FullName: a.FullName(), SHA256: a.SHA256})
		}
	}

	for _, d := range inst.project.Manifest.Dependencies {
		pinned := d.Source != nil && d.Source.Kind != gem.IndexSource
		l.Dependencies = append(l.Dependencies, LockDep{
			Name:        d.Name,
			Requirement: d.Requirement,
			Pinned:      pinned,
		})
	}
	return l
}

// writeRuntimeMap emits the binary load-path map the launcher reads.
func (inst *Installer) writeRuntimeMap(resolved []gem.Artifact) error {
	m := inst.materializer()
	rt := make(loadmap.Map, len(resolved))
	for _, a := range resolved {
		inst.rememberCachedSpec(a)
		inst.mu.Lock()
		spec := inst.specs[a.FullName()]
		inst.mu.Unlock()
		if spec == nil {
			// Path sources resolve through their stub spec; anything
			// else missing here is a bug upstream in the plan.
			return errors.Errorf("no spec recorded for %s", a.FullName())
		}
		rt[a.Name] = loadmap.Entry{
			Version:   a.Version.String(),
			LoadPaths: m.LoadPaths(a, spec),
		}
	}
	return loadmap.Write(inst.projDirs.MapPath(), rt)
}
