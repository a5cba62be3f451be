// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/scintlabs/scint"
	"github.com/scintlabs/scint/internal/session"
)

// progressObserver renders scheduler events as a terminal progress
// bar. The session only ever calls the observer interface; it never
// reaches back in.
type progressObserver struct {
	ctx *scint.Ctx

	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	total int64
}

func newProgressObserver(ctx *scint.Ctx) session.Observer {
	if ctx.Verbose {
		// Verbose runs log lines instead of redrawing a bar.
		return &verboseObserver{ctx: ctx}
	}
	return &progressObserver{ctx: ctx}
}

func (p *progressObserver) OnEnqueue(j *session.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	if p.bar == nil {
		p.bar = progressbar.NewOptions64(p.total,
			progressbar.OptionSetDescription("installing"),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetPredictTime(false),
		)
		return
	}
	p.bar.ChangeMax64(p.total)
}

func (p *progressObserver) OnStart(j *session.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Describe(j.Phase + " " + j.Name)
	}
}

func (p *progressObserver) OnComplete(j *session.Job) { p.bump() }
func (p *progressObserver) OnFail(j *session.Job)     { p.bump() }

func (p *progressObserver) bump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Add(1)
	}
}

// verboseObserver logs every transition.
type verboseObserver struct {
	ctx *scint.Ctx
}

func (v *verboseObserver) OnEnqueue(j *session.Job) {}

func (v *verboseObserver) OnStart(j *session.Job) {
	v.ctx.Err.Printf("-> %s %s", j.Phase, j.Name)
}

func (v *verboseObserver) OnComplete(j *session.Job) {
	v.ctx.Err.Printf("ok %s %s", j.Phase, j.Name)
}

func (v *verboseObserver) OnFail(j *session.Job) {
	v.ctx.Err.Printf("FAIL %s %s: %v", j.Phase, j.Name, j.Err)
}
