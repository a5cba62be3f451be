// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the install session: a phase-aware job
// scheduler over a bounded pool of worker goroutines, with follow-up
// chaining, fail-fast draining, and per-phase accounting.
package session

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sdboyer/constext"
)

// JobState is the lifecycle position of a job.
type JobState int

const (
	Pending JobState = iota
	Running
	Completed
	Failed
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// A Payload is the work a job performs.
type Payload func(ctx context.Context) (interface{}, error)

// A FollowUp runs inside the worker after the job's terminal state is
// set; it may enqueue further jobs. It happens-before any observer of
// the terminal state through the session's wait calls.
type FollowUp func(j *Job)

// A Job is owned exclusively by the session from enqueue to terminal
// state.
type Job struct {
	ID    int64
	Name  string
	Phase string

	state    JobState
	payload  Payload
	followUp FollowUp

	Result interface{}
	Err    error
}

// State returns the job's current state. Stable once terminal.
func (j *Job) State() JobState { return j.state }

// ErrAborted marks jobs drained without execution under fail-fast.
var ErrAborted = errors.New("aborted: a prior job failed")

// Observer receives scheduler events; the terminal progress reporter
// implements it. The session never reaches back into the reporter.
type Observer interface {
	OnEnqueue(j *Job)
	OnStart(j *Job)
	OnComplete(j *Job)
	OnFail(j *Job)
}

type nopObserver struct{}

func (nopObserver) OnEnqueue(*Job)  {}
func (nopObserver) OnStart(*Job)    {}
func (nopObserver) OnComplete(*Job) {}
func (nopObserver) OnFail(*Job)     {}

// PhaseStats counts a phase's jobs.
type PhaseStats struct {
	Total     int
	Completed int
	Failed    int
}

// Done reports whether every enqueued job of the phase is terminal.
func (p PhaseStats) Done() bool { return p.Completed+p.Failed == p.Total }

// workerCap is the hard ceiling for ScaleWorkers.
func workerCap() int {
	cap := 2 * runtime.NumCPU()
	if cap > 50 {
		cap = 50
	}
	return cap
}

// A Session owns the worker pool and job table for one install run.
type Session struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Job // FIFO ready queue; nil entries are poison tokens
	jobs     map[int64]*Job
	phases   map[string]*PhaseStats
	errs     []error
	nextID   int64
	workers  int
	aborted  bool
	failFast bool
	started  bool
	stopped  bool

	observer Observer
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds an idle session. obs may be nil.
func New(obs Observer) *Session {
	if obs == nil {
		obs = nopObserver{}
	}
	s := &Session{
		jobs:     make(map[int64]*Job),
		phases:   make(map[string]*PhaseStats),
		observer: obs,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start spins up the worker pool. The session context merges the
// caller's context with the session's own shutdown context, so either
// cancels in-flight payloads.
func (s *Session) Start(ctx context.Context, maxWorkers int, failFast bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if cap := workerCap(); maxWorkers > cap {
		maxWorkers = cap
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	merged, _ := constext.Cons(ctx, shutdownCtx)
	s.ctx = merged
	s.cancel = cancel
	s.failFast = failFast
	s.started = true

	for i := 0; i < maxWorkers; i++ {
		s.spawnLocked()
	}
	return nil
}

// ScaleWorkers grows the pool to target. It never shrinks and is safe
// to call from any goroutine, including follow-ups.
func (s *Session) ScaleWorkers(target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return
	}
	if cap := workerCap(); target > cap {
		target = cap
	}
	for s.workers < target {
		s.spawnLocked()
	}
}

func (s *Session) spawnLocked() {
	s.workers++
	s.wg.Add(1)
	go s.work()
}

// Enqueue registers a job; it is runnable immediately. followUp may be
// nil.
func (s *Session) Enqueue(phase, name string, payload Payload, followUp FollowUp) int64 {
	s.mu.Lock()
	s.nextID++
	j := &Job{
		ID:       s.nextID,
		Name:     name,
		Phase:    phase,
		payload:  payload,
		followUp: followUp,
	}
	s.jobs[j.ID] = j
	ps := s.phases[phase]
	if ps == nil {
		ps = &PhaseStats{}
		s.phases[phase] = ps
	}
	ps.Total++
	s.queue = append(s.queue, j)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.observer.OnEnqueue(j)
	return j.ID
}

// work is the worker loop: pop, run, record, chain.
func (s *Session) work() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.cond.Wait()
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		if j == nil {
			// Poison token.
			s.mu.Unlock()
			return
		}
		if s.aborted && s.failFast {
			// Drain without executing.
			j.state = Failed
			j.Err = ErrAborted
			s.finishLocked(j)
			s.mu.Unlock()
			s.observer.OnFail(j)
			continue
		}
		j.state = Running
		ctx := s.ctx
		s.mu.Unlock()

		s.observer.OnStart(j)
		result, err := runPayload(ctx, j.payload)

		// Terminal state is set, then the follow-up runs inside this
		// worker, and only then do the wait counters observe the job.
		if err != nil {
			j.state = Failed
			j.Err = err
		} else {
			j.state = Completed
			j.Result = result
		}
		if j.followUp != nil {
			j.followUp(j)
		}

		s.mu.Lock()
		if err != nil {
			s.errs = append(s.errs, errors.Wrap(err, j.Name))
			if s.failFast {
				s.aborted = true
			}
		}
		s.finishLocked(j)
		s.mu.Unlock()

		if err != nil {
			s.observer.OnFail(j)
		} else {
			s.observer.OnComplete(j)
		}
	}
}

// runPayload confines a payload panic to a job failure; jobs never
// throw through the scheduler boundary.
func runPayload(ctx context.Context, p Payload) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job panic: %v", r)
		}
	}()
	return p(ctx)
}

// finishLocked updates phase counters and wakes waiters. Callers hold
// the mutex.
func (s *Session) finishLocked(j *Job) {
	ps := s.phases[j.Phase]
	if j.state == Failed {
		ps.Failed++
	} else {
		ps.Completed++
	}
	s.cond.Broadcast()
}

// WaitFor blocks until every job enqueued under phase is terminal,
// establishing a happens-before boundary for the next phase. Under
// fail-fast abort it returns as soon as the queue has drained.
func (s *Session) WaitFor(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		ps := s.phases[phase]
		if ps == nil || ps.Done() {
			return
		}
		s.cond.Wait()
	}
}

// WaitAll blocks until every enqueued job is terminal.
func (s *Session) WaitAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		done := true
		for _, ps := range s.phases {
			if !ps.Done() {
				done = false
				break
			}
		}
		if done {
			return
		}
		s.cond.Wait()
	}
}

// Aborted reports whether fail-fast tripped.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Stats snapshots the per-phase counters.
func (s *Session) Stats() map[string]PhaseStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PhaseStats, len(s.phases))
	for phase, ps := range s.phases {
		out[phase] = *ps
	}
	return out
}

// Errs returns the captured job errors in completion order. Drained
// jobs are not errors; only executed failures appear.
func (s *Session) Errs() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Job returns the job table entry for id.
func (s *Session) Job(id int64) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Shutdown stops the pool: one poison token per worker, join, cancel
// the session context. Idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for i := 0; i < s.workers; i++ {
		s.queue = append(s.queue, nil)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}
