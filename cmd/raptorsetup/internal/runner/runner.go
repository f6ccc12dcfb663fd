// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package runner schedules installation runs off the caller's goroutine.

At most one run is in flight per Runner. A Trigger while a run is active
is a no-op that logs a warning and returns ErrRunInProgress; it is never
queued and never cancels the active run.

Trigger returns as soon as the run is scheduled. The run itself executes
sequentially on one background goroutine, and subscribers receive its
events on that goroutine in order.
*/
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

// ErrRunInProgress is returned by Trigger while another run is active.
var ErrRunInProgress = errors.New("an installation is already running")

// Executor runs one installation to completion.
type Executor interface {
	Execute(ctx context.Context, cfg derive.EffectiveConfiguration, observe pipeline.Observer) *pipeline.Run
}

// Recorder persists finished runs.
type Recorder interface {
	Save(run *pipeline.Run) error
}

// Runner is the single-flight scheduler.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Runner struct {
	exec     Executor
	logger   *logging.Logger
	locker   process.Locker
	recorder Recorder
	sem      *semaphore.Weighted
	running  atomic.Bool

	mu          sync.Mutex
	current     *pipeline.Run
	last        *pipeline.Run
	subscribers map[int]pipeline.Observer
	nextID      int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLocker adds a cross-process lock held for the duration of each run.
func WithLocker(l process.Locker) Option {
	return func(r *Runner) { r.locker = l }
}

// WithRecorder persists every finished run.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// New creates a Runner around exec.
func New(exec Executor, opts ...Option) *Runner {
	r := &Runner{
		exec:        exec,
		logger:      logging.Nop(),
		sem:         semaphore.NewWeighted(1),
		subscribers: make(map[int]pipeline.Observer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger schedules a run against cfg and returns immediately.
//
// # Description
//
// cfg must already be validated; the runner does not re-check it. The
// run uses a context detached from ctx's cancellation so that a caller
// returning does not abort an installation half-way.
//
// # Outputs
//
//   - uuid.UUID: the ID the run will carry
//   - error: ErrRunInProgress, or *process.ErrLockHeld when another
//     process is installing
func (r *Runner) Trigger(ctx context.Context, cfg derive.EffectiveConfiguration) (uuid.UUID, error) {
	if !r.sem.TryAcquire(1) {
		r.logger.Warn("install trigger ignored: a run is already in progress")
		return uuid.Nil, ErrRunInProgress
	}
	if r.locker != nil {
		if err := r.locker.Acquire(); err != nil {
			r.sem.Release(1)
			r.logger.Warn("install trigger ignored: another installer holds the lock", "error", err.Error())
			return uuid.Nil, err
		}
	}

	r.running.Store(true)
	ids := make(chan uuid.UUID, 1)
	go func() {
		defer r.sem.Release(1)
		defer r.running.Store(false)
		if r.locker != nil {
			defer func() {
				if err := r.locker.Release(); err != nil {
					r.logger.Warn("failed to release install lock", "error", err.Error())
				}
			}()
		}
		r.execute(context.WithoutCancel(ctx), cfg, ids)
	}()
	return <-ids, nil
}

func (r *Runner) execute(ctx context.Context, cfg derive.EffectiveConfiguration, ids chan<- uuid.UUID) {
	sent := false
	defer func() {
		if !sent {
			ids <- uuid.Nil
		}
	}()

	run := r.exec.Execute(ctx, cfg, func(e pipeline.Event) {
		if !sent {
			ids <- e.RunID
			sent = true
		}
		r.track(e)
		r.publish(e)
	})

	r.mu.Lock()
	r.current = nil
	r.last = run.Clone()
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.Save(run); err != nil {
			r.logger.Warn("failed to record run", "run_id", run.ID.String(), "error", err.Error())
		}
	}
}

// track keeps Current up to date from the event stream.
func (r *Runner) track(e pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case pipeline.EventRunStarted:
		r.current = &pipeline.Run{ID: e.RunID, Status: e.RunStatus}
	case pipeline.EventStepStarted:
		if r.current != nil {
			r.current.Steps = append(r.current.Steps, e.Step)
		}
	case pipeline.EventStepFinished:
		if r.current != nil && len(r.current.Steps) > 0 {
			r.current.Steps[len(r.current.Steps)-1] = e.Step
		}
	case pipeline.EventRunFinished:
		if e.Run != nil {
			r.current = e.Run.Clone()
		}
	}
}

func (r *Runner) publish(e pipeline.Event) {
	r.mu.Lock()
	subs := make([]pipeline.Observer, 0, len(r.subscribers))
	for i := 0; i < r.nextID; i++ {
		if s, ok := r.subscribers[i]; ok {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()

	for _, s := range subs {
		s(e)
	}
}

// Subscribe registers obs for events of every future run. Observers are
// called in subscription order on the run goroutine and must not block.
func (r *Runner) Subscribe(obs pipeline.Observer) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = obs
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Events returns a channel fed from Subscribe. Events are dropped when the
// buffer is full. cancel unsubscribes and closes the channel.
func (r *Runner) Events(buffer int) (events <-chan pipeline.Event, cancel func()) {
	ch := make(chan pipeline.Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := r.Subscribe(func(e pipeline.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			r.logger.Debug("event dropped: subscriber buffer full", "kind", string(e.Kind))
		}
	})
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Current returns a snapshot of the in-flight run, or nil.
func (r *Runner) Current() *pipeline.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.Clone()
}

// Last returns the most recent finished run, or nil.
func (r *Runner) Last() *pipeline.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	return r.last.Clone()
}

// Wait blocks until the in-flight run, if any, has finished and been
// recorded.
func (r *Runner) Wait(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for installation: %w", err)
	}
	r.sem.Release(1)
	return nil
}
