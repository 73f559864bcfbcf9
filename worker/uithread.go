// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// ErrUIThreadStopped is returned by Do after Stop.
var ErrUIThreadStopped = errors.New("ui thread stopped")

// UIThread runs functions on a single goroutine locked to one OS thread.
// Rendering engines with thread affinity are only ever touched from it.
type UIThread struct {
	jobs    chan *uiJob
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type uiJob struct {
	fn   func()
	done chan struct{}
	err  error
}

// NewUIThread starts the UI thread.
func NewUIThread() *UIThread {
	t := &UIThread{
		jobs:    make(chan *uiJob),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *UIThread) loop() {
	runtime.LockOSThread()
	defer close(t.stopped)
	for {
		select {
		case job := <-t.jobs:
			job.run()
		case <-t.stop:
			return
		}
	}
}

func (j *uiJob) run() {
	defer close(j.done)
	defer func() {
		if rv := recover(); rv != nil {
			j.err = fmt.Errorf("ui thread panic: %v\n%s", rv, debug.Stack())
		}
	}()
	j.fn()
}

// Do runs fn on the UI thread and waits for it. If ctx ends before fn
// starts, fn is skipped and ctx's error returned; once fn has started Do
// waits for it to finish. A panic in fn is returned as an error.
func (t *UIThread) Do(ctx context.Context, fn func()) error {
	job := &uiJob{fn: fn, done: make(chan struct{})}
	select {
	case t.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stop:
		return ErrUIThreadStopped
	}
	<-job.done
	return job.err
}

// Stop ends the UI thread after the running function returns.
func (t *UIThread) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.stopped
}
