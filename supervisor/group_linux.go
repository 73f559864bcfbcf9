// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package supervisor

import (
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// group on Linux is a set of process groups. Each worker leads its own
// group and receives SIGKILL from the kernel if the host dies.
//
// Pdeathsig fires when the forking OS thread exits, not the process, so
// every child is started from one spawner goroutine locked to its own
// thread. The caller's thread never matters. The spawner thread exits with
// the group.
type group struct {
	reqs chan startRequest
	done chan struct{}
	once sync.Once
}

type startRequest struct {
	cmd  *exec.Cmd
	errc chan error
}

func newGroup() (*group, error) {
	g := &group{
		reqs: make(chan startRequest),
		done: make(chan struct{}),
	}
	ready := make(chan struct{})
	go g.spawner(ready)
	<-ready
	return g, nil
}

// spawner never unlocks its thread, so the runtime terminates the thread
// when the goroutine returns.
func (g *group) spawner(ready chan<- struct{}) {
	runtime.LockOSThread()
	close(ready)
	for {
		select {
		case r := <-g.reqs:
			r.errc <- r.cmd.Start()
		case <-g.done:
			return
		}
	}
}

func (g *group) prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}

func (g *group) start(cmd *exec.Cmd) error {
	r := startRequest{cmd: cmd, errc: make(chan error, 1)}
	select {
	case g.reqs <- r:
	case <-g.done:
		return ErrDisposed
	}
	return <-r.errc
}

func (g *group) add(*Process) error { return nil }

func (g *group) close() error {
	g.once.Do(func() { close(g.done) })
	return nil
}

func killTree(p *Process) error {
	pid := p.Pid()
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return p.cmd.Process.Kill()
	}
	return nil
}
