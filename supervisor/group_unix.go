// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build unix && !linux

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// group outside Linux has no parent-death signal: workers lead their own
// process group, which Dispose kills. A host that dies hard leaves the
// worker to notice its closed channels and exit.
type group struct{}

func newGroup() (*group, error) { return &group{}, nil }

func (g *group) prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (g *group) start(cmd *exec.Cmd) error { return cmd.Start() }

func (g *group) add(*Process) error { return nil }

func (g *group) close() error { return nil }

func killTree(p *Process) error {
	pid := p.Pid()
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return p.cmd.Process.Kill()
	}
	return nil
}
