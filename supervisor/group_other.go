// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

//go:build !unix && !windows

package supervisor

import "os/exec"

// group is a no-op where the platform has neither job objects nor process
// groups. Dispose still kills each tracked process directly.
type group struct{}

func newGroup() (*group, error) { return &group{}, nil }

func (g *group) prepare(*exec.Cmd) {}

func (g *group) start(cmd *exec.Cmd) error { return cmd.Start() }

func (g *group) add(*Process) error { return nil }

func (g *group) close() error { return nil }

func killTree(p *Process) error {
	return p.cmd.Process.Kill()
}
