// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package supervisor starts worker processes and guarantees they do not
// outlive their host.
//
// Every spawned process joins the supervisor's cascade group: a job object
// that kills its members when its last handle closes on Windows, a process
// group plus parent-death signal on Linux, and a process group on other Unix
// systems. [Supervisor.Dispose] tears the group down exactly once.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSpawnFailed is returned when a worker process cannot be started.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrExecutableNotFound is returned alongside ErrSpawnFailed when the
	// worker executable does not exist.
	ErrExecutableNotFound = errors.New("executable not found")
	// ErrDisposed is returned by Spawn and Track after Dispose.
	ErrDisposed = errors.New("supervisor disposed")
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger that receives lifecycle events and forwarded
// worker stderr.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnv appends KEY=VALUE pairs to the environment of spawned processes.
func WithEnv(env []string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

// WithStderr copies raw worker stderr to w in addition to the logger.
func WithStderr(w io.Writer) Option {
	return func(s *Supervisor) { s.stderr = w }
}

// Supervisor owns a cascade group and the processes tracked in it.
type Supervisor struct {
	logger *slog.Logger
	env    []string
	stderr io.Writer

	mu       sync.Mutex
	group    *group
	procs    []*Process
	disposed bool
}

// New creates a supervisor and its cascade group.
func New(opts ...Option) (*Supervisor, error) {
	s := &Supervisor{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	g, err := newGroup()
	if err != nil {
		return nil, fmt.Errorf("creating process group: %w", err)
	}
	s.group = g
	return s, nil
}

// Spawn starts path with args and tracks the new process.
func (s *Supervisor) Spawn(path string, args []string) (*Process, error) {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, ErrDisposed)
	}

	resolved, err := resolveExecutable(path)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(resolved, args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.WaitDelay = time.Second
	s.group.prepare(cmd)

	p := newProcess(cmd)
	p.stderr = &lineLogger{logger: s.logger, tee: s.stderr}
	cmd.Stderr = p.stderr

	if err := s.group.start(cmd); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", ErrSpawnFailed, path, err)
	}
	p.stderr.setPID(cmd.Process.Pid)
	go p.wait()

	if err := s.Track(p); err != nil {
		_ = p.Kill()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	s.logger.Info("worker spawned", "path", resolved, "pid", p.Pid())
	return p, nil
}

// resolveExecutable checks that path names an existing executable, looking
// it up in PATH when it has no directory component.
func resolveExecutable(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: %w: empty path", ErrSpawnFailed, ErrExecutableNotFound)
	}
	if !strings.ContainsAny(path, `/\`) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%w: %w: %s", ErrSpawnFailed, ErrExecutableNotFound, path)
		}
		return resolved, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %w: %s", ErrSpawnFailed, ErrExecutableNotFound, path)
		}
		return "", fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %w: %s is a directory", ErrSpawnFailed, ErrExecutableNotFound, path)
	}
	return path, nil
}

// Track attaches a started process to the cascade group. The group only
// grows; processes are never removed from it.
func (s *Supervisor) Track(p *Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if err := s.group.add(p); err != nil {
		return fmt.Errorf("tracking pid %d: %w", p.Pid(), err)
	}
	s.procs = append(s.procs, p)
	return nil
}

// Processes returns the tracked processes.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Dispose kills every tracked process that is still running and releases the
// group. Only the first call does anything.
func (s *Supervisor) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	procs := s.procs
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if p.Exited() {
			continue
		}
		s.logger.Info("killing worker", "pid", p.Pid())
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.group.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Process is a spawned worker.
type Process struct {
	cmd    *exec.Cmd
	stderr *lineLogger
	done   chan struct{}

	// set before done is closed
	err      error
	exitCode int
}

func newProcess(cmd *exec.Cmd) *Process {
	return &Process{cmd: cmd, done: make(chan struct{}), exitCode: -1}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stderr.flush()
	p.err = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	close(p.done)
}

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx ends. It returns the process's
// exit error, or ctx's error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.exitCode
}

// Kill terminates the process and everything in its process group.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	err := killTree(p)
	if err != nil && p.Exited() {
		return nil
	}
	return err
}
