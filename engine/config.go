// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Query-farm/reportbridge/rpc"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCloseGrace       = 3 * time.Second
)

// Config describes how an Engine starts and talks to its worker.
type Config struct {
	// WorkerPath is the worker executable, absolute or looked up in PATH.
	WorkerPath string `yaml:"worker_path"`
	// WorkerArgs are passed to the worker before the channel flags.
	WorkerArgs []string `yaml:"worker_args"`
	// WorkerEnv holds KEY=VALUE pairs added to the worker environment.
	WorkerEnv []string `yaml:"worker_env"`
	// SocketDir holds the channel endpoints. Empty means the OS temp dir.
	SocketDir string `yaml:"socket_dir"`
	// HandshakeTimeout bounds the lazy start: spawn, both channel
	// connections and the handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// CloseGrace is how long Close waits for the worker to exit on its own
	// before killing it.
	CloseGrace time.Duration `yaml:"close_grace"`
	// CallTimeout bounds every remote call. Zero means no limit beyond the
	// caller's context.
	CallTimeout     time.Duration `yaml:"call_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogDir          string        `yaml:"log_dir"`
	CompressExports bool          `yaml:"compress_exports"`
	DebugFaults     bool          `yaml:"debug_faults"`
	// Trace makes the worker write OpenTelemetry traces next to its log.
	Trace bool `yaml:"trace"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading engine config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing engine config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.WorkerPath) == "" {
		return errors.New("engine: worker_path is required")
	}
	if c.HandshakeTimeout < 0 || c.CloseGrace < 0 || c.CallTimeout < 0 {
		return errors.New("engine: timeouts must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.LogLevel == "" {
		c.LogLevel = string(rpc.LogInfo)
	}
	return c
}

// workerArgs builds the worker command line for one session.
func (c Config) workerArgs(primary, callback string) []string {
	args := append([]string(nil), c.WorkerArgs...)
	args = append(args,
		"--primary", primary,
		"--callback", callback,
		"--log-level", string(rpc.ParseLogLevel(c.LogLevel)),
		"--connect-timeout", c.HandshakeTimeout.String(),
	)
	if c.SocketDir != "" {
		args = append(args, "--socket-dir", c.SocketDir)
	}
	if c.LogDir != "" {
		args = append(args, "--log-dir", c.LogDir)
	}
	if c.CompressExports {
		args = append(args, "--compress-exports")
	}
	if c.DebugFaults {
		args = append(args, "--debug-faults")
	}
	if c.Trace {
		args = append(args, "--trace")
	}
	return args
}
