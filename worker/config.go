// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Query-farm/reportbridge/rpc"
)

// DefaultConnectTimeout bounds how long Run waits for the host to connect.
const DefaultConnectTimeout = 30 * time.Second

// Config is everything a Dispatcher needs. It is passed explicitly; the
// worker keeps no global state.
type Config struct {
	// PrimaryChannel is the channel name the host listens on.
	PrimaryChannel string
	// CallbackChannel is the channel name the worker listens on.
	CallbackChannel string
	// SocketDir holds the channel endpoints. Empty means the OS temp dir.
	SocketDir string
	LogLevel  rpc.LogLevel
	// LogDir, when set, receives the worker log file. Used by the CLI.
	LogDir         string
	Logger         *slog.Logger
	DispatchHook   rpc.DispatchHook
	DebugFaults    bool
	ConnectTimeout time.Duration
	// CompressExports stores stream exports as zstd segments.
	CompressExports bool
}

// ErrStandalone is returned when the worker is started without both channel
// names, i.e. not by a host.
var ErrStandalone = errors.New("not meant to run standalone: start this program through a reportbridge host")

func (c *Config) validate() error {
	if c.PrimaryChannel == "" || c.CallbackChannel == "" {
		return ErrStandalone
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.LogLevel == "" {
		out.LogLevel = rpc.LogInfo
	}
	return out
}
