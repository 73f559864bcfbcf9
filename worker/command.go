// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Query-farm/reportbridge/rpc"
)

// ExitStandalone is the exit code used when the worker is started by hand.
const ExitStandalone = 2

// NewCommand builds the worker command line around renderer.
func NewCommand(renderer Renderer) *cobra.Command {
	var (
		cfg      Config
		logLevel string
		trace    bool
	)
	cmd := &cobra.Command{
		Use:           filepath.Base(os.Args[0]),
		Short:         "reportbridge rendering worker",
		Long:          "Hosts a rendering engine for a reportbridge host process. It is started by the host and is not meant to run standalone.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			cfg.LogLevel = rpc.ParseLogLevel(logLevel)

			logger, closeLog, err := openLog(cfg.LogDir, cfg.LogLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()
			cfg.Logger = logger

			if trace {
				hook, shutdown, err := setupTracing(cfg.LogDir, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Warn("flushing telemetry", "err", err)
					}
				}()
				cfg.DispatchHook = hook
			}

			d, err := New(cfg, renderer)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "err", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.PrimaryChannel, "primary", "", "primary channel name (host listens)")
	f.StringVar(&cfg.CallbackChannel, "callback", "", "callback channel name (worker listens)")
	f.StringVar(&cfg.SocketDir, "socket-dir", "", "directory holding the channel endpoints")
	f.StringVar(&logLevel, "log-level", string(rpc.LogInfo), "minimum log level (EXCEPTION, ERROR, WARN, INFO, DEBUG, TRACE)")
	f.StringVar(&cfg.LogDir, "log-dir", "", "directory for the worker log file; stderr when empty")
	f.BoolVar(&trace, "trace", false, "write OpenTelemetry traces and metrics next to the log file")
	f.BoolVar(&cfg.CompressExports, "compress-exports", false, "store stream exports zstd-compressed")
	f.BoolVar(&cfg.DebugFaults, "debug-faults", false, "include stack traces in faults")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", DefaultConnectTimeout, "how long to wait for the host")
	return cmd
}

// Main runs the worker command and exits the process with its status.
func Main(renderer Renderer) {
	os.Exit(Execute(context.Background(), renderer, os.Args[1:], os.Stderr))
}

// Execute runs the worker command with args and returns the exit code.
func Execute(ctx context.Context, renderer Renderer, args []string, stderr io.Writer) int {
	cmd := NewCommand(renderer)
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrStandalone):
		fmt.Fprintln(stderr, err)
		return ExitStandalone
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

// openLog returns the worker logger: JSON into
// <dir>/reportbridge-worker-<pid>.log, or text on stderr without a dir.
func openLog(dir string, level rpc.LogLevel, stderr io.Writer) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{
		Level: level.SlogLevel(),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}
	if dir == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	path := LogFile(dir, os.Getpid())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, opts)).With("pid", os.Getpid())
	return logger, func() { _ = f.Close() }, nil
}

// LogFile returns the log file path for a worker process.
func LogFile(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("reportbridge-worker-%d.log", pid))
}
