// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"log/slog"
	"strings"
)

// LogLevel represents the severity of a client-directed log message.
type LogLevel string

const (
	// LogException marks the fault batch that terminates a response.
	LogException LogLevel = "EXCEPTION"
	LogError     LogLevel = "ERROR"
	LogWarn      LogLevel = "WARN"
	LogInfo      LogLevel = "INFO"
	LogDebug     LogLevel = "DEBUG"
	// LogTrace is the least severe level, used for fine-grained tracing.
	LogTrace LogLevel = "TRACE"
)

// logLevelPriority returns a numeric priority for log levels (lower = more severe).
func logLevelPriority(level LogLevel) int {
	switch level {
	case LogException:
		return 0
	case LogError:
		return 1
	case LogWarn:
		return 2
	case LogInfo:
		return 3
	case LogDebug:
		return 4
	case LogTrace:
		return 5
	default:
		return 6
	}
}

// ParseLogLevel accepts the wire names and the usual lower-case spellings
// ("debug", "info", "warning"). Unknown names map to LogInfo.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "EXCEPTION":
		return LogException
	case "ERROR":
		return LogError
	case "WARN", "WARNING":
		return LogWarn
	case "DEBUG":
		return LogDebug
	case "TRACE":
		return LogTrace
	default:
		return LogInfo
	}
}

// SlogLevel maps a wire level to the slog level used when the message is
// forwarded into a local logger.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogException, LogError:
		return slog.LevelError
	case LogWarn:
		return slog.LevelWarn
	case LogDebug, LogTrace:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// KV is a key-value pair for structured log extras.
type KV struct {
	Key   string
	Value string
}

// LogMessage represents a client-directed log message.
type LogMessage struct {
	Level   LogLevel
	Message string
	Extras  map[string]string
}
