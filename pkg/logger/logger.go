// Package logger provides a package-level structured logger used throughout
// the gateway, backed by log/slog. It defaults to a human-readable text
// handler (UNSTRUCTURED_LOGS unset, unparsable, or true), matching local-dev
// expectations, and switches to JSON output (suitable for log aggregation)
// when UNSTRUCTURED_LOGS is false.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *slog.Logger {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(v)); err == nil {
			level = parsed
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if unstructuredLogs(os.Getenv) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// unstructuredLogs reports whether human-readable (text) logging should be
// used. Defaults to true: most developers running vmcp locally want text,
// not JSON, on their terminal.
func unstructuredLogs(getenv func(string) string) bool {
	v := getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Initialize (re)builds the singleton logger from the current environment.
// Safe to call multiple times; cmd/vmcp's main calls it once per CLI
// invocation.
func Initialize() {
	singleton.Store(newDefault())
}

// L returns the current singleton *slog.Logger, for code that wants direct
// slog access (e.g. to attach to an http.Server's BaseContext).
func L() *slog.Logger { return singleton.Load() }

// Debug logs msg at debug level.
func Debug(msg string) { L().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { L().Debug(fmt.Sprintf(format, args...)) }

// Debugw logs msg with structured key/value pairs at debug level.
func Debugw(msg string, kv ...any) { L().Debug(msg, kv...) }

// Info logs msg at info level.
func Info(msg string) { L().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { L().Info(fmt.Sprintf(format, args...)) }

// Infow logs msg with structured key/value pairs at info level.
func Infow(msg string, kv ...any) { L().Info(msg, kv...) }

// Warn logs msg at warn level.
func Warn(msg string) { L().Warn(msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { L().Warn(fmt.Sprintf(format, args...)) }

// Warnw logs msg with structured key/value pairs at warn level.
func Warnw(msg string, kv ...any) { L().Warn(msg, kv...) }

// Error logs msg at error level.
func Error(msg string) { L().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { L().Error(fmt.Sprintf(format, args...)) }

// Errorw logs msg with structured key/value pairs at error level.
func Errorw(msg string, kv ...any) { L().Error(msg, kv...) }

// Panic logs msg at error level, then panics with it.
func Panic(msg string) {
	L().Error(msg)
	panic(msg)
}

// Panicf logs a formatted message at error level, then panics with it.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	L().Error(msg)
	panic(msg)
}

// Panicw logs msg with key/value pairs at error level, then panics with it.
func Panicw(msg string, kv ...any) {
	L().Error(msg, kv...)
	panic(msg)
}
