// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the structured logging setup shared by every
// ticketflow component (C1-C5): a slog.Logger configured from environment
// variables, plus helpers for attaching the standard task/run/step fields.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug. It is used for very large payloads
// (raw webhook bodies, LLM prompts/responses) that should not appear even
// when LOG_LEVEL=debug is set.
const LevelTrace = slog.Level(-8)

// Standard field keys, kept consistent across C1-C5 so log lines are
// filterable per subsystem without repeating string literals at call sites.
const (
	TaskIDKey       = "task_id"
	RunIDKey        = "run_id"
	StepIDKey       = "step_id"
	ValidationIDKey = "validation_id"
	ComponentKey    = "component"
	DurationKey     = "duration_ms"
)

// Config holds logger configuration, sourced from environment variables
// recognized in spec.md §6 (LOG_LEVEL) plus a ticketflow-specific debug
// override.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sane defaults for production: info level, JSON
// output to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the process environment.
//
//   - TICKETFLOW_DEBUG: true/1 enables debug level plus source locations.
//   - LOG_LEVEL: trace, debug, info, warn, error (default info).
//   - LOG_FORMAT: json, text (default json).
func FromEnv() *Config {
	cfg := DefaultConfig()

	if debug := os.Getenv("TICKETFLOW_DEBUG"); debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	return cfg
}

// New builds a slog.Logger from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagged with the given component name
// ("webhook", "queue", "engine", "validation", "store").
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String(ComponentKey, component))
}

// WithTask returns a logger tagged with a task ID.
func WithTask(logger *slog.Logger, taskID int64) *slog.Logger {
	return logger.With(slog.Int64(TaskIDKey, taskID))
}

// WithRun returns a logger tagged with task and run IDs.
func WithRun(logger *slog.Logger, taskID, runID int64) *slog.Logger {
	return logger.With(slog.Int64(TaskIDKey, taskID), slog.Int64(RunIDKey, runID))
}

// WithStep returns a logger tagged with run and step identity.
func WithStep(logger *slog.Logger, runID int64, nodeName string) *slog.Logger {
	return logger.With(slog.Int64(RunIDKey, runID), slog.String(StepIDKey, nodeName))
}

// Trace logs at LevelTrace, gated independently of Debug so verbose payload
// dumps can stay off even under LOG_LEVEL=debug.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}

// SanitizeSecret fully redacts a sensitive value for logging.
func SanitizeSecret(string) string { return "[REDACTED]" }
