// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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

// Package slog is a small source-tagged, level-filtered logger in the
// style of the teacher's pkg/log, trimmed to the handful of sources this
// module needs: there is no gRPC bridge and no signal-driven debug toggle
// registry here, since those exist in the teacher to serve a long-running
// daemon with dozens of subsystems and this library has four.
package slog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "D"
	case LevelInfo:
		return "I"
	case LevelWarn:
		return "W"
	case LevelError:
		return "E"
	default:
		return "?"
	}
}

// Logger produces log messages tagged with a source name.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	// DebugEnabled checks whether debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
}

// sourceLogger implements Logger for a single named source.
type sourceLogger struct {
	source string
}

var (
	mu      sync.RWMutex
	sources = map[string]*sourceLogger{}

	debug   bool
	backend = log.New(os.Stderr, "", log.LstdFlags)
)

func init() {
	flag.BoolVar(&debug, "spindle-debug", false, "enable spindle debug logging")
}

// New returns the Logger for the given source, creating it on first use.
func New(source string) Logger {
	mu.Lock()
	defer mu.Unlock()

	l, ok := sources[source]
	if !ok {
		l = &sourceLogger{source: source}
		sources[source] = l
	}
	return l
}

// SetDebug enables or disables debug-level logging globally, overriding
// whatever the -spindle-debug flag parsed to. Intended for tests.
func SetDebug(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debug = enabled
}

func (l *sourceLogger) Source() string { return l.source }

func (l *sourceLogger) DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debug
}

func (l *sourceLogger) emit(level Level, format string, args ...interface{}) {
	if level == LevelDebug && !l.DebugEnabled() {
		return
	}
	backend.Output(3, fmt.Sprintf("[%s] %s: %s", l.source, level, fmt.Sprintf(format, args...))) //nolint:errcheck
}

func (l *sourceLogger) Debug(format string, args ...interface{}) { l.emit(LevelDebug, format, args...) }
func (l *sourceLogger) Info(format string, args ...interface{})  { l.emit(LevelInfo, format, args...) }
func (l *sourceLogger) Warn(format string, args ...interface{})  { l.emit(LevelWarn, format, args...) }
func (l *sourceLogger) Error(format string, args ...interface{}) { l.emit(LevelError, format, args...) }
