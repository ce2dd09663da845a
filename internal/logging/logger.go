/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the leveled logger shared by the shmbus packages.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var levelNames = []string{"trace", "debug", "info", "warn", "error", "none"}

// Logger writes leveled, structured records under a component name.
type Logger struct {
	name string
	z    *zap.SugaredLogger
}

var (
	level     atomic.Int32
	debugMode bool

	// Internal is the default logger used when a component is given none.
	Internal *Logger
)

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv("SHMBUS_LOG_LEVEL"); v != "" {
		if l, ok := ParseLevel(v); ok {
			level.Store(int32(l))
		}
	}
	if os.Getenv("SHMBUS_DEBUG_MODE") != "" {
		debugMode = true
	}
	Internal = NewWithWriter("", os.Stdout)
}

// SetLogLevel changes the level of every logger. The default level is Warn and
// SHMBUS_LOG_LEVEL overrides it at start-up.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// GetLogLevel returns the current level.
func GetLogLevel() int {
	return int(level.Load())
}

// SetDebugMode switches new loggers to the colored console encoder.
func SetDebugMode(on bool) {
	debugMode = on
}

// ParseLevel accepts either the numeric level or its name.
func ParseLevel(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		if n >= LevelTrace && n <= LevelNoPrint {
			return n, true
		}
		return 0, false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	for i, name := range levelNames {
		if name == s {
			return i, true
		}
	}
	return 0, false
}

// New returns a logger writing to stdout.
func New(name string) *Logger {
	return NewWithWriter(name, os.Stdout)
}

// NewWithWriter returns a logger writing to out. A nil out means stdout.
func NewWithWriter(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	core := zapcore.NewCore(encoder(debugMode), zapcore.AddSync(out), zapcore.DebugLevel)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if name != "" {
		z = z.Named(name)
	}
	return &Logger{name: name, z: z.Sugar()}
}

// Named returns a child logger with name appended.
func (l *Logger) Named(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &Logger{name: full, z: l.z.Named(name)}
}

// With returns a logger carrying the given key/value pairs on every record.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{name: l.name, z: l.z.With(kv...)}
}

// Sync flushes buffered records.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	if enabled(LevelError) {
		l.z.Errorf(format, a...)
	}
}

func (l *Logger) Error(v interface{}) {
	if enabled(LevelError) {
		l.z.Error(v)
	}
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	if enabled(LevelWarn) {
		l.z.Warnf(format, a...)
	}
}

func (l *Logger) Infof(format string, a ...interface{}) {
	if enabled(LevelInfo) {
		l.z.Infof(format, a...)
	}
}

func (l *Logger) Info(v interface{}) {
	if enabled(LevelInfo) {
		l.z.Info(v)
	}
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	if enabled(LevelDebug) {
		l.z.Debugf(format, a...)
	}
}

// Tracef logs at zap's debug level with a trace marker; zap has no trace level.
func (l *Logger) Tracef(format string, a ...interface{}) {
	if enabled(LevelTrace) {
		l.z.With("trace", true).Debugf(format, a...)
	}
}

func enabled(l int) bool {
	return int32(l) >= level.Load()
}

func encoder(development bool) zapcore.Encoder {
	if development {
		return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	}
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}
