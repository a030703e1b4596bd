// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logger provides the leveled, prefixable logger used throughout
// the autoscaler. It is backed by go.uber.org/zap; github.com/go-logr/zapr
// exposes the same backend as a logr.Logger for callers that want the
// generic interface instead of printf-style calls.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func parseLogLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled, prefixable logger backed by zap.
type Logger struct {
	atom    zap.AtomicLevel
	sugar   *zap.SugaredLogger
	prefix  string
}

// NewLogger creates a new Logger at the given level with the given prefix.
func NewLogger(levelStr string, prefix string) *Logger {
	atom := zap.NewAtomicLevel()
	atom.SetLevel(parseLogLevel(levelStr).zapLevel())

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.ConsoleSeparator = " "

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		atom,
	)

	zl := zap.New(core)
	return &Logger{atom: atom, sugar: zl.Sugar(), prefix: prefix}
}

// Global logger instance, initialized by Init.
var (
	Global     *Logger
	globalOnce sync.Once
)

// Init initializes the global logger at the given level.
func Init(levelStr string) {
	Global = NewLogger(levelStr, "")
}

func (l *Logger) withPrefix(format string) string {
	if l.prefix == "" {
		return format
	}
	return "[" + l.prefix + "] " + format
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(l.withPrefix(format), args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(l.withPrefix(format), args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(l.withPrefix(format), args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(l.withPrefix(format), args...)
}

// Success logs an info-level message marking a terminal success (a
// scale action landing, a deployment settling). Like Info, it is
// suppressed when the level is warn or error.
func (l *Logger) Success(format string, args ...interface{}) {
	l.sugar.Infof(l.withPrefix(format), args...)
}

// SetLevel changes the log level of an already-constructed logger.
func (l *Logger) SetLevel(levelStr string) {
	l.atom.SetLevel(parseLogLevel(levelStr).zapLevel())
}

// WithPrefix returns a copy of the logger scoped to prefix, sharing the
// same underlying zap core (and therefore the same atomic level).
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{atom: l.atom, sugar: l.sugar, prefix: prefix}
}

// Logr returns a logr.Logger view of this logger's zap backend, for
// callers that prefer the structured key-value interface over
// printf-style calls.
func (l *Logger) Logr() logr.Logger {
	return zapr.NewLogger(l.sugar.Desugar())
}

func getGlobal() *Logger {
	globalOnce.Do(func() {
		if Global == nil {
			Global = NewLogger("info", "")
		}
	})
	return Global
}

// Debug logs a debug message using the global logger.
func Debug(format string, args ...interface{}) { getGlobal().Debug(format, args...) }

// Info logs an info message using the global logger.
func Info(format string, args ...interface{}) { getGlobal().Info(format, args...) }

// Warn logs a warning message using the global logger.
func Warn(format string, args ...interface{}) { getGlobal().Warn(format, args...) }

// Error logs an error message using the global logger.
func Error(format string, args ...interface{}) { getGlobal().Error(format, args...) }

// Success logs a success message using the global logger.
func Success(format string, args ...interface{}) { getGlobal().Success(format, args...) }
