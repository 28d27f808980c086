// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level is the gateway log level scale used on the wire. It is wider than
// the process logger's scale: sessions pick a minimum level via
// logging/setLevel and the gateway forwards qualifying records as
// notifications/message.
type Level int8

// Gateway log levels, in ascending severity.
const (
	LevelDebug Level = iota
	LevelVerbose
	LevelInfo
	LevelNotice
	LevelWarning
	LevelError
	LevelCritical
	LevelAlert
	LevelEmergency
)

var levelNames = [...]string{
	LevelDebug:     "debug",
	LevelVerbose:   "verbose",
	LevelInfo:      "info",
	LevelNotice:    "notice",
	LevelWarning:   "warning",
	LevelError:     "error",
	LevelCritical:  "critical",
	LevelAlert:     "alert",
	LevelEmergency: "emergency",
}

// String returns the wire name of the level.
func (l Level) String() string {
	if l < LevelDebug || l > LevelEmergency {
		return fmt.Sprintf("level(%d)", int8(l))
	}
	return levelNames[l]
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l >= LevelDebug && l <= LevelEmergency
}

// Enabled reports whether a record at level l passes a session's minimum.
func (l Level) Enabled(minimum Level) bool {
	return l >= minimum
}

// Zap maps the gateway level onto the process logger's scale. Levels above
// error have no zap counterpart and collapse to error; the wire name is
// preserved separately on the record.
func (l Level) Zap() zapcore.Level {
	switch l {
	case LevelDebug, LevelVerbose:
		return zapcore.DebugLevel
	case LevelInfo, LevelNotice:
		return zapcore.InfoLevel
	case LevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// ParseLevel converts a wire name into a Level.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == name {
			return Level(l), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}
