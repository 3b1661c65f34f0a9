// Copyright (c) Contributors to the shifter-sub000 project.
// This software is licensed under a 3-clause BSD license. Please
// consult the LICENSE.md file distributed with the sources of this
// project regarding your rights to use or distribute this software.

// Package sylog provides leveled, environment-tunable logging for the
// runtime core: numeric levels, a single package logger writing to
// stderr, and a Fatalf that terminates the process, the only logging
// path the setuid orchestrator is allowed to use once it has begun
// mutating namespace/mount state.
package sylog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
)

type messageLevel int

const (
	FatalLevel messageLevel = iota - 1
	ErrorLevel
	WarnLevel
	LogLevel
	InfoLevel
	VerboseLevel
	Verbose2Level
	Verbose3Level
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel, Verbose2Level, Verbose3Level:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "?"
	}
}

var colorFn = map[messageLevel]func(format string, a ...interface{}) string{
	FatalLevel: color.New(color.FgRed, color.Bold).SprintfFunc(),
	ErrorLevel: color.New(color.FgRed).SprintfFunc(),
	WarnLevel:  color.New(color.FgYellow).SprintfFunc(),
}

var loggerLevel = InfoLevel

func init() {
	if v := os.Getenv("UDI_MESSAGELEVEL"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			loggerLevel = messageLevel(l)
		}
	}
}

func emit(level messageLevel, format string, a ...interface{}) {
	if level > loggerLevel {
		return
	}
	line := fmt.Sprintf("%-8s %s", level.String()+":", fmt.Sprintf(format, a...))
	if fn, ok := colorFn[level]; ok && color.NoColor == false {
		line = fn("%s", line)
	}
	fmt.Fprintln(os.Stderr, line)
}

// Fatalf logs a fatal diagnostic naming the failing operation and
// terminates the process. No user-controlled code runs after this call
// returns, because it never returns.
func Fatalf(format string, a ...interface{}) {
	emit(FatalLevel, format, a...)
	os.Exit(255)
}

// SetVerbose raises the logger level to VerboseLevel when enabled is
// true; it leaves UDI_MESSAGELEVEL's setting alone otherwise.
func SetVerbose(enabled bool) {
	if enabled && loggerLevel < VerboseLevel {
		loggerLevel = VerboseLevel
	}
}

// Errorf logs a non-fatal error-level diagnostic.
func Errorf(format string, a ...interface{}) {
	emit(ErrorLevel, format, a...)
}

// Warningf logs a warning-level diagnostic.
func Warningf(format string, a ...interface{}) {
	emit(WarnLevel, format, a...)
}

// Infof logs an info-level diagnostic.
func Infof(format string, a ...interface{}) {
	emit(InfoLevel, format, a...)
}

// Verbosef logs a verbose-level diagnostic.
func Verbosef(format string, a ...interface{}) {
	emit(VerboseLevel, format, a...)
}

// Debugf logs a debug-level diagnostic.
func Debugf(format string, a ...interface{}) {
	emit(DebugLevel, format, a...)
}
