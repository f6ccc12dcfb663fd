// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode controls how rich the terminal output is.
type Mode string

const (
	// ModeRich enables colors, icons, boxes and interactive views.
	ModeRich Mode = "rich"

	// ModeMinimal keeps icons but drops colors and interactive views.
	ModeMinimal Mode = "minimal"

	// ModeMachine prints plain prefixed lines suitable for scripts.
	ModeMachine Mode = "machine"
)

// OutputEnv overrides terminal detection when set.
const OutputEnv = "RAPTORSETUP_OUTPUT"

var (
	stateMu     sync.RWMutex
	currentMode = ModeRich
	out         io.Writer = os.Stdout
	errOut      io.Writer = os.Stderr
)

// GetMode returns the current output mode.
func GetMode() Mode {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return currentMode
}

// SetMode sets the output mode.
func SetMode(m Mode) {
	stateMu.Lock()
	defer stateMu.Unlock()
	currentMode = m
}

// SetOutput redirects normal and diagnostic output. Nil leaves a stream
// unchanged.
func SetOutput(stdout, stderr io.Writer) {
	stateMu.Lock()
	defer stateMu.Unlock()
	if stdout != nil {
		out = stdout
	}
	if stderr != nil {
		errOut = stderr
	}
}

func writers() (io.Writer, io.Writer) {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return out, errOut
}

// ParseMode converts a string to a Mode. Unknown values select ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "plain":
		return ModeMinimal
	case "machine", "quiet", "json":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks a mode from the environment and whether f is a
// terminal. Piped output gets ModeMachine.
func DetectMode(f *os.File) Mode {
	if v := os.Getenv(OutputEnv); v != "" {
		return ParseMode(v)
	}
	if !IsTerminal(f) {
		return ModeMachine
	}
	return ModeRich
}

// IsTerminal reports whether f is an interactive terminal, including
// Cygwin and MSYS pseudo terminals.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether interactive views (progress TUI, forms)
// may be shown.
func IsInteractive() bool {
	return GetMode() == ModeRich && IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}
