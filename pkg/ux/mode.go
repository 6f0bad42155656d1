// Copyright (C) 2025 RoadVLM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the RoadVLM CLI.
package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// OutputMode defines the verbosity and richness of CLI output.
type OutputMode string

const (
	// ModeRich enables colors, icons, and boxed output.
	ModeRich OutputMode = "rich"

	// ModeMinimal uses icons and basic formatting only.
	ModeMinimal OutputMode = "minimal"

	// ModeMachine outputs plain text suitable for scripting and parsing.
	ModeMachine OutputMode = "machine"
)

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// GetMode returns the current output mode.
func GetMode() OutputMode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode updates the current output mode.
func SetMode(m OutputMode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a string to an OutputMode. Unknown values map to
// ModeRich.
func ParseMode(s string) OutputMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// InitMode initializes the output mode from the environment. The
// ROADVLM_OUTPUT variable wins; otherwise non-TTY stdout selects machine
// mode so piped output stays parseable.
func InitMode() {
	if env := os.Getenv("ROADVLM_OUTPUT"); env != "" {
		SetMode(ParseMode(env))
		return
	}
	if !isTerminal() {
		SetMode(ModeMachine)
		return
	}
	SetMode(ModeRich)
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive returns true if interactive prompts should be shown.
func IsInteractive() bool {
	return GetMode() != ModeMachine && isTerminal()
}

// ShouldShowProgress returns true if progress indicators should be shown.
func ShouldShowProgress() bool {
	return GetMode() != ModeMachine
}
