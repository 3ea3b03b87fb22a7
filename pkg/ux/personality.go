// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level defines the richness of CLI output.
type Level string

const (
	// LevelStandard enables colors, icons and boxes.
	LevelStandard Level = "standard"

	// LevelMinimal uses icons without colors or boxes.
	LevelMinimal Level = "minimal"

	// LevelMachine prints plain prefixed lines for scripts.
	LevelMachine Level = "machine"
)

// ParseLevel converts a flag or environment value to a Level. Unknown
// values map to LevelStandard.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return LevelMinimal
	case "machine", "quiet", "q":
		return LevelMachine
	default:
		return LevelStandard
	}
}

// DetectLevel picks the level for w.
//
// # Description
//
// RELAY_OUTPUT wins when set. Otherwise a terminal gets LevelStandard and
// anything else (pipes, files, buffers) gets LevelMachine.
func DetectLevel(w io.Writer) Level {
	if env := os.Getenv("RELAY_OUTPUT"); env != "" {
		return ParseLevel(env)
	}
	if isTerminal(w) {
		return LevelStandard
	}
	return LevelMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
