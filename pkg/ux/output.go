// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders human-facing CLI output for the relay admin commands.
package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian palette.
var (
	ColorTealBright = lipgloss.Color("#2CD7C7")
	ColorTealDeep   = lipgloss.Color("#16858E")
	ColorSlate      = lipgloss.Color("#2C4A54")
	ColorWarning    = lipgloss.Color("#F4D03F")
	ColorError      = lipgloss.Color("#E74C3C")
)

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// styles holds lipgloss styles bound to one renderer, so color support is
// detected for the printer's writer rather than os.Stdout.
type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorTealBright),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
	}
}

// Printer writes styled output to one writer.
//
// # Thread Safety
//
// Not safe for concurrent use. CLI commands print from one goroutine.
type Printer struct {
	w      io.Writer
	level  Level
	styles styles
}

// NewPrinter returns a Printer for w at level.
func NewPrinter(w io.Writer, level Level) *Printer {
	return &Printer{
		w:      w,
		level:  level,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// Level returns the printer's output level.
func (p *Printer) Level() Level {
	return p.level
}

// Title prints a heading. Omitted in machine mode.
func (p *Printer) Title(text string) {
	if p.level == LevelMachine {
		return
	}
	fmt.Fprintln(p.w, p.styles.title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, p.styles.success, text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, p.styles.warning, text)
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, p.styles.err, text)
}

func (p *Printer) status(prefix string, icon Icon, style lipgloss.Style, text string) {
	switch p.level {
	case LevelMachine:
		fmt.Fprintf(p.w, "%s: %s\n", prefix, text)
	case LevelMinimal:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", style.Render(string(icon)), style.Render(text))
	}
}

// Line prints text unadorned at every level. Used for list output that
// scripts consume.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, text)
}

// Fields prints key/value pairs, sorted by key, inside a titled box.
// Machine mode prints "key=value" lines.
func (p *Printer) Fields(title string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	width := 0
	for k := range fields {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	if p.level == LevelMachine {
		for _, k := range keys {
			fmt.Fprintf(p.w, "%s=%s\n", k, fields[k])
		}
		return
	}

	var b strings.Builder
	b.WriteString(p.styles.title.Render(title))
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(p.styles.muted.Render(fmt.Sprintf("%-*s", width, k)))
		b.WriteString("  ")
		b.WriteString(fields[k])
	}

	if p.level == LevelMinimal {
		fmt.Fprintln(p.w, b.String())
		return
	}
	fmt.Fprintln(p.w, p.styles.box.Render(b.String()))
}
