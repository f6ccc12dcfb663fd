// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the raptorsetup CLI.
package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#5F7C86")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Label     lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Label:     lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(24),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconRunning Icon = "●"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	if GetMode() != ModeRich {
		return string(i)
	}
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	case IconRunning:
		return Styles.Highlight.Render(string(i))
	default:
		return string(i)
	}
}

// style applies s only in rich mode.
func style(s lipgloss.Style, text string) string {
	if GetMode() != ModeRich {
		return text
	}
	return s.Render(text)
}

// Title prints a styled title
func Title(text string) {
	stdout, _ := writers()
	if GetMode() == ModeMachine {
		return
	}
	fmt.Fprintln(stdout, style(Styles.Title, text))
}

// Success prints a success message with checkmark
func Success(text string) {
	stdout, _ := writers()
	if GetMode() == ModeMachine {
		fmt.Fprintf(stdout, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", IconSuccess.Render(), style(Styles.Success, text))
}

// Warning prints a warning message
func Warning(text string) {
	stdout, stderr := writers()
	if GetMode() == ModeMachine {
		fmt.Fprintf(stderr, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", IconWarning.Render(), style(Styles.Warning, text))
}

// Error prints an error message
func Error(text string) {
	stdout, stderr := writers()
	if GetMode() == ModeMachine {
		fmt.Fprintf(stderr, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", IconError.Render(), style(Styles.Error, text))
}

// Info prints an informational message
func Info(text string) {
	stdout, _ := writers()
	if GetMode() == ModeMachine {
		fmt.Fprintln(stdout, text)
		return
	}
	fmt.Fprintf(stdout, "%s %s\n", style(Styles.Muted, "│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	stdout, _ := writers()
	if GetMode() == ModeMachine {
		return
	}
	fmt.Fprintln(stdout, style(Styles.Muted, text))
}

// KeyValue prints an aligned label and value. Machine mode prints
// "label=value".
func KeyValue(label string, value any) {
	stdout, _ := writers()
	if GetMode() == ModeMachine {
		fmt.Fprintf(stdout, "%s=%v\n", label, value)
		return
	}
	if GetMode() == ModeMinimal {
		fmt.Fprintf(stdout, "  %-24s %v\n", label, value)
		return
	}
	fmt.Fprintf(stdout, "  %s %v\n", Styles.Label.Render(label), value)
}

// Box prints text in a rounded box
func Box(title, content string) {
	stdout, _ := writers()
	if GetMode() != ModeRich {
		fmt.Fprintf(stdout, "%s:\n%s\n", title, indent(content))
		return
	}
	fmt.Fprintln(stdout, Styles.Box.Width(64).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	stdout, stderr := writers()
	switch GetMode() {
	case ModeMachine:
		fmt.Fprintf(stderr, "WARN %s:\n%s\n", title, indent(content))
	case ModeMinimal:
		fmt.Fprintf(stdout, "%s %s\n%s\n", IconWarning, title, indent(content))
	default:
		titleLine := Styles.Warning.Bold(true).Render(title)
		fmt.Fprintln(stdout, Styles.WarningBox.Width(64).Render(titleLine+"\n"+content))
	}
}

// ErrorBox prints text in an error-styled box
func ErrorBox(title, content string) {
	stdout, stderr := writers()
	switch GetMode() {
	case ModeMachine:
		fmt.Fprintf(stderr, "ERROR %s:\n%s\n", title, indent(content))
	case ModeMinimal:
		fmt.Fprintf(stdout, "%s %s\n%s\n", IconError, title, indent(content))
	default:
		titleLine := Styles.Error.Bold(true).Render(title)
		fmt.Fprintln(stdout, Styles.ErrorBox.Width(64).Render(titleLine+"\n"+content))
	}
}

// ProgressBar renders a simple progress bar
func ProgressBar(current, total int, width int) string {
	if GetMode() == ModeMachine || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	pct = min(max(pct, 0), 1)
	filled := int(pct * float64(width))
	empty := width - filled

	bar := style(Styles.Success, strings.Repeat("█", filled)) +
		style(Styles.Muted, strings.Repeat("░", empty))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
