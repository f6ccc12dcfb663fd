// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/pkg/ux"
)

// eventMsg carries one runner event into the bubbletea loop.
type eventMsg pipeline.Event

// closedMsg reports that the event channel was closed.
type closedMsg struct{}

// ProgressModel is the live view of one installation run.
//
// # Description
//
// The model reads runner events one at a time from a channel and redraws
// the fixed step list. It quits when the run finishes, the channel
// closes, or the user presses q / ctrl+c. Quitting only detaches the view;
// the run itself keeps going.
type ProgressModel struct {
	events  <-chan pipeline.Event
	spinner spinner.Model

	runID    string
	steps    []pipeline.StepResult
	warnings int
	final    *pipeline.Run
	detached bool
	width    int
}

// NewProgressModel creates a model reading from events.
func NewProgressModel(events <-chan pipeline.Event) ProgressModel {
	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(ux.Styles.Highlight),
	)
	steps := make([]pipeline.StepResult, 0, len(pipeline.Order()))
	for _, name := range pipeline.Order() {
		steps = append(steps, pipeline.StepResult{Name: name, Status: pipeline.StepNotStarted})
	}
	return ProgressModel{events: events, spinner: sp, steps: steps}
}

// waitForEvent blocks on the channel in a tea.Cmd goroutine.
func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(e)
	}
}

// Init starts the spinner and the first channel read.
func (m ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update handles runner events, key presses and spinner ticks.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.detached = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case closedMsg:
		return m, tea.Quit

	case eventMsg:
		m = m.apply(pipeline.Event(msg))
		if m.final != nil {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m ProgressModel) apply(e pipeline.Event) ProgressModel {
	switch e.Kind {
	case pipeline.EventRunStarted:
		m.runID = e.RunID.String()
	case pipeline.EventStepStarted, pipeline.EventStepFinished:
		steps := make([]pipeline.StepResult, len(m.steps))
		copy(steps, m.steps)
		for i := range steps {
			if steps[i].Name == e.Step.Name {
				steps[i] = e.Step
			}
		}
		m.steps = steps
		if e.Kind == pipeline.EventStepFinished && e.Step.Status == pipeline.StepFailed && !e.Step.Fatal {
			m.warnings++
		}
	case pipeline.EventRunFinished:
		m.final = e.Run
		if m.final == nil {
			m.final = &pipeline.Run{ID: e.RunID, Status: e.RunStatus}
		}
	}
	return m
}

// View renders the step list with a progress bar.
func (m ProgressModel) View() string {
	var b strings.Builder
	title := "Installing Velociraptor"
	if m.runID != "" {
		title += ux.Styles.Muted.Render("  run " + m.runID)
	}
	b.WriteString(ux.Styles.Title.Render(title))
	b.WriteString("\n\n")

	done := 0
	for _, r := range m.steps {
		if r.Status == pipeline.StepRunning {
			fmt.Fprintf(&b, "  %s %s\n", m.spinner.View(), r.Name)
			continue
		}
		if r.Status == pipeline.StepSucceeded || r.Status == pipeline.StepFailed {
			done++
		}
		fmt.Fprintf(&b, "  %s\n", truncate(StepLine(r), m.width))
	}

	b.WriteString("\n  ")
	b.WriteString(ux.ProgressBar(done, len(m.steps), 30))
	if m.warnings > 0 {
		b.WriteString("  " + ux.Styles.Warning.Render(fmt.Sprintf("%d warning(s)", m.warnings)))
	}
	b.WriteString("\n")
	if m.final == nil && !m.detached {
		b.WriteString(ux.Styles.Muted.Render("  q to detach; the installation continues"))
		b.WriteString("\n")
	}
	return b.String()
}

// Final returns the finished run, or nil if the view quit first.
func (m ProgressModel) Final() *pipeline.Run {
	return m.final
}

// Detached reports whether the user closed the view before the run ended.
func (m ProgressModel) Detached() bool {
	return m.detached
}

// RunProgress shows the progress view until the run finishes or the user
// detaches, and returns the final run (nil when detached).
func RunProgress(events <-chan pipeline.Event) (*pipeline.Run, error) {
	p := tea.NewProgram(NewProgressModel(events), tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return nil, err
	}
	result, ok := finalModel.(ProgressModel)
	if !ok {
		return nil, fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}
	return result.Final(), nil
}

// truncate clips s to width cells, keeping ANSI styling intact.
func truncate(s string, width int) string {
	if width <= 4 {
		return s
	}
	return lipgloss.NewStyle().MaxWidth(width - 2).Render(s)
}
