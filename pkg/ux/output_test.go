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
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

// capture redirects output in mode m for the duration of the test.
func capture(t *testing.T, m Mode) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	prevMode := GetMode()
	prevOut, prevErr := writers()
	SetMode(m)
	SetOutput(&stdout, &stderr)
	t.Cleanup(func() {
		SetMode(prevMode)
		SetOutput(prevOut, prevErr)
	})
	return &stdout, &stderr
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"rich":    ModeRich,
		"":        ModeRich,
		"bogus":   ModeRich,
		"minimal": ModeMinimal,
		"PLAIN":   ModeMinimal,
		"machine": ModeMachine,
		" quiet ": ModeMachine,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv(OutputEnv, "minimal")
	if got := DetectMode(os.Stdout); got != ModeMinimal {
		t.Errorf("expected env override to select minimal, got %q", got)
	}
}

func TestDetectMode_NonTerminal(t *testing.T) {
	t.Setenv(OutputEnv, "")
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got := DetectMode(f); got != ModeMachine {
		t.Errorf("expected machine mode for a regular file, got %q", got)
	}
}

func TestIsTerminal_Nil(t *testing.T) {
	if IsTerminal(nil) {
		t.Error("nil file must not be a terminal")
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestSuccess_Machine(t *testing.T) {
	stdout, _ := capture(t, ModeMachine)
	Success("installed")
	if got := stdout.String(); got != "OK: installed\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestWarningAndError_MachineGoToStderr(t *testing.T) {
	stdout, stderr := capture(t, ModeMachine)
	Warning("credentials skipped")
	Error("download failed")
	if stdout.Len() != 0 {
		t.Errorf("expected nothing on stdout, got %q", stdout.String())
	}
	want := "WARN: credentials skipped\nERROR: download failed\n"
	if stderr.String() != want {
		t.Errorf("stderr = %q, want %q", stderr.String(), want)
	}
}

func TestTitleAndMuted_SilentInMachineMode(t *testing.T) {
	stdout, _ := capture(t, ModeMachine)
	Title("Velociraptor Setup")
	Muted("details")
	if stdout.Len() != 0 {
		t.Errorf("expected no output, got %q", stdout.String())
	}
}

func TestMinimal_HasIconsWithoutEscapes(t *testing.T) {
	stdout, _ := capture(t, ModeMinimal)
	Success("done")
	got := stdout.String()
	if !strings.HasPrefix(got, string(IconSuccess)) {
		t.Errorf("expected icon prefix, got %q", got)
	}
	if strings.Contains(got, "\x1b[") {
		t.Errorf("minimal mode must not emit ANSI escapes: %q", got)
	}
}

func TestKeyValue(t *testing.T) {
	stdout, _ := capture(t, ModeMachine)
	KeyValue("port", 8889)
	if got := stdout.String(); got != "port=8889\n" {
		t.Errorf("unexpected output %q", got)
	}

	stdout, _ = capture(t, ModeMinimal)
	KeyValue("port", 8889)
	if !strings.Contains(stdout.String(), "port") || !strings.Contains(stdout.String(), "8889") {
		t.Errorf("unexpected output %q", stdout.String())
	}
}

func TestBoxes_PlainModes(t *testing.T) {
	stdout, stderr := capture(t, ModeMachine)
	Box("Summary", "a\nb")
	WarningBox("Warnings", "w1")
	ErrorBox("Failed", "e1")
	if stdout.String() != "Summary:\n  a\n  b\n" {
		t.Errorf("unexpected box output %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "WARN Warnings:\n  w1") || !strings.Contains(stderr.String(), "ERROR Failed:\n  e1") {
		t.Errorf("unexpected stderr %q", stderr.String())
	}
}

func TestProgressBar(t *testing.T) {
	capture(t, ModeMachine)
	if got := ProgressBar(3, 9, 20); got != "3/9" {
		t.Errorf("machine progress = %q", got)
	}

	capture(t, ModeMinimal)
	got := ProgressBar(9, 9, 10)
	if !strings.Contains(got, strings.Repeat("█", 10)) || !strings.Contains(got, "100%") {
		t.Errorf("full bar = %q", got)
	}
	if got := ProgressBar(12, 9, 10); !strings.Contains(got, "100%") {
		t.Errorf("overflow must clamp, got %q", got)
	}
	if got := ProgressBar(1, 0, 10); got != "1/0" {
		t.Errorf("zero total = %q", got)
	}
}

func TestIcon_RenderPlainOutsideRich(t *testing.T) {
	capture(t, ModeMinimal)
	if got := IconError.Render(); got != string(IconError) {
		t.Errorf("expected bare icon, got %q", got)
	}
}

// =============================================================================
// Spinner Tests
// =============================================================================

func TestWithSpinner_Machine(t *testing.T) {
	stdout, stderr := capture(t, ModeMachine)

	if err := WithSpinner("stopping server", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stdout.String(); got != "PROGRESS: stopping server\nOK: stopping server\n" {
		t.Errorf("unexpected output %q", got)
	}

	boom := errors.New("boom")
	if err := WithSpinner("stopping server", func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if !strings.Contains(stderr.String(), "ERROR: stopping server: boom") {
		t.Errorf("unexpected stderr %q", stderr.String())
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	capture(t, ModeRich)
	spin := NewSpinner("idle")
	spin.Stop()
	spin.UpdateMessage("still idle")
	if spin.message != "still idle" {
		t.Errorf("message not updated: %q", spin.message)
	}
}

func TestSpinner_AnimatesInRichMode(t *testing.T) {
	stdout, _ := capture(t, ModeRich)
	spin := NewSpinner("working")
	spin.Start()
	spin.Start()
	spin.Stop()
	spin.Stop()
	if !strings.Contains(stdout.String(), "\r\033[K") {
		t.Errorf("expected the spinner line to be cleared, got %q", stdout.String())
	}
}
