// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ui renders installer state in the terminal: a live progress view
// for runs, plain line output when no terminal is attached, and the
// interactive settings wizard.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/monitor"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/validation"
	"github.com/AleutianAI/RaptorSetup/pkg/ux"
)

// StepIcon returns the status icon for a step result.
func StepIcon(r pipeline.StepResult) ux.Icon {
	switch r.Status {
	case pipeline.StepSucceeded:
		return ux.IconSuccess
	case pipeline.StepRunning:
		return ux.IconRunning
	case pipeline.StepFailed:
		if r.Fatal {
			return ux.IconError
		}
		return ux.IconWarning
	default:
		return ux.IconPending
	}
}

// StepLine formats one step as "<icon> <name> <duration> <message>".
func StepLine(r pipeline.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-26s", StepIcon(r).Render(), r.Name)
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&b, " %6s", d.Round(time.Millisecond))
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "  %s", r.Message)
	}
	return b.String()
}

// PrintEvents writes one line per finished step until events is closed or
// the run finishes, and returns the final run (nil if the channel closed
// first). Used when output is not a terminal.
func PrintEvents(w io.Writer, events <-chan pipeline.Event) *pipeline.Run {
	for e := range events {
		switch e.Kind {
		case pipeline.EventRunStarted:
			fmt.Fprintf(w, "run %s started\n", e.RunID)
		case pipeline.EventStepStarted:
			fmt.Fprintf(w, "  %s %s...\n", ux.IconArrow, e.Step.Name)
		case pipeline.EventStepFinished:
			fmt.Fprintf(w, "  %s\n", StepLine(e.Step))
		case pipeline.EventRunFinished:
			fmt.Fprintf(w, "run %s %s\n", e.RunID, strings.ToLower(string(e.RunStatus)))
			return e.Run
		}
	}
	return nil
}

// PrintRun prints a finished or recorded run: steps, warnings and, for a
// failed run, the remediation list.
func PrintRun(run *pipeline.Run) {
	ux.Title(fmt.Sprintf("Run %s", run.ID))
	ux.KeyValue("status", run.Status)
	ux.KeyValue("started", run.Started.Format(time.RFC3339))
	if !run.Finished.IsZero() {
		ux.KeyValue("duration", run.Finished.Sub(run.Started).Round(time.Millisecond))
	}
	ux.KeyValue("tier", run.Summary.Tier)
	ux.KeyValue("port", run.Summary.Port)

	var lines []string
	for _, step := range pipeline.Order() {
		r, ok := run.Step(step)
		if !ok {
			r = pipeline.StepResult{Name: step, Status: pipeline.StepNotStarted}
		}
		lines = append(lines, StepLine(r))
	}
	ux.Box("Steps", strings.Join(lines, "\n"))

	if len(run.Warnings) > 0 {
		ux.WarningBox("Warnings", bullets(run.Warnings))
	}
	switch run.Status {
	case pipeline.RunSucceeded:
		ux.Success("Velociraptor is installed and reachable")
	case pipeline.RunFailed:
		body := run.Error
		if len(run.Remediation) > 0 {
			body += "\n\n" + bullets(run.Remediation)
		}
		ux.ErrorBox("Installation failed", body)
	}
}

// PrintValidation prints every validation error, or a success line.
func PrintValidation(errs validation.Errors) {
	if len(errs) == 0 {
		ux.Success("Settings are valid")
		return
	}
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	ux.ErrorBox(fmt.Sprintf("%d validation error(s)", len(errs)), bullets(lines))
}

// PrintEffective prints a derived configuration with the source of each
// merged value. The administrator password is never printed.
func PrintEffective(cfg derive.EffectiveConfiguration) {
	ux.Title("Effective configuration")
	prov := cfg.Provenance()
	kv := func(label, key string, value any) {
		if src, ok := prov[key]; ok {
			ux.KeyValue(label, fmt.Sprintf("%v  (%s)", value, src))
			return
		}
		ux.KeyValue(label, value)
	}

	kv("tier", "", cfg.Tier)
	kv("security level", "", cfg.Security)
	kv("compliance", "", cfg.Compliance)
	kv("collector count", derive.KeyCollectorCount, cfg.CollectorCount)
	kv("max clients", derive.KeyMaxClients, cfg.MaxClients)
	kv("datastore engine", derive.KeyDatastoreEngine, cfg.DatastoreEngine)
	kv("clustering", derive.KeyClusteringEnabled, cfg.ClusteringEnabled)
	kv("password complexity", derive.KeyPasswordComplexity, cfg.PasswordComplexity)
	kv("session timeout (h)", derive.KeySessionTimeoutHours, cfg.SessionTimeoutHours)
	kv("tls version", derive.KeyTLSVersion, cfg.TLSVersion)
	kv("audit logging", derive.KeyAuditLogging, cfg.AuditLogging)
	kv("mfa required", derive.KeyMFARequired, cfg.MFARequired)
	kv("retention (days)", derive.KeyRetentionDays, cfg.RetentionDays)
	kv("access control", derive.KeyAccessControlLevel, cfg.AccessControlLevel)
	kv("certificate", "", cfg.Certificate.Strategy)
	kv("key algorithm", derive.KeyCertAlgorithm, cfg.Certificate.Algorithm)
	kv("auto renewal", derive.KeyCertAutoRenewal, cfg.Certificate.AutoRenewal)
	kv("validity (days)", derive.KeyCertValidityDays, cfg.Certificate.ValidityDays)
	kv("listen", "", fmt.Sprintf("%s:%d", cfg.Network.BindAddress, cfg.Network.Port))
	kv("sso", "", cfg.SSO.Provider())
	kv("admin user", "", cfg.Admin.Username)
	kv("admin password", derive.KeyAdminPassword, maskedPresence(cfg.Admin.Password))
	kv("service mode", "", cfg.ServiceMode)
	kv("install dir", "", cfg.Paths.InstallDir)
	kv("config path", "", cfg.Paths.ConfigPath)
	kv("artifact packs", "", strings.Join(cfg.ArtifactPacks, ", "))
	kv("artifacts", "", len(cfg.Artifacts))
}

// PrintStatus prints one check result.
func PrintStatus(st monitor.Status, runInProgress bool) {
	check := func(label string, ok bool) {
		if ok {
			ux.KeyValue(label, ux.IconSuccess.Render())
		} else {
			ux.KeyValue(label, ux.IconError.Render())
		}
	}
	check("process running", st.ProcessRunning)
	check("port listening", st.PortListening)
	check("https reachable", st.HTTPReachable)
	if st.HTTPStatus != 0 {
		ux.KeyValue("http status", st.HTTPStatus)
	}
	if runInProgress {
		ux.Info("an installation run is in progress")
	}
}

func maskedPresence(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	return "********"
}

func bullets(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s", ux.IconBullet, it)
	}
	return b.String()
}
