// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
)

// Step names one pipeline step.
type Step string

// Steps in execution order.
const (
	StepPrerequisiteCheck        Step = "PrerequisiteCheck"
	StepAcquireBinary            Step = "AcquireBinary"
	StepGenerateBaseConfig       Step = "GenerateBaseConfig"
	StepPatchConfig              Step = "PatchConfig"
	StepProvisionCredentials     Step = "ProvisionCredentials"
	StepInstallServiceOrProcess  Step = "InstallServiceOrProcess"
	StepConfigureArtifactPacks   Step = "ConfigureArtifactPacks"
	StepApplyComplianceOverrides Step = "ApplyComplianceOverrides"
	StepVerifyReachability       Step = "VerifyReachability"
)

// Order returns every step in execution order.
func Order() []Step {
	return []Step{
		StepPrerequisiteCheck,
		StepAcquireBinary,
		StepGenerateBaseConfig,
		StepPatchConfig,
		StepProvisionCredentials,
		StepInstallServiceOrProcess,
		StepConfigureArtifactPacks,
		StepApplyComplianceOverrides,
		StepVerifyReachability,
	}
}

// Fatal reports whether a failure of s aborts the run.
func (s Step) Fatal() bool {
	switch s {
	case StepProvisionCredentials, StepInstallServiceOrProcess,
		StepConfigureArtifactPacks, StepApplyComplianceOverrides:
		return false
	default:
		return true
	}
}

// StepStatus is the state of one step.
type StepStatus string

const (
	StepNotStarted StepStatus = "NotStarted"
	StepRunning    StepStatus = "Running"
	StepSucceeded  StepStatus = "Succeeded"
	StepFailed     StepStatus = "Failed"
)

// RunStatus is the state of a whole run.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// StepResult records one step's outcome. A failed step is either Fatal
// (the run stopped) or Retryable (the run continued and the step can be
// repeated later).
type StepResult struct {
	Name        Step       `json:"name"`
	Status      StepStatus `json:"status"`
	Started     time.Time  `json:"started"`
	Finished    time.Time  `json:"finished,omitzero"`
	Message     string     `json:"message,omitempty"`
	Retryable   bool       `json:"retryable,omitempty"`
	Fatal       bool       `json:"fatal,omitempty"`
	Remediation []string   `json:"remediation,omitempty"`
}

// Duration returns Finished-Started, or 0 while running.
func (r StepResult) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// ConfigSummary is the non-secret part of the configuration a run used.
type ConfigSummary struct {
	Tier          string   `json:"tier"`
	Security      string   `json:"security"`
	Compliance    string   `json:"compliance"`
	Certificate   string   `json:"certificate"`
	BindAddress   string   `json:"bind_address"`
	Port          int      `json:"port"`
	MaxClients    int      `json:"max_clients"`
	TLSVersion    string   `json:"tls_version"`
	MFARequired   bool     `json:"mfa_required"`
	ServiceMode   string   `json:"service_mode"`
	InstallDir    string   `json:"install_dir"`
	ArtifactPacks []string `json:"artifact_packs,omitempty"`
}

// Summarize extracts a ConfigSummary from cfg.
func Summarize(cfg derive.EffectiveConfiguration) ConfigSummary {
	return ConfigSummary{
		Tier:          cfg.Tier.String(),
		Security:      cfg.Security.String(),
		Compliance:    cfg.Compliance.String(),
		Certificate:   cfg.Certificate.Strategy.String(),
		BindAddress:   cfg.Network.BindAddress,
		Port:          cfg.Network.Port,
		MaxClients:    cfg.MaxClients,
		TLSVersion:    cfg.TLSVersion,
		MFARequired:   cfg.MFARequired,
		ServiceMode:   cfg.ServiceMode.String(),
		InstallDir:    cfg.Paths.InstallDir,
		ArtifactPacks: slices.Clone(cfg.ArtifactPacks),
	}
}

// Run is one installation attempt.
type Run struct {
	ID          uuid.UUID     `json:"id"`
	Status      RunStatus     `json:"status"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished,omitzero"`
	Summary     ConfigSummary `json:"config"`
	Steps       []StepResult  `json:"steps"`
	Warnings    []string      `json:"warnings,omitempty"`
	Remediation []string      `json:"remediation,omitempty"`
	Error       string        `json:"error,omitempty"`

	// Config is the snapshot the run executed against. It holds the
	// administrator password and is never serialized.
	Config derive.EffectiveConfiguration `json:"-"`
}

// Step returns the result for name and whether it was attempted.
func (r *Run) Step(name Step) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Run) Clone() *Run {
	out := *r
	out.Steps = make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		s.Remediation = slices.Clone(s.Remediation)
		out.Steps[i] = s
	}
	out.Warnings = slices.Clone(r.Warnings)
	out.Remediation = slices.Clone(r.Remediation)
	out.Summary.ArtifactPacks = slices.Clone(r.Summary.ArtifactPacks)
	return &out
}

// =============================================================================
// Errors
// =============================================================================

// FatalStepError aborts the run.
type FatalStepError struct {
	Step Step
	Err  error
}

func (e *FatalStepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *FatalStepError) Unwrap() error { return e.Err }

// DegradedStepWarning is a non-fatal step failure. The run continues and
// the warning is added to Run.Warnings.
type DegradedStepWarning struct {
	Step Step
	Err  error
}

func (e *DegradedStepWarning) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Step, e.Err)
}

func (e *DegradedStepWarning) Unwrap() error { return e.Err }

// ErrStepFailed is wrapped by every step failure so callers can match any
// of them.
var ErrStepFailed = errors.New("installation step failed")

// =============================================================================
// Events
// =============================================================================

// EventKind classifies an Event.
type EventKind string

const (
	EventRunStarted   EventKind = "run_started"
	EventStepStarted  EventKind = "step_started"
	EventStepFinished EventKind = "step_finished"
	EventRunFinished  EventKind = "run_finished"
)

// Event is a progress notification emitted while a run executes.
type Event struct {
	Kind      EventKind
	RunID     uuid.UUID
	RunStatus RunStatus
	Step      StepResult
	// Run is set on EventRunFinished.
	Run *Run
}

// Observer receives events synchronously on the pipeline goroutine.
type Observer func(Event)
