// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package pipeline executes one installation as a fixed sequence of steps.

	PrerequisiteCheck → AcquireBinary → GenerateBaseConfig → PatchConfig →
	ProvisionCredentials → InstallServiceOrProcess → ConfigureArtifactPacks →
	ApplyComplianceOverrides → VerifyReachability

A failure in a fatal step stops the run; later steps are never attempted
and have no StepResult. A failure in a non-fatal step is recorded as a
retryable StepResult plus a warning and the run continues. A run is
Succeeded only when VerifyReachability succeeds.

Execute runs on the caller's goroutine and emits events synchronously.
Scheduling (single flight, background execution) belongs to the runner
package.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/monitor"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/release"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

// Deps are the collaborators the steps call out to.
type Deps struct {
	Process  process.Manager
	Checker  infra.Checker
	Acquirer release.Acquirer
	Service  infra.ServiceManager
	Health   monitor.HealthChecker
}

// DefaultDeps wires the real host implementations.
func DefaultDeps(logger *logging.Logger) Deps {
	pm := process.NewDefaultManager()
	return Deps{
		Process:  pm,
		Checker:  infra.NewDefaultChecker(),
		Acquirer: release.NewAcquirer(logger),
		Service:  infra.NewSystemdService(pm, infra.DefaultUnitDir, infra.DefaultUnitName),
		Health:   monitor.New(pm),
	}
}

// Pipeline executes installation runs.
type Pipeline struct {
	deps         Deps
	logger       *logging.Logger
	now          func() time.Time
	minFreeBytes int64
	stopGrace    time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithMinFreeBytes overrides the disk space requirement.
func WithMinFreeBytes(n int64) Option {
	return func(p *Pipeline) { p.minFreeBytes = n }
}

// New creates a Pipeline. Every field of deps must be set.
func New(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:         deps,
		logger:       logging.Nop(),
		now:          time.Now,
		minFreeBytes: infra.DefaultMinFreeBytes,
		stopGrace:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// stepFunc performs one step. The returned message is stored on the
// StepResult whether or not err is nil.
type stepFunc func(ctx context.Context, ex *execution) (string, error)

// execution is the state shared by the steps of one run.
type execution struct {
	run *Run
	cfg derive.EffectiveConfiguration
}

// warn records a non-fatal problem that did not fail its step.
func (ex *execution) warn(format string, args ...any) {
	ex.run.Warnings = append(ex.run.Warnings, fmt.Sprintf(format, args...))
}

func (p *Pipeline) steps() map[Step]stepFunc {
	return map[Step]stepFunc{
		StepPrerequisiteCheck:        p.prerequisiteCheck,
		StepAcquireBinary:            p.acquireBinary,
		StepGenerateBaseConfig:       p.generateBaseConfig,
		StepPatchConfig:              p.patchConfig,
		StepProvisionCredentials:     p.provisionCredentials,
		StepInstallServiceOrProcess:  p.installServiceOrProcess,
		StepConfigureArtifactPacks:   p.configureArtifactPacks,
		StepApplyComplianceOverrides: p.applyComplianceOverrides,
		StepVerifyReachability:       p.verifyReachability,
	}
}

// Execute runs every step against cfg and returns the finished run.
//
// # Description
//
// cfg is a snapshot; later changes to the settings that produced it do
// not affect this run. observe may be nil. Execute never returns a nil
// Run and never panics on a step failure; the outcome is in Run.Status.
//
// # Inputs
//
//   - ctx: passed to every step. Cancellation is not checked between steps.
//   - cfg: the validated effective configuration.
//   - observe: receives run and step transitions in order.
//
// # Outputs
//
//   - *Run: Succeeded or Failed, with one StepResult per attempted step.
func (p *Pipeline) Execute(ctx context.Context, cfg derive.EffectiveConfiguration, observe Observer) *Run {
	if observe == nil {
		observe = func(Event) {}
	}

	run := &Run{
		ID:      uuid.New(),
		Status:  RunPending,
		Summary: Summarize(cfg),
		Config:  cfg,
	}
	logger := p.logger.With("run_id", run.ID.String())

	ctx, span := tracer.Start(ctx, "pipeline.Execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID.String()),
			attribute.String("config.tier", run.Summary.Tier),
			attribute.String("config.security", run.Summary.Security),
			attribute.String("config.compliance", run.Summary.Compliance),
			attribute.Int("config.port", run.Summary.Port),
		),
	)
	defer span.End()

	run.Status = RunRunning
	run.Started = p.now()
	logger.Info("installation started",
		"tier", run.Summary.Tier,
		"security", run.Summary.Security,
		"compliance", run.Summary.Compliance,
		"port", run.Summary.Port)
	observe(Event{Kind: EventRunStarted, RunID: run.ID, RunStatus: run.Status})

	ex := &execution{run: run, cfg: cfg}
	funcs := p.steps()
	var fatal *FatalStepError

	for _, name := range Order() {
		result, err := p.runStep(ctx, logger, ex, name, funcs[name], observe)
		run.Steps = append(run.Steps, result)

		if err == nil {
			continue
		}
		var degraded *DegradedStepWarning
		if errors.As(err, &degraded) {
			run.Warnings = append(run.Warnings, degraded.Error())
			continue
		}
		if errors.As(err, &fatal) {
			run.Remediation = result.Remediation
			break
		}
	}

	run.Finished = p.now()
	last := run.Steps[len(run.Steps)-1]
	if fatal == nil && last.Name == StepVerifyReachability && last.Status == StepSucceeded {
		run.Status = RunSucceeded
		span.SetStatus(codes.Ok, "")
		logger.Info("installation succeeded",
			"duration_ms", run.Finished.Sub(run.Started).Milliseconds(),
			"warnings", len(run.Warnings))
	} else {
		run.Status = RunFailed
		if fatal != nil {
			run.Error = fatal.Error()
			span.RecordError(fatal)
		}
		span.SetStatus(codes.Error, "installation failed")
		logger.Error("installation failed",
			"duration_ms", run.Finished.Sub(run.Started).Milliseconds(),
			"error", run.Error)
	}

	runsTotal.WithLabelValues(string(run.Status)).Inc()
	runDuration.Observe(run.Finished.Sub(run.Started).Seconds())

	observe(Event{Kind: EventRunFinished, RunID: run.ID, RunStatus: run.Status, Run: run.Clone()})
	return run
}

// runStep executes one step, classifies its error by the step's policy
// and returns the finished StepResult with either nil, a
// *DegradedStepWarning or a *FatalStepError.
func (p *Pipeline) runStep(ctx context.Context, logger *logging.Logger, ex *execution, name Step, fn stepFunc, observe Observer) (StepResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.step."+string(name),
		trace.WithAttributes(
			attribute.String("step.name", string(name)),
			attribute.Bool("step.fatal", name.Fatal()),
		),
	)
	defer span.End()

	result := StepResult{Name: name, Status: StepRunning, Started: p.now()}
	observe(Event{Kind: EventStepStarted, RunID: ex.run.ID, RunStatus: ex.run.Status, Step: result})
	logger.Debug("step started", "step", string(name))

	msg, err := fn(ctx, ex)

	result.Finished = p.now()
	if result.Finished.Before(result.Started) {
		result.Finished = result.Started
	}
	result.Message = msg
	duration := result.Finished.Sub(result.Started)
	stepDuration.WithLabelValues(string(name)).Observe(duration.Seconds())

	var classified error
	if err == nil {
		result.Status = StepSucceeded
		if result.Message == "" {
			result.Message = "ok"
		}
		logger.Info("step finished",
			"step", string(name),
			"status", string(result.Status),
			"duration_ms", duration.Milliseconds(),
			"message", result.Message)
	} else {
		result.Status = StepFailed
		result.Remediation = p.remediation(name, ex.cfg, err)
		if result.Message == "" {
			result.Message = err.Error()
		} else {
			result.Message = result.Message + ": " + err.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if name.Fatal() {
			result.Fatal = true
			classified = &FatalStepError{Step: name, Err: fmt.Errorf("%w: %w", ErrStepFailed, err)}
			logger.Error("step failed",
				"step", string(name),
				"status", string(result.Status),
				"fatal", true,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error())
		} else {
			result.Retryable = true
			classified = &DegradedStepWarning{Step: name, Err: fmt.Errorf("%w: %w", ErrStepFailed, err)}
			warningsTotal.WithLabelValues(string(name)).Inc()
			logger.Warn("step degraded",
				"step", string(name),
				"status", string(result.Status),
				"fatal", false,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error())
		}
	}
	stepsTotal.WithLabelValues(string(name), string(result.Status)).Inc()
	span.SetAttributes(attribute.String("step.status", string(result.Status)))

	observe(Event{Kind: EventStepFinished, RunID: ex.run.ID, RunStatus: ex.run.Status, Step: result})
	return result, classified
}
