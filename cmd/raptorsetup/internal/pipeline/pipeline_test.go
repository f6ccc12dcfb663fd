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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/monitor"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/release"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

const baseConfig = `version:
  name: velociraptor
  version: 0.7.1
GUI:
  bind_address: 127.0.0.1
  bind_port: 8889
Frontend:
  hostname: localhost
  bind_port: 8000
Datastore:
  implementation: FileBaseDataStore
  location: /var/tmp/velociraptor
Logging:
  output_directory: /var/tmp/logs
`

const testPassword = "generated-pw-123"

// harness wires a Pipeline to mocks that succeed unless a test overrides
// them.
type harness struct {
	pm       *process.MockManager
	checker  *infra.MockChecker
	acquirer *release.MockAcquirer
	service  *infra.MockService
	health   *monitor.MockHealthChecker
	cfg      derive.EffectiveConfiguration
	events   []Event
	clock    time.Time
}

func newHarness(t *testing.T, mutate func(*settings.Store)) *harness {
	t.Helper()
	s := settings.Default()
	s.Install.InstallDir = t.TempDir()
	s.Credentials.Password = settings.GeneratedPassword{Value: testPassword}
	if mutate != nil {
		mutate(&s)
	}

	h := &harness{
		cfg:     derive.Derive(s),
		checker: &infra.MockChecker{},
		service: &infra.MockService{},
		health:  &monitor.MockHealthChecker{},
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.acquirer = &release.MockAcquirer{
		AcquireFunc: func(ctx context.Context, req release.Request) (release.Result, error) {
			if err := os.WriteFile(req.Dest, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
				return release.Result{}, err
			}
			return release.Result{Path: req.Dest, Downloaded: true, Version: "v0.7.1", Asset: "velociraptor-v0.7.1-linux-amd64", Size: 17}, nil
		},
	}
	h.pm = &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if len(args) >= 2 && args[0] == "config" && args[1] == "generate" {
				return []byte(baseConfig), nil
			}
			return nil, nil
		},
		StartFunc: func(ctx context.Context, spec process.StartSpec) (int, error) {
			return 4242, nil
		},
	}
	return h
}

func (h *harness) now() time.Time {
	h.clock = h.clock.Add(5 * time.Millisecond)
	return h.clock
}

func (h *harness) execute() *Run {
	p := New(Deps{
		Process:  h.pm,
		Checker:  h.checker,
		Acquirer: h.acquirer,
		Service:  h.service,
		Health:   h.health,
	}, WithClock(h.now))
	return p.Execute(context.Background(), h.cfg, func(e Event) { h.events = append(h.events, e) })
}

// serverCmdline reports pid as the server started from the configured
// binary.
func (h *harness) serverCmdline(pid int) func(int) ([]string, error) {
	return func(got int) ([]string, error) {
		if got != pid {
			return nil, process.ErrNotRunning
		}
		return []string{h.cfg.Paths.BinaryPath, "--config", h.cfg.Paths.ConfigPath, "frontend", "-v"}, nil
	}
}

func (h *harness) callsTo(method string) []process.Call {
	var out []process.Call
	for _, c := range h.pm.GetCalls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func stepNames(run *Run) []Step {
	names := make([]Step, len(run.Steps))
	for i, s := range run.Steps {
		names[i] = s.Name
	}
	return names
}

func readConfig(t *testing.T, cfg derive.EffectiveConfiguration) map[string]any {
	t.Helper()
	data, err := os.ReadFile(cfg.Paths.ConfigPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc
}

// =============================================================================
// Scenarios
// =============================================================================

func TestExecute_StandaloneSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status, run.Error)
	assert.Equal(t, Order(), stepNames(run))
	for _, s := range run.Steps {
		assert.Equal(t, StepSucceeded, s.Status, s.Name)
		assert.False(t, s.Fatal)
	}
	assert.Empty(t, run.Warnings)
	assert.Empty(t, run.Remediation)

	assert.Equal(t, 50, run.Summary.MaxClients)
	assert.Equal(t, "1.3", run.Summary.TLSVersion)
	assert.False(t, run.Summary.MFARequired)

	doc := readConfig(t, h.cfg)
	gui := doc["GUI"].(map[string]any)
	assert.Equal(t, 8889, gui["bind_port"])
	assert.Equal(t, "0.0.0.0", gui["bind_address"])
	assert.Equal(t, "velociraptor", doc["version"].(map[string]any)["name"])

	info, err := os.Stat(h.cfg.Paths.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	starts := h.callsTo("Start")
	require.Len(t, starts, 1)
	assert.Equal(t, []string{"--config", h.cfg.Paths.ConfigPath, "frontend", "-v"}, starts[0].Args)
	assert.Equal(t, 4242, process.ReadPIDFile(PIDFile(h.cfg)))
	assert.Empty(t, h.service.Installs)

	m, err := artifacts.ReadManifest(filepath.Join(h.cfg.Paths.InstallDir, artifacts.ManifestFileName))
	require.NoError(t, err)
	assert.ElementsMatch(t, h.cfg.Artifacts, m.Artifacts)

	require.Len(t, h.checker.Requests, 1)
	assert.False(t, h.checker.Requests[0].NeedRoot)
	assert.Equal(t, infra.DefaultMinFreeBytes, h.checker.Requests[0].MinFreeBytes)
}

func TestExecute_AcquireFailureStopsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.acquirer.AcquireFunc = func(ctx context.Context, req release.Request) (release.Result, error) {
		return release.Result{}, errors.New("dial tcp: no route to host")
	}

	run := h.execute()

	assert.Equal(t, RunFailed, run.Status)
	require.Equal(t, []Step{StepPrerequisiteCheck, StepAcquireBinary}, stepNames(run))
	assert.Equal(t, StepSucceeded, run.Steps[0].Status)
	assert.Equal(t, StepFailed, run.Steps[1].Status)
	assert.True(t, run.Steps[1].Fatal)
	assert.False(t, run.Steps[1].Retryable)
	assert.Contains(t, run.Error, "no route to host")
	assert.NotEmpty(t, run.Remediation)
	assert.Empty(t, h.pm.GetCalls())

	_, attempted := run.Step(StepGenerateBaseConfig)
	assert.False(t, attempted)
}

func TestExecute_PrerequisiteFailureCarriesRemediation(t *testing.T) {
	h := newHarness(t, nil)
	h.checker.CheckFunc = func(ctx context.Context, req infra.Request) error {
		return errors.Join(&infra.CheckError{
			Type:        infra.CheckErrorPortInUse,
			Message:     "port 8889 is in use",
			Remediation: "Check port availability: 8889",
		})
	}

	run := h.execute()

	assert.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Steps, 1)
	assert.True(t, run.Steps[0].Fatal)
	assert.Equal(t, []string{"Check port availability: 8889"}, run.Remediation)
}

func TestExecute_CredentialFailureIsDegraded(t *testing.T) {
	h := newHarness(t, nil)
	h.pm.RunFunc = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if args[0] == "config" {
			return []byte(baseConfig), nil
		}
		return nil, &process.CommandError{
			Command:  process.CommandLine(name, args...),
			ExitCode: 1,
			Stderr:   "user already exists",
			Err:      errors.New("exit status 1"),
		}
	}

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	creds, ok := run.Step(StepProvisionCredentials)
	require.True(t, ok)
	assert.Equal(t, StepFailed, creds.Status)
	assert.True(t, creds.Retryable)
	assert.False(t, creds.Fatal)
	assert.Contains(t, creds.Remediation, "Command output: user already exists")

	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], string(StepProvisionCredentials))
	for _, s := range run.Steps {
		assert.NotContains(t, s.Message, testPassword)
	}
	assert.NotContains(t, run.Warnings[0], testPassword)

	runs := h.callsTo("Run")
	require.Len(t, runs, 2)
	assert.Contains(t, runs[1].Args, "--role")
	assert.Contains(t, runs[1].Args, "administrator")
}

func TestExecute_ServiceFailureFallsBackToProcess(t *testing.T) {
	h := newHarness(t, func(s *settings.Store) { s.Tier = settings.TierServer })
	h.service.AvailableFunc = func() bool { return true }
	h.service.InstallFunc = func(ctx context.Context, spec infra.UnitSpec) error {
		return errors.New("systemctl enable: access denied")
	}

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	require.Len(t, h.service.Installs, 1)
	assert.Len(t, h.callsTo("Start"), 1)
	step, _ := run.Step(StepInstallServiceOrProcess)
	assert.Equal(t, StepSucceeded, step.Status)
	assert.Contains(t, step.Message, "background process")
	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], "falling back")
	assert.True(t, h.checker.Requests[0].NeedRoot)
}

func TestExecute_RegistersService(t *testing.T) {
	h := newHarness(t, func(s *settings.Store) { s.Tier = settings.TierEnterprise })
	h.service.AvailableFunc = func() bool { return true }

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	require.Len(t, h.service.Installs, 1)
	assert.Equal(t, h.cfg.Paths.BinaryPath, h.service.Installs[0].BinaryPath)
	assert.Empty(t, h.callsTo("Start"))
	assert.Equal(t, 10000, run.Summary.MaxClients)
}

func TestExecute_ProcessStartFailureIsDegraded(t *testing.T) {
	h := newHarness(t, nil)
	h.pm.StartFunc = func(ctx context.Context, spec process.StartSpec) (int, error) {
		return 0, errors.New("exec format error")
	}
	h.health.WaitReachableFunc = func(ctx context.Context, target monitor.Target) (monitor.Status, error) {
		return monitor.Status{}, fmt.Errorf("%w within 30s", monitor.ErrReachabilityTimeout)
	}

	run := h.execute()

	assert.Equal(t, RunFailed, run.Status)
	assert.Len(t, run.Steps, len(Order()))
	step, _ := run.Step(StepInstallServiceOrProcess)
	assert.True(t, step.Retryable)
}

func TestExecute_ReachabilityTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.health.WaitReachableFunc = func(ctx context.Context, target monitor.Target) (monitor.Status, error) {
		assert.Equal(t, h.cfg.Network.Port, target.Port)
		assert.Equal(t, h.cfg.Paths.BinaryPath, target.ProcessPattern)
		return monitor.Status{ProcessRunning: true}, fmt.Errorf("%w within 30s", monitor.ErrReachabilityTimeout)
	}

	run := h.execute()

	assert.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Steps, len(Order()))
	last := run.Steps[len(run.Steps)-1]
	assert.Equal(t, StepVerifyReachability, last.Name)
	assert.True(t, last.Fatal)
	assert.Contains(t, run.Error, "did not become reachable")
	assert.NotEmpty(t, run.Remediation)
}

func TestExecute_HIPAAWritesComplianceSettings(t *testing.T) {
	h := newHarness(t, func(s *settings.Store) {
		s.Compliance = settings.ComplianceHIPAA
		s.Security = settings.SecurityBasic
	})

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	assert.True(t, run.Summary.MFARequired)
	sec := readConfig(t, h.cfg)["Security"].(map[string]any)
	assert.Equal(t, true, sec["mfa_required"])
	assert.Equal(t, 2, sec["session_timeout_hours"])
	assert.Equal(t, "HIPAA", sec["compliance_framework"])

	step, _ := run.Step(StepApplyComplianceOverrides)
	assert.Contains(t, step.Message, "HIPAA")
}

func TestExecute_KeepsExistingConfig(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.WriteFile(h.cfg.Paths.ConfigPath, []byte(baseConfig), 0600))

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	for _, c := range h.callsTo("Run") {
		assert.NotEqual(t, "config", c.Args[0])
	}
	step, _ := run.Step(StepGenerateBaseConfig)
	assert.Equal(t, "existing configuration kept", step.Message)
}

func TestExecute_EmptyGeneratedConfigIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.pm.RunFunc = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("\n"), nil
	}

	run := h.execute()

	assert.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Steps, 3)
	assert.Contains(t, run.Steps[2].Message, ErrEmptyConfig.Error())
}

func TestExecute_MissingImportedCertificateIsFatal(t *testing.T) {
	h := newHarness(t, func(s *settings.Store) {
		s.Certificate = settings.CustomImport{
			CertPath: "/nonexistent/server.crt",
			KeyPath:  "/nonexistent/server.key",
		}
	})

	run := h.execute()

	assert.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Steps, 4)
	assert.Equal(t, StepPatchConfig, run.Steps[3].Name)
	assert.True(t, run.Steps[3].Fatal)
}

func TestExecute_ReplacesPreviousProcess(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, process.WritePIDFile(PIDFile(h.cfg), 777))
	h.pm.AliveFunc = func(pid int) bool { return pid == 777 }
	h.pm.CmdlineFunc = h.serverCmdline(777)

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	terms := h.callsTo("Terminate")
	require.Len(t, terms, 1)
	assert.Equal(t, 777, terms[0].PID)
	assert.Equal(t, 4242, process.ReadPIDFile(PIDFile(h.cfg)))
}

// listenOnGUIPort occupies the configured GUI port the way a server left
// running by an earlier install would.
func listenOnGUIPort(t *testing.T) func(*settings.Store) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	port := l.Addr().(*net.TCPAddr).Port
	return func(s *settings.Store) {
		s.Network.BindAddress = "127.0.0.1"
		s.Network.Port = port
	}
}

func (h *harness) executeWithRealChecker() *Run {
	p := New(Deps{
		Process:  h.pm,
		Checker:  infra.NewDefaultChecker(),
		Acquirer: h.acquirer,
		Service:  h.service,
		Health:   h.health,
	}, WithClock(h.now), WithMinFreeBytes(0))
	return p.Execute(context.Background(), h.cfg, func(e Event) { h.events = append(h.events, e) })
}

func TestExecute_ReinstallOverRunningServer(t *testing.T) {
	h := newHarness(t, listenOnGUIPort(t))
	require.NoError(t, process.WritePIDFile(PIDFile(h.cfg), 777))
	h.pm.AliveFunc = func(pid int) bool { return pid == 777 }
	h.pm.CmdlineFunc = h.serverCmdline(777)

	run := h.executeWithRealChecker()

	require.Equal(t, RunSucceeded, run.Status, "steps: %+v", run.Steps)
	first, ok := run.Step(StepPrerequisiteCheck)
	require.True(t, ok)
	assert.Contains(t, first.Message, "will be replaced")
	terms := h.callsTo("Terminate")
	require.Len(t, terms, 1)
	assert.Equal(t, 777, terms[0].PID)
}

func TestExecute_ReinstallOverActiveService(t *testing.T) {
	h := newHarness(t, listenOnGUIPort(t))
	h.service.InstalledFunc = func() bool { return true }
	h.service.IsActiveFunc = func(ctx context.Context) bool { return true }

	run := h.executeWithRealChecker()

	first, ok := run.Step(StepPrerequisiteCheck)
	require.True(t, ok)
	assert.Equal(t, StepSucceeded, first.Status)
}

func TestExecute_PortHeldByUnrelatedProgramFails(t *testing.T) {
	h := newHarness(t, listenOnGUIPort(t))
	require.NoError(t, process.WritePIDFile(PIDFile(h.cfg), 777))
	h.pm.AliveFunc = func(pid int) bool { return true }
	h.pm.CmdlineFunc = func(pid int) ([]string, error) { return []string{"sleep", "30"}, nil }

	run := h.executeWithRealChecker()

	assert.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, StepPrerequisiteCheck, run.Steps[0].Name)
	assert.Empty(t, h.callsTo("Terminate"))
}

func TestExecute_StalePIDFileIsNotTerminated(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, process.WritePIDFile(PIDFile(h.cfg), 777))
	h.pm.AliveFunc = func(pid int) bool { return true }
	h.pm.CmdlineFunc = func(pid int) ([]string, error) { return []string{"/usr/bin/vim"}, nil }

	run := h.execute()

	require.Equal(t, RunSucceeded, run.Status)
	assert.Empty(t, h.callsTo("Terminate"))
	assert.Equal(t, 4242, process.ReadPIDFile(PIDFile(h.cfg)))
}

// =============================================================================
// Ordering and events
// =============================================================================

func TestExecute_TimestampsAreOrdered(t *testing.T) {
	h := newHarness(t, nil)
	run := h.execute()

	prev := run.Started
	for _, s := range run.Steps {
		assert.False(t, s.Started.Before(prev), s.Name)
		assert.False(t, s.Finished.Before(s.Started), s.Name)
		prev = s.Finished
	}
	assert.False(t, run.Finished.Before(prev))
	assert.Equal(t, StepVerifyReachability, run.Steps[len(run.Steps)-1].Name)
}

func TestExecute_EmitsEventsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	run := h.execute()

	require.Len(t, h.events, 2+2*len(Order()))
	assert.Equal(t, EventRunStarted, h.events[0].Kind)
	for i, name := range Order() {
		started := h.events[1+2*i]
		finished := h.events[2+2*i]
		assert.Equal(t, EventStepStarted, started.Kind)
		assert.Equal(t, name, started.Step.Name)
		assert.Equal(t, StepRunning, started.Step.Status)
		assert.Equal(t, EventStepFinished, finished.Kind)
		assert.Equal(t, name, finished.Step.Name)
		assert.Equal(t, StepSucceeded, finished.Step.Status)
	}
	last := h.events[len(h.events)-1]
	assert.Equal(t, EventRunFinished, last.Kind)
	require.NotNil(t, last.Run)
	assert.Equal(t, run.ID, last.Run.ID)
	assert.Equal(t, RunSucceeded, last.RunStatus)
}

func TestExecute_NilObserver(t *testing.T) {
	h := newHarness(t, nil)
	p := New(Deps{Process: h.pm, Checker: h.checker, Acquirer: h.acquirer, Service: h.service, Health: h.health})
	run := p.Execute(context.Background(), h.cfg, nil)
	assert.Equal(t, RunSucceeded, run.Status)
}

// =============================================================================
// Types
// =============================================================================

func TestStepPolicy(t *testing.T) {
	var fatal []Step
	for _, s := range Order() {
		if s.Fatal() {
			fatal = append(fatal, s)
		}
	}
	assert.Equal(t, []Step{
		StepPrerequisiteCheck,
		StepAcquireBinary,
		StepGenerateBaseConfig,
		StepPatchConfig,
		StepVerifyReachability,
	}, fatal)
}

func TestRun_CloneIsIndependent(t *testing.T) {
	run := &Run{
		Steps:    []StepResult{{Name: StepPatchConfig, Remediation: []string{"a"}}},
		Warnings: []string{"w"},
	}
	c := run.Clone()
	c.Steps[0].Remediation[0] = "b"
	c.Warnings[0] = "x"
	assert.Equal(t, "a", run.Steps[0].Remediation[0])
	assert.Equal(t, "w", run.Warnings[0])
}

func TestRun_JSONOmitsSecrets(t *testing.T) {
	h := newHarness(t, nil)
	run := h.execute()
	data, err := json.Marshal(run)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), testPassword))
	assert.Contains(t, string(data), `"tier":"Standalone"`)
}

func TestErrorsUnwrap(t *testing.T) {
	inner := errors.New("boom")
	fatal := &FatalStepError{Step: StepPatchConfig, Err: fmt.Errorf("%w: %w", ErrStepFailed, inner)}
	assert.ErrorIs(t, fatal, inner)
	assert.ErrorIs(t, fatal, ErrStepFailed)
	assert.Equal(t, "PatchConfig failed: installation step failed: boom", fatal.Error())

	warn := &DegradedStepWarning{Step: StepProvisionCredentials, Err: inner}
	assert.ErrorIs(t, warn, inner)
	assert.Contains(t, warn.Error(), "degraded")
}
