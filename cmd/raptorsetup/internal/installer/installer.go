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
Package installer is the facade front ends talk to.

It owns the settings Controller and exposes the three user actions:

  - Validate: every validation problem for the current settings
  - Start: validate, snapshot the effective configuration, trigger a run
  - Stop: stop the installed server without touching any run

Warnings and errors logged anywhere through the installer's logger are
kept in a short ring so a front end can show the most recent ones.
*/
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/monitor"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/runner"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/validation"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

// DefaultStopGrace is how long Stop waits between SIGTERM and SIGKILL.
const DefaultStopGrace = 10 * time.Second

// maxNotices bounds the warning ring.
const maxNotices = 50

var (
	// ErrInvalidSettings wraps validation.Errors when Start is refused.
	ErrInvalidSettings = errors.New("settings are invalid")

	// ErrNotRunning is returned by Stop when no server was found.
	ErrNotRunning = errors.New("server is not running")
)

// ConfigListener receives the recomputed configuration after every
// settings change. errs is non-empty when the new settings are invalid,
// in which case cfg is the zero value.
type ConfigListener func(cfg derive.EffectiveConfiguration, errs validation.Errors)

// Deps are the collaborators the installer drives.
type Deps struct {
	Controller *settings.Controller
	Engine     *derive.Engine
	Runner     *runner.Runner
	Process    process.Manager
	Service    infra.ServiceManager
	Health     monitor.HealthChecker
}

// Installer is safe for concurrent use.
type Installer struct {
	deps      Deps
	logger    *logging.Logger
	stopGrace time.Duration

	mu      sync.Mutex
	notices []logging.Entry
}

// Option configures an Installer.
type Option func(*Installer)

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) Option {
	return func(i *Installer) { i.stopGrace = d }
}

// New creates an Installer and installs a notice mirror on logger. A nil
// logger is replaced with a quiet one.
func New(deps Deps, logger *logging.Logger, opts ...Option) *Installer {
	if logger == nil {
		logger = logging.Nop()
	}
	if deps.Engine == nil {
		deps.Engine = derive.NewEngine(artifacts.Default())
	}
	i := &Installer{deps: deps, logger: logger, stopGrace: DefaultStopGrace}
	for _, opt := range opts {
		opt(i)
	}
	logger.SetMirror(logging.MirrorFunc(i.notice))
	return i
}

func (i *Installer) notice(e logging.Entry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notices = append(i.notices, e)
	if over := len(i.notices) - maxNotices; over > 0 {
		i.notices = append([]logging.Entry(nil), i.notices[over:]...)
	}
}

// Notices returns the most recent warnings and errors, oldest first.
func (i *Installer) Notices() []logging.Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]logging.Entry(nil), i.notices...)
}

// Settings returns a snapshot of the current settings.
func (i *Installer) Settings() settings.Store {
	return i.deps.Controller.Snapshot()
}

// Update funnels a settings change through the Controller.
func (i *Installer) Update(reason string, mutate func(*settings.Store)) settings.Store {
	return i.deps.Controller.Update(reason, mutate)
}

// Validate returns every problem with the current settings.
func (i *Installer) Validate() validation.Errors {
	_, errs := i.deps.Engine.Resolve(i.deps.Controller.Snapshot())
	return errs
}

// Effective validates and derives the current settings.
func (i *Installer) Effective() (derive.EffectiveConfiguration, validation.Errors) {
	return i.deps.Engine.Resolve(i.deps.Controller.Snapshot())
}

// OnConfigChange calls l with a freshly derived configuration after every
// settings update.
func (i *Installer) OnConfigChange(l ConfigListener) (unsubscribe func()) {
	return i.deps.Controller.Subscribe(func(s settings.Store) {
		cfg, errs := i.deps.Engine.Resolve(s)
		l(cfg, errs)
	})
}

// Start validates the current settings and schedules a run.
//
// # Description
//
// The effective configuration is derived once here and handed to the
// runner, so settings edits made while the run executes do not affect it.
//
// # Outputs
//
//   - uuid.UUID: the scheduled run's ID
//   - error: ErrInvalidSettings wrapping validation.Errors,
//     runner.ErrRunInProgress, or *process.ErrLockHeld
func (i *Installer) Start(ctx context.Context) (uuid.UUID, error) {
	cfg, errs := i.Effective()
	if len(errs) > 0 {
		i.logger.Warn("install refused: settings are invalid", "errors", len(errs))
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidSettings, errs)
	}
	return i.deps.Runner.Trigger(ctx, cfg)
}

// Runner exposes the run scheduler for subscriptions and snapshots.
func (i *Installer) Runner() *runner.Runner {
	return i.deps.Runner
}

// Status checks the server described by the current settings. Settings
// that fail validation are still checked with their derived values.
func (i *Installer) Status(ctx context.Context) monitor.Status {
	cfg := i.deps.Engine.Derive(i.deps.Controller.Snapshot())
	return i.deps.Health.Check(ctx, pipeline.Target(cfg))
}

// Stop stops the installed server.
//
// # Description
//
// A registered system service is stopped through the service manager.
// Otherwise the pid recorded by the last foreground start is terminated
// if its command line still names the server binary; a stale pidfile is
// ignored in favour of the first process table match.
// Pipeline state is never touched; a run in flight continues.
//
// # Outputs
//
//   - string: what was stopped
//   - error: ErrNotRunning when nothing was found
func (i *Installer) Stop(ctx context.Context) (string, error) {
	cfg := i.deps.Engine.Derive(i.deps.Controller.Snapshot())

	if svc := i.deps.Service; svc != nil && svc.Installed() {
		if err := svc.Stop(ctx); err != nil {
			return "", fmt.Errorf("stop service: %w", err)
		}
		i.logger.Info("server stopped", "mode", "service")
		return "stopped system service " + infra.DefaultUnitName, nil
	}

	pm := i.deps.Process
	pidFile := pipeline.PIDFile(cfg)
	pid, err := process.FindServer(ctx, pm, pidFile, cfg.Paths.BinaryPath)
	if err != nil {
		return "", fmt.Errorf("look up server process: %w", err)
	}
	if pid <= 0 {
		return "", ErrNotRunning
	}

	if err := pm.Terminate(ctx, pid, i.stopGrace); err != nil {
		if errors.Is(err, process.ErrNotRunning) {
			return "", ErrNotRunning
		}
		return "", fmt.Errorf("stop pid %d: %w", pid, err)
	}
	if err := os.Remove(pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		i.logger.Warn("failed to remove pid file", "path", pidFile, "error", err.Error())
	}
	i.logger.Info("server stopped", "mode", "process", "pid", pid)
	return fmt.Sprintf("stopped server process %d", pid), nil
}
