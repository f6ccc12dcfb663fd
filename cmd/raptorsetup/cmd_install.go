// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/installer"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/runner"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/statusapi"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/ui"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/validation"
	"github.com/AleutianAI/RaptorSetup/pkg/ux"
)

// eventBuffer sizes the channel between the runner and the terminal view.
// Nine steps produce twenty events per run.
const eventBuffer = 64

// runInstall validates the settings, starts a run and follows it to the
// end.
//
// # Description
//
// The event channel is subscribed before Start so the RunStarted event is
// never missed. On a terminal the live view is shown; closing it early
// leaves the run going and the command keeps waiting for it, since the run
// lives in this process.
//
// With --serve the status API runs alongside for the life of the command.
// It is the only place /runs/events is available, because the runner and
// the open history database both belong to this process.
func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	inst := a.newInstaller(true)
	events, cancel := inst.Runner().Events(eventBuffer)
	defer cancel()

	if installServe != "" {
		stopServing := a.serveStatus(ctx, inst, installServe, statusapi.WithEvents(inst.Runner()))
		defer stopServing()
	}

	runID, err := inst.Start(ctx)
	if err != nil {
		return startError(err)
	}
	a.logger.Info("installation started", "run_id", runID.String())

	var final *pipeline.Run
	if !installNoTUI && ux.IsInteractive() {
		final, err = ui.RunProgress(events)
		if err != nil {
			a.logger.Warn("progress view failed; falling back to plain output", "error", err.Error())
			final = ui.PrintEvents(os.Stderr, events)
		} else if final == nil {
			ux.Muted("view detached; waiting for the installation to finish (ctrl+c to abandon it)")
		}
	} else {
		final = ui.PrintEvents(os.Stderr, events)
	}

	if err := inst.Runner().Wait(ctx); err != nil {
		return err
	}
	if final == nil {
		final = inst.Runner().Last()
	}
	if final == nil {
		return errors.New("installation finished without a result")
	}

	ui.PrintRun(final)
	if final.Status != pipeline.RunSucceeded {
		return errReported
	}
	return nil
}

// serveStatus runs the status API in the background. The returned func
// stops it and waits for the listener to close.
func (a *app) serveStatus(ctx context.Context, inst *installer.Installer, addr string, opts ...statusapi.Option) (stop func()) {
	var hist statusapi.HistorySource
	if a.history != nil {
		hist = a.history
	}
	srv := statusapi.New(inst, inst.Runner(), hist, a.logger, opts...)

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(serveCtx, addr); err != nil {
			a.logger.Error("status api failed", "addr", addr, "error", err.Error())
		}
	}()
	ux.Info("serving status on http://" + addr)
	return func() {
		cancel()
		<-done
	}
}

// installRunning reports a run in this process or one holding the host
// lock elsewhere.
func installRunning(inst *installer.Installer, lock statusapi.InstallLock) bool {
	if inst.Runner().Running() {
		return true
	}
	_, held := lock.Holder()
	return held
}

// startError turns a refused Start into a user-facing message.
func startError(err error) error {
	var errs validation.Errors
	if errors.As(err, &errs) {
		ui.PrintValidation(errs)
		return errReported
	}
	var held *process.ErrLockHeld
	if errors.As(err, &held) {
		ux.ErrorBox("Another installation is running", held.Error())
		return errReported
	}
	if errors.Is(err, runner.ErrRunInProgress) {
		return err
	}
	return fmt.Errorf("start installation: %w", err)
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	inst := a.newInstaller(false)
	var what string
	err = ux.WithSpinner("Stopping Velociraptor", func() error {
		var stopErr error
		what, stopErr = inst.Stop(cmd.Context())
		return stopErr
	})
	if errors.Is(err, installer.ErrNotRunning) {
		ux.Muted("no installed service or server process was found")
		return errReported
	}
	if err != nil {
		return errReported
	}
	ux.Muted(what)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	inst := a.newInstaller(false)
	lock := process.NewLock(process.DefaultLockConfig())

	if statusServe != "" {
		var hist statusapi.HistorySource
		if store, err := a.openHistory(); err != nil {
			// An install holding the database makes this expected.
			a.logger.Warn("run history unavailable; /runs will only show this process", "error", err.Error())
		} else {
			hist = store
		}
		srv := statusapi.New(inst, inst.Runner(), hist, a.logger, statusapi.WithInstallLock(lock))
		ux.Info("serving status on http://" + statusServe)
		return srv.Serve(ctx, statusServe)
	}

	st := inst.Status(ctx)
	ui.PrintStatus(st, installRunning(inst, lock))
	if statusWatch <= 0 {
		if !st.Healthy() {
			return errReported
		}
		return nil
	}

	ticker := time.NewTicker(statusWatch)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ux.Muted(time.Now().Format(time.TimeOnly))
			ui.PrintStatus(inst.Status(ctx), installRunning(inst, lock))
		}
	}
}
