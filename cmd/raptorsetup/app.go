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
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/history"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/installer"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/runner"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
	"github.com/AleutianAI/RaptorSetup/pkg/telemetry"
	"github.com/AleutianAI/RaptorSetup/pkg/ux"
)

// app holds the collaborators shared by every command.
type app struct {
	logger       *logging.Logger
	settingsPath string
	controller   *settings.Controller
	catalog      artifacts.Catalog
	history      *history.Store

	shutdownTrace func(context.Context) error
}

// newApp parses the global flags, loads the settings file and starts
// tracing. A settings file that does not exist yet is created with defaults.
func newApp(ctx context.Context) (*app, error) {
	ux.SetMode(ux.DetectMode(os.Stdout))
	if outputMode != "" {
		ux.SetMode(ux.ParseMode(outputMode))
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "raptorsetup",
		JSON:    logJSON,
	})

	traceCfg := telemetry.DefaultConfig()
	traceCfg.ServiceVersion = version
	if traceExport != "" {
		traceCfg.TraceExporter = traceExport
	}
	shutdown, err := telemetry.Init(ctx, traceCfg)
	if err != nil {
		logger.Close()
		return nil, err
	}

	path := settingsPath
	if path == "" {
		if path, err = settings.DefaultPath(); err != nil {
			logger.Close()
			return nil, err
		}
	}
	store, created, err := settings.Load(path)
	if err != nil {
		logger.Close()
		return nil, err
	}
	if created {
		logger.Info("created default settings file", "path", path)
	}

	controller := settings.NewController(store, settings.WithLogger(logger))
	a := &app{
		logger:        logger,
		settingsPath:  path,
		controller:    controller,
		catalog:       artifacts.Default(),
		shutdownTrace: shutdown,
	}
	// The controller fills in a generated password on first sight; persist
	// it so every later run reuses the same value.
	if pw := store.Credentials.Password; pw == nil || pw.Secret() == "" {
		if err := a.save(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

// save writes the controller's current settings to the settings file.
func (a *app) save() error {
	if err := settings.Save(a.settingsPath, a.controller.Snapshot()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// openHistory opens the run history store on first use.
func (a *app) openHistory() (*history.Store, error) {
	if a.history != nil {
		return a.history, nil
	}
	path, err := history.DefaultPath()
	if err != nil {
		return nil, err
	}
	store, err := history.Open(history.Config{Path: path, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.history = store
	return store, nil
}

// newInstaller wires the installer facade. The run history and the
// cross-process lock are attached only when record is set; read-only
// commands such as status and stop leave both alone.
func (a *app) newInstaller(record bool) *installer.Installer {
	deps := pipeline.DefaultDeps(a.logger)
	pipe := pipeline.New(deps, pipeline.WithLogger(a.logger))

	opts := []runner.Option{runner.WithLogger(a.logger)}
	if record {
		opts = append(opts, runner.WithLocker(process.NewLock(process.DefaultLockConfig())))
		if store, err := a.openHistory(); err != nil {
			a.logger.Warn("run history unavailable; this run will not be recorded", "error", err.Error())
		} else {
			opts = append(opts, runner.WithRecorder(store))
		}
	}

	return installer.New(installer.Deps{
		Controller: a.controller,
		Engine:     derive.NewEngine(a.catalog),
		Runner:     runner.New(pipe, opts...),
		Process:    deps.Process,
		Service:    deps.Service,
		Health:     deps.Health,
	}, a.logger)
}

// close releases the history database, flushes traces and closes the log.
func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("failed to close run history", "error", err.Error())
		}
	}
	if a.shutdownTrace != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTrace(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err.Error())
		}
	}
	a.logger.Close()
}
