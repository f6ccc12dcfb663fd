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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/ui"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/validation"
	"github.com/AleutianAI/RaptorSetup/pkg/ux"
)

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	errs := a.newInstaller(false).Validate()
	ui.PrintValidation(errs)
	if len(errs) > 0 {
		return errReported
	}
	return nil
}

func runDerive(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	inst := a.newInstaller(false)
	cfg, errs := inst.Effective()
	printDerived(cfg, errs)
	if !deriveWatch {
		if len(errs) > 0 {
			return errReported
		}
		return nil
	}

	unsubscribe := inst.OnConfigChange(func(cfg derive.EffectiveConfiguration, errs validation.Errors) {
		ux.Muted(strings.Repeat("─", 40))
		printDerived(cfg, errs)
	})
	defer unsubscribe()

	watcher, err := settings.NewFileWatcher(a.settingsPath, a.controller, a.logger)
	if err != nil {
		return fmt.Errorf("watch %s: %w", a.settingsPath, err)
	}
	defer watcher.Stop()

	ux.Muted(fmt.Sprintf("watching %s; press ctrl+c to stop", a.settingsPath))
	if err := watcher.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printDerived(cfg derive.EffectiveConfiguration, errs validation.Errors) {
	if len(errs) > 0 {
		ui.PrintValidation(errs)
		return
	}
	ui.PrintEffective(cfg)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	data, err := settings.Marshal(a.controller.Snapshot().Redacted())
	if err != nil {
		return err
	}
	if ux.GetMode() != ux.ModeMachine {
		ux.Muted("# " + a.settingsPath)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runSettingsKeys(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, key := range settings.Keys() {
		if choices := settings.Choices(key); len(choices) > 0 {
			fmt.Fprintf(out, "%-30s %s\n", key, strings.Join(choices, " | "))
			continue
		}
		fmt.Fprintln(out, key)
	}
	return nil
}

// runSettingsSet applies every key=value pair or none of them.
func runSettingsSet(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	next := a.controller.Snapshot()
	keys := make([]string, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		if err := settings.Set(&next, key, value); err != nil {
			return err
		}
		keys = append(keys, strings.TrimSpace(key))
	}

	if err := a.commit("settings set "+strings.Join(keys, ","), next); err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("saved %d setting(s) to %s", len(keys), a.settingsPath))
	if errs := a.newInstaller(false).Validate(); len(errs) > 0 {
		ui.PrintValidation(errs)
	}
	return nil
}

func runConfigure(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if !wizardAccess && !ux.IsInteractive() {
		return errors.New("configure needs an interactive terminal; use 'raptorsetup settings set' instead")
	}

	answers, err := ui.RunWizard(a.controller.Snapshot(), a.catalog, wizardAccess)
	if errors.Is(err, ui.ErrWizardAborted) {
		ux.Warning("configuration cancelled; nothing was saved")
		return nil
	}
	if err != nil {
		return err
	}

	next := a.controller.Snapshot()
	if err := answers.Apply(&next); err != nil {
		return err
	}
	if err := a.commit("configure wizard", next); err != nil {
		return err
	}
	ux.Success("saved settings to " + a.settingsPath)
	ui.PrintValidation(a.newInstaller(false).Validate())
	return nil
}

// commit replaces the controller's settings with next and saves them.
func (a *app) commit(reason string, next settings.Store) error {
	a.controller.Update(reason, func(s *settings.Store) { *s = next })
	return a.save()
}
