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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/history"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/ui"
	"github.com/AleutianAI/RaptorSetup/pkg/ux"
)

func runHistoryList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.openHistory()
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	runs, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ux.Info("no installation runs recorded yet")
		return nil
	}

	out := cmd.OutOrStdout()
	for _, run := range runs {
		fmt.Fprintf(out, "%s %s  %-9s %-10s %s\n",
			runIcon(run).Render(),
			run.ID,
			run.Status,
			run.Summary.Tier,
			run.Started.Local().Format(time.DateTime),
		)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.openHistory()
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	run, err := store.Get(cmd.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("no recorded run with id %s", id)
	}
	if err != nil {
		return err
	}
	ui.PrintRun(run)
	return nil
}

func runIcon(run *pipeline.Run) ux.Icon {
	switch run.Status {
	case pipeline.RunSucceeded:
		return ux.IconSuccess
	case pipeline.RunFailed:
		return ux.IconError
	default:
		return ux.IconRunning
	}
}
