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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/statusapi"
)

// --- Global Command Variables ---
var (
	settingsPath string
	logLevel     string
	logDir       string
	logJSON      bool
	traceExport  string
	outputMode   string

	deriveWatch  bool
	installNoTUI bool
	installServe string
	statusWatch  time.Duration
	statusServe  string
	historyLimit int
	wizardAccess bool

	rootCmd = &cobra.Command{
		Use:   "raptorsetup",
		Short: "Configure and install a Velociraptor server",
		Long: `raptorsetup turns a handful of deployment choices (tier, security
level, compliance framework, certificate strategy) into a complete
Velociraptor server configuration and installs it on this host.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Settings ---
	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check the current settings and list every problem",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	deriveCmd = &cobra.Command{
		Use:   "derive",
		Short: "Show the effective configuration derived from the settings",
		Args:  cobra.NoArgs,
		RunE:  runDerive,
	}
	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "Show or edit the saved settings",
	}
	settingsShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the settings file with secrets masked",
		Args:  cobra.NoArgs,
		RunE:  runSettingsShow,
	}
	settingsSetCmd = &cobra.Command{
		Use:   "set key=value [key=value...]",
		Short: "Change one or more settings",
		Example: `  raptorsetup settings set deployment_tier=server network.port=9443
  raptorsetup settings set certificate.strategy=managed_acme certificate.email=ops@example.com`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSettingsSet,
	}
	settingsKeysCmd = &cobra.Command{
		Use:   "keys",
		Short: "List the keys accepted by settings set",
		Args:  cobra.NoArgs,
		RunE:  runSettingsKeys,
	}
	configureCmd = &cobra.Command{
		Use:   "configure",
		Short: "Edit the settings in an interactive form",
		Args:  cobra.NoArgs,
		RunE:  runConfigure,
	}

	// --- Installation ---
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Run the installation pipeline",
		Args:  cobra.NoArgs,
		RunE:  runInstall,
	}
	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the installed server",
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Check the installed server",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	// --- History ---
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recorded installation runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	historyShowCmd = &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the raptorsetup version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "",
		"Settings file (default ~/.raptorsetup/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write stderr logs as JSON")
	rootCmd.PersistentFlags().StringVar(&traceExport, "trace", "",
		"Export OpenTelemetry spans: stdout (stderr on exit) or otlp (OTEL_EXPORTER_OTLP_ENDPOINT)")
	rootCmd.PersistentFlags().Lookup("trace").NoOptDefVal = "stdout"
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "",
		"Output style: rich, minimal, or machine (default: rich on a terminal, machine otherwise)")

	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(deriveCmd)
	deriveCmd.Flags().BoolVar(&deriveWatch, "watch", false, "Re-derive whenever the settings file changes")

	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsKeysCmd)

	rootCmd.AddCommand(configureCmd)
	configureCmd.Flags().BoolVar(&wizardAccess, "accessible", false, "Use the screen-reader friendly prompt mode")

	rootCmd.AddCommand(installCmd)
	installCmd.Flags().BoolVar(&installNoTUI, "no-tui", false, "Print one line per step instead of the live view")
	installCmd.Flags().StringVar(&installServe, "serve", "",
		"Serve the status API, including the /runs/events stream, on this address while installing")

	rootCmd.AddCommand(stopCmd)

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusWatch, "watch", 0, "Check again at this interval until interrupted (e.g. 5s)")
	statusCmd.Flags().StringVar(&statusServe, "serve", "",
		"Serve /status, /runs and /metrics on this address (e.g. "+statusapi.DefaultAddr+")")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	historyCmd.AddCommand(historyShowCmd)

	rootCmd.AddCommand(versionCmd)
}
