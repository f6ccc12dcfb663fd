// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/certs"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/release"
)

// certificateWarningWindow is how close to expiry an imported certificate
// may be before the run carries a warning.
const certificateWarningWindow = 30 * 24 * time.Hour

func (ex *execution) warnIfShortLived(info certs.Info, now time.Time) {
	if left := info.NotAfter.Sub(now); left < certificateWarningWindow {
		ex.warn("imported certificate for %q expires in %d days", info.Subject, int(left.Hours()/24))
	}
}

// remediation returns the suggestions shown when step name fails with err.
func (p *Pipeline) remediation(name Step, cfg derive.EffectiveConfiguration, err error) []string {
	paths := cfg.Paths
	var out []string

	switch name {
	case StepPrerequisiteCheck:
		out = infra.Remediations(err)
		if len(out) == 0 {
			out = []string{
				"Verify administrator rights",
				fmt.Sprintf("Check port availability: %d", cfg.Network.Port),
			}
		}

	case StepAcquireBinary:
		out = []string{"Check network connectivity to " + cfg.ReleaseManifestURL}
		if cfg.Network.Proxy == nil {
			out = append(out, "Configure network.proxy if outbound traffic must use a proxy")
		} else {
			out = append(out, "Check the proxy at "+release.ProxyURL(*cfg.Network.Proxy).Host)
		}
		out = append(out, "Place the server binary at "+paths.BinaryPath+" and run install again")

	case StepGenerateBaseConfig:
		out = []string{
			fmt.Sprintf("Run '%s config generate' by hand to see the full error", paths.BinaryPath),
			"Check that " + paths.BinaryPath + " is built for this platform",
		}

	case StepPatchConfig:
		if errors.Is(err, certs.ErrKeyMismatch) || errors.Is(err, certs.ErrExpired) || errors.Is(err, certs.ErrNotYetValid) {
			out = []string{
				"Check the imported certificate " + cfg.Certificate.CertPath,
				"Check that " + cfg.Certificate.KeyPath + " is the key for that certificate",
			}
		} else {
			out = []string{
				"Inspect " + paths.ConfigPath + " for hand edits that break its structure",
				"Delete " + paths.ConfigPath + " to regenerate it on the next run",
			}
		}

	case StepProvisionCredentials:
		out = []string{fmt.Sprintf("Create the administrator with '%s --config %s user add %s --role administrator'",
			paths.BinaryPath, paths.ConfigPath, cfg.Admin.Username)}

	case StepInstallServiceOrProcess:
		out = []string{
			"Check 'systemctl status " + infra.DefaultUnitName + "'",
			"Check " + ServerLog(cfg),
		}

	case StepConfigureArtifactPacks, StepApplyComplianceOverrides:
		out = []string{"Check write access to " + paths.InstallDir}

	case StepVerifyReachability:
		out = []string{
			"Check " + ServerLog(cfg) + " for startup errors",
			fmt.Sprintf("Check port availability: %d", cfg.Network.Port),
			"Check firewall rules for the GUI port",
		}
	}

	var cmdErr *process.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Stderr != "" {
		out = append(out, "Command output: "+cmdErr.Stderr)
	}
	return out
}
