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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/artifacts"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/certs"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/monitor"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/patch"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/release"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
)

// File names written inside the install directory.
const (
	PIDFileName   = "velociraptor.pid"
	ServerLogName = "server.log"
)

var (
	// ErrEmptyBinary is returned when the acquired binary has no content.
	ErrEmptyBinary = errors.New("server binary is empty")

	// ErrEmptyConfig is returned when the generate command printed nothing.
	ErrEmptyConfig = errors.New("generate command produced an empty config")
)

// PIDFile returns where the foreground-process pid is recorded.
func PIDFile(cfg derive.EffectiveConfiguration) string {
	return filepath.Join(cfg.Paths.InstallDir, PIDFileName)
}

// ServerLog returns the log file of a foreground-process server.
func ServerLog(cfg derive.EffectiveConfiguration) string {
	return filepath.Join(cfg.Paths.LogDir, ServerLogName)
}

// Target returns the reachability target for cfg.
func Target(cfg derive.EffectiveConfiguration) monitor.Target {
	return monitor.Target{
		BindAddress:    cfg.Network.BindAddress,
		Port:           cfg.Network.Port,
		ProcessPattern: cfg.Paths.BinaryPath,
	}
}

// -----------------------------------------------------------------------------
// 1. PrerequisiteCheck
// -----------------------------------------------------------------------------

func (p *Pipeline) prerequisiteCheck(ctx context.Context, ex *execution) (string, error) {
	req := infra.Request{
		InstallDir:    ex.cfg.Paths.InstallDir,
		BindAddress:   ex.cfg.Network.BindAddress,
		Port:          ex.cfg.Network.Port,
		NeedRoot:      ex.cfg.RunsAsService(),
		MinFreeBytes:  p.minFreeBytes,
		ServerRunning: p.serverRunning(ctx, ex),
	}
	if err := p.deps.Checker.Check(ctx, req); err != nil {
		return "", err
	}
	if req.ServerRunning {
		return fmt.Sprintf("port %d held by the installed server, which will be replaced; disk space and privileges sufficient", req.Port), nil
	}
	return fmt.Sprintf("port %d free, disk space and privileges sufficient", req.Port), nil
}

// serverRunning reports whether a server from an earlier install is up,
// either as the system service or as a process started from the binary.
func (p *Pipeline) serverRunning(ctx context.Context, ex *execution) bool {
	if svc := p.deps.Service; svc != nil && svc.Installed() && svc.IsActive(ctx) {
		return true
	}
	pid, err := process.FindServer(ctx, p.deps.Process, PIDFile(ex.cfg), ex.cfg.Paths.BinaryPath)
	if err != nil {
		p.logger.Warn("previous server lookup failed", "run_id", ex.run.ID.String(), "error", err.Error())
		return false
	}
	return pid > 0
}

// -----------------------------------------------------------------------------
// 2. AcquireBinary
// -----------------------------------------------------------------------------

func (p *Pipeline) acquireBinary(ctx context.Context, ex *execution) (string, error) {
	paths := ex.cfg.Paths
	if err := os.MkdirAll(paths.InstallDir, 0755); err != nil {
		return "", fmt.Errorf("create install directory: %w", err)
	}

	res, err := p.deps.Acquirer.Acquire(ctx, release.Request{
		ManifestURL: ex.cfg.ReleaseManifestURL,
		Dest:        paths.BinaryPath,
		Proxy:       ex.cfg.Network.Proxy,
	})
	if err != nil {
		return "", err
	}

	info, err := os.Stat(paths.BinaryPath)
	if err != nil {
		return "", fmt.Errorf("stat binary: %w", err)
	}
	if info.Size() == 0 {
		return "", ErrEmptyBinary
	}
	if res.Downloaded {
		return fmt.Sprintf("downloaded %s (%s, %d bytes)", res.Version, res.Asset, info.Size()), nil
	}
	return fmt.Sprintf("using existing binary (%d bytes)", info.Size()), nil
}

// -----------------------------------------------------------------------------
// 3. GenerateBaseConfig
// -----------------------------------------------------------------------------

// generateBaseConfig writes `<binary> config generate` output to the config
// path. An existing non-empty config is kept: regenerating would rotate
// the server's CA and orphan enrolled clients.
func (p *Pipeline) generateBaseConfig(ctx context.Context, ex *execution) (string, error) {
	paths := ex.cfg.Paths
	if info, err := os.Stat(paths.ConfigPath); err == nil && info.Size() > 0 {
		return "existing configuration kept", nil
	}

	out, err := p.deps.Process.Run(ctx, paths.BinaryPath, "config", "generate")
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return "", ErrEmptyConfig
	}
	if err := os.WriteFile(paths.ConfigPath, out, 0600); err != nil {
		return "", fmt.Errorf("write base config: %w", err)
	}
	return fmt.Sprintf("generated %s", paths.ConfigPath), nil
}

// -----------------------------------------------------------------------------
// 4. PatchConfig
// -----------------------------------------------------------------------------

func (p *Pipeline) patchConfig(_ context.Context, ex *execution) (string, error) {
	plan := ex.cfg.Certificate
	if plan.Strategy == settings.CertCustomImport {
		info, err := certs.VerifyFiles(plan.CertPath, plan.KeyPath, p.now())
		if err != nil {
			return "", fmt.Errorf("imported certificate: %w", err)
		}
		ex.warnIfShortLived(info, p.now())
	}

	for _, dir := range []string{ex.cfg.Paths.DatastoreDir, ex.cfg.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	sections := patch.SectionsFor(ex.cfg)
	if err := patch.PatchFile(ex.cfg.Paths.ConfigPath, sections); err != nil {
		return "", err
	}
	return fmt.Sprintf("patched %d sections", len(sections)), nil
}

// -----------------------------------------------------------------------------
// 5. ProvisionCredentials
// -----------------------------------------------------------------------------

// provisionCredentials creates the administrator. The password is passed
// as an argument and must never reach a log line; CommandError carries
// stderr only.
func (p *Pipeline) provisionCredentials(ctx context.Context, ex *execution) (string, error) {
	admin := ex.cfg.Admin
	if admin.Username == "" || admin.Password == "" {
		return "", errors.New("no administrator credentials configured")
	}
	_, err := p.deps.Process.Run(ctx, ex.cfg.Paths.BinaryPath,
		"--config", ex.cfg.Paths.ConfigPath,
		"user", "add", admin.Username,
		"--role", "administrator",
		"--password", admin.Password,
	)
	if err != nil {
		return fmt.Sprintf("administrator %q not created", admin.Username), err
	}
	return fmt.Sprintf("administrator %q ready", admin.Username), nil
}

// -----------------------------------------------------------------------------
// 6. InstallServiceOrProcess
// -----------------------------------------------------------------------------

func (p *Pipeline) installServiceOrProcess(ctx context.Context, ex *execution) (string, error) {
	paths := ex.cfg.Paths
	if ex.cfg.RunsAsService() {
		svc := p.deps.Service
		if !svc.Available() {
			ex.warn("%s: %v, falling back to a background process", StepInstallServiceOrProcess, infra.ErrServiceUnavailable)
		} else {
			err := svc.Install(ctx, infra.UnitSpec{
				BinaryPath: paths.BinaryPath,
				ConfigPath: paths.ConfigPath,
				WorkingDir: paths.InstallDir,
			})
			if err == nil {
				return "registered and started system service", nil
			}
			ex.warn("%s: service registration failed (%v), falling back to a background process", StepInstallServiceOrProcess, err)
		}
	}

	pid, err := p.startProcess(ctx, ex.cfg)
	if err != nil {
		return "", err
	}
	if ex.cfg.RunsAsService() {
		return fmt.Sprintf("service unavailable, started background process (pid %d)", pid), nil
	}
	return fmt.Sprintf("started background process (pid %d)", pid), nil
}

// startProcess replaces any server a previous run left behind so the new
// configuration takes effect.
func (p *Pipeline) startProcess(ctx context.Context, cfg derive.EffectiveConfiguration) (int, error) {
	pm := p.deps.Process
	pidFile := PIDFile(cfg)
	old, err := process.FindServer(ctx, pm, pidFile, cfg.Paths.BinaryPath)
	if err != nil {
		return 0, fmt.Errorf("look up previous server: %w", err)
	}
	if old > 0 {
		if err := pm.Terminate(ctx, old, p.stopGrace); err != nil && !errors.Is(err, process.ErrNotRunning) {
			return 0, fmt.Errorf("stop previous server (pid %d): %w", old, err)
		}
	}

	pid, err := pm.Start(ctx, process.StartSpec{
		Name:    cfg.Paths.BinaryPath,
		Args:    []string{"--config", cfg.Paths.ConfigPath, "frontend", "-v"},
		Dir:     cfg.Paths.InstallDir,
		LogPath: ServerLog(cfg),
	})
	if err != nil {
		return 0, err
	}
	if err := process.WritePIDFile(pidFile, pid); err != nil {
		return pid, fmt.Errorf("record pid: %w", err)
	}
	return pid, nil
}

// -----------------------------------------------------------------------------
// 7. ConfigureArtifactPacks
// -----------------------------------------------------------------------------

func (p *Pipeline) configureArtifactPacks(_ context.Context, ex *execution) (string, error) {
	path, err := artifacts.WriteManifest(filepath.Dir(ex.cfg.Paths.ConfigPath), artifacts.Manifest{
		Packs:     ex.cfg.ArtifactPacks,
		Artifacts: ex.cfg.Artifacts,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("recorded %d artifacts from %d packs in %s",
		len(ex.cfg.Artifacts), len(ex.cfg.ArtifactPacks), path), nil
}

// -----------------------------------------------------------------------------
// 8. ApplyComplianceOverrides
// -----------------------------------------------------------------------------

func (p *Pipeline) applyComplianceOverrides(_ context.Context, ex *execution) (string, error) {
	sections := patch.ComplianceSections(ex.cfg)
	if len(sections) == 0 {
		return "no compliance framework selected", nil
	}
	if err := patch.PatchFile(ex.cfg.Paths.ConfigPath, sections); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s settings asserted", ex.cfg.Compliance), nil
}

// -----------------------------------------------------------------------------
// 9. VerifyReachability
// -----------------------------------------------------------------------------

func (p *Pipeline) verifyReachability(ctx context.Context, ex *execution) (string, error) {
	target := Target(ex.cfg)
	st, err := p.deps.Health.WaitReachable(ctx, target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s answered HTTP %d", monitor.URL(target), st.HTTPStatus), nil
}
