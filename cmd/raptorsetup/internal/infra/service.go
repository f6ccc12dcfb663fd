// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
)

// Systemd defaults.
const (
	DefaultUnitName = "velociraptor.service"
	DefaultUnitDir  = "/etc/systemd/system"
	systemdRunDir   = "/run/systemd/system"
)

// ErrServiceUnavailable is returned when the host has no usable service
// manager.
var ErrServiceUnavailable = errors.New("no system service manager available")

// UnitSpec is what a service unit needs to launch the server.
type UnitSpec struct {
	BinaryPath string
	ConfigPath string
	WorkingDir string
}

// ServiceManager registers and controls the server as a system service.
type ServiceManager interface {
	// Available reports whether services can be registered on this host.
	Available() bool

	// Install writes the unit, reloads the manager, then enables and starts it.
	Install(ctx context.Context, spec UnitSpec) error

	// Stop stops the service. Returns ErrServiceUnavailable if no unit exists.
	Stop(ctx context.Context) error

	// IsActive reports whether the service is currently active.
	IsActive(ctx context.Context) bool

	// Installed reports whether the unit file exists.
	Installed() bool
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Velociraptor DFIR server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} --config {{.ConfigPath}} frontend
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=5
LimitNOFILE=65536

[Install]
WantedBy=multi-user.target
`))

// RenderUnit returns the unit file contents for spec.
func RenderUnit(spec UnitSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, spec); err != nil {
		return nil, fmt.Errorf("render unit: %w", err)
	}
	return buf.Bytes(), nil
}

// SystemdService implements ServiceManager with systemctl.
type SystemdService struct {
	pm       process.Manager
	unitDir  string
	unitName string
	runDir   string
	lookPath func(string) (string, error)
}

// NewSystemdService creates a SystemdService writing unitName under unitDir.
// Empty values use DefaultUnitDir and DefaultUnitName.
func NewSystemdService(pm process.Manager, unitDir, unitName string) *SystemdService {
	if unitDir == "" {
		unitDir = DefaultUnitDir
	}
	if unitName == "" {
		unitName = DefaultUnitName
	}
	return &SystemdService{
		pm:       pm,
		unitDir:  unitDir,
		unitName: unitName,
		runDir:   systemdRunDir,
		lookPath: exec.LookPath,
	}
}

// UnitPath returns the unit file location.
func (s *SystemdService) UnitPath() string {
	return filepath.Join(s.unitDir, s.unitName)
}

// Available reports whether systemctl exists and systemd is PID 1.
func (s *SystemdService) Available() bool {
	if _, err := s.lookPath("systemctl"); err != nil {
		return false
	}
	info, err := os.Stat(s.runDir)
	return err == nil && info.IsDir()
}

// Install writes the unit, enables it and (re)starts it.
func (s *SystemdService) Install(ctx context.Context, spec UnitSpec) error {
	if !s.Available() {
		return ErrServiceUnavailable
	}
	unit, err := RenderUnit(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.UnitPath(), unit, 0o644); err != nil {
		return fmt.Errorf("write unit %s: %w", s.UnitPath(), err)
	}
	if _, err := s.pm.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if _, err := s.pm.Run(ctx, "systemctl", "enable", s.unitName); err != nil {
		return fmt.Errorf("systemctl enable %s: %w", s.unitName, err)
	}
	// restart rather than start so a reinstall picks up the patched config.
	if _, err := s.pm.Run(ctx, "systemctl", "restart", s.unitName); err != nil {
		return fmt.Errorf("systemctl restart %s: %w", s.unitName, err)
	}
	return nil
}

// Stop stops the unit.
func (s *SystemdService) Stop(ctx context.Context) error {
	if !s.Installed() || !s.Available() {
		return ErrServiceUnavailable
	}
	if _, err := s.pm.Run(ctx, "systemctl", "stop", s.unitName); err != nil {
		return fmt.Errorf("systemctl stop %s: %w", s.unitName, err)
	}
	return nil
}

// IsActive runs systemctl is-active.
func (s *SystemdService) IsActive(ctx context.Context) bool {
	if !s.Installed() || !s.Available() {
		return false
	}
	_, err := s.pm.Run(ctx, "systemctl", "is-active", "--quiet", s.unitName)
	return err == nil
}

// Installed reports whether the unit file exists.
func (s *SystemdService) Installed() bool {
	_, err := os.Stat(s.UnitPath())
	return err == nil
}

// MockService is a test double for ServiceManager. Unset funcs report an
// unavailable manager with nothing installed.
type MockService struct {
	AvailableFunc func() bool
	InstallFunc   func(ctx context.Context, spec UnitSpec) error
	StopFunc      func(ctx context.Context) error
	IsActiveFunc  func(ctx context.Context) bool
	InstalledFunc func() bool

	Installs []UnitSpec
	Stops    int
}

func (m *MockService) Available() bool {
	return m.AvailableFunc != nil && m.AvailableFunc()
}

func (m *MockService) Install(ctx context.Context, spec UnitSpec) error {
	m.Installs = append(m.Installs, spec)
	if m.InstallFunc == nil {
		return nil
	}
	return m.InstallFunc(ctx, spec)
}

func (m *MockService) Stop(ctx context.Context) error {
	m.Stops++
	if m.StopFunc == nil {
		return ErrServiceUnavailable
	}
	return m.StopFunc(ctx)
}

func (m *MockService) IsActive(ctx context.Context) bool {
	return m.IsActiveFunc != nil && m.IsActiveFunc(ctx)
}

func (m *MockService) Installed() bool {
	return m.InstalledFunc != nil && m.InstalledFunc()
}

var (
	_ ServiceManager = (*SystemdService)(nil)
	_ ServiceManager = (*MockService)(nil)
)
