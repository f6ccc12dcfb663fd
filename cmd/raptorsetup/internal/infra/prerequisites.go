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
Package infra provides pre-flight host checks and system service
registration for the installer.

# Pre-flight checks

Before anything is written to disk the pipeline verifies:

 1. Privilege: root is required only when a system service will be
    registered. Foreground-process installs into a writable directory
    run unprivileged.
 2. Port: the GUI bind address and port can be bound right now.
 3. Disk: the filesystem holding the install directory has at least
    MinFreeBytes available.

Every failure is a *CheckError carrying a human-readable message, a
technical detail, and a remediation string that the front end shows
verbatim.

# Service registration

SystemdService writes a unit file and enables it through systemctl. The
pipeline falls back to a detached process when Available reports false or
Install fails.
*/
package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultMinFreeBytes is the free space required under the install directory.
const DefaultMinFreeBytes int64 = 2 << 30

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// CheckErrorType categorizes pre-flight failures for programmatic handling.
type CheckErrorType int

const (
	// CheckErrorPrivilege indicates the installer needs root and is not root.
	CheckErrorPrivilege CheckErrorType = iota

	// CheckErrorPortInUse indicates the GUI port cannot be bound.
	CheckErrorPortInUse

	// CheckErrorDiskSpaceLow indicates insufficient available disk space.
	CheckErrorDiskSpaceLow

	// CheckErrorDiskUnreadable indicates free space could not be determined.
	CheckErrorDiskUnreadable
)

// String returns the error type as a string for logging.
func (t CheckErrorType) String() string {
	switch t {
	case CheckErrorPrivilege:
		return "PRIVILEGE_REQUIRED"
	case CheckErrorPortInUse:
		return "PORT_IN_USE"
	case CheckErrorDiskSpaceLow:
		return "DISK_SPACE_LOW"
	case CheckErrorDiskUnreadable:
		return "DISK_UNREADABLE"
	default:
		return "UNKNOWN"
	}
}

// CheckError provides structured error information for pre-flight checks.
type CheckError struct {
	// Type categorizes the error for programmatic handling.
	Type CheckErrorType

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *CheckError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// Remediations collects the remediation strings of every *CheckError in
// err's tree, including errors.Join branches.
func Remediations(err error) []string {
	switch e := err.(type) {
	case nil:
		return nil
	case *CheckError:
		if e.Remediation == "" {
			return nil
		}
		return []string{e.Remediation}
	case interface{ Unwrap() []error }:
		var out []string
		for _, inner := range e.Unwrap() {
			out = append(out, Remediations(inner)...)
		}
		return out
	default:
		return Remediations(errors.Unwrap(err))
	}
}

// -----------------------------------------------------------------------------
// Checker
// -----------------------------------------------------------------------------

// Request describes what the installation is about to do.
type Request struct {
	InstallDir   string
	BindAddress  string
	Port         int
	NeedRoot     bool
	MinFreeBytes int64

	// ServerRunning is set when the server being reinstalled is up. Its
	// port is then expected to be taken and the port check is skipped.
	ServerRunning bool
}

// Checker runs pre-flight checks.
type Checker interface {
	// Check runs every check and returns nil, or an errors.Join of
	// *CheckError values, one per failed check.
	Check(ctx context.Context, req Request) error
}

// DefaultChecker checks the real host.
type DefaultChecker struct {
	geteuid   func() int
	freeBytes func(path string) (int64, error)
	listen    func(network, address string) (net.Listener, error)
}

// NewDefaultChecker creates a Checker backed by the operating system.
func NewDefaultChecker() *DefaultChecker {
	return &DefaultChecker{
		geteuid:   unix.Geteuid,
		freeBytes: AvailableBytes,
		listen:    net.Listen,
	}
}

// Check runs the privilege, port and disk checks. A cancelled context is
// joined with any failure already collected.
func (c *DefaultChecker) Check(ctx context.Context, req Request) error {
	var errs []error
	if err := c.CheckPrivilege(req.NeedRoot); err != nil {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if !req.ServerRunning {
		if err := c.CheckPort(req.BindAddress, req.Port); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.CheckDiskSpace(req.InstallDir, req.MinFreeBytes); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckPrivilege fails when needRoot is set and the effective uid is not 0.
func (c *DefaultChecker) CheckPrivilege(needRoot bool) error {
	if !needRoot || c.geteuid() == 0 {
		return nil
	}
	return &CheckError{
		Type:        CheckErrorPrivilege,
		Message:     "Administrator rights are required to register a system service",
		Detail:      fmt.Sprintf("effective uid %d", c.geteuid()),
		Remediation: "Verify administrator rights: re-run with sudo, or set install.service_mode=process",
	}
}

// CheckPort fails when bindAddress:port cannot be bound.
func (c *DefaultChecker) CheckPort(bindAddress string, port int) error {
	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	l, err := c.listen("tcp", addr)
	if err != nil {
		return &CheckError{
			Type:        CheckErrorPortInUse,
			Message:     fmt.Sprintf("Port %d is not available on %s", port, bindAddress),
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Check port availability: stop whatever listens on %s (ss -ltnp) or choose another network.port", addr),
		}
	}
	_ = l.Close()
	return nil
}

// CheckDiskSpace fails when the filesystem holding dir has less than
// required bytes free. Missing directories are checked at their nearest
// existing ancestor.
func (c *DefaultChecker) CheckDiskSpace(dir string, required int64) error {
	if required <= 0 {
		return nil
	}
	available, err := c.freeBytes(nearestExisting(dir))
	if err != nil {
		return &CheckError{
			Type:        CheckErrorDiskUnreadable,
			Message:     "Failed to check disk space",
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Check that %s is on an accessible filesystem", dir),
		}
	}
	if available < required {
		return &CheckError{
			Type:        CheckErrorDiskSpaceLow,
			Message:     fmt.Sprintf("Insufficient disk space: need %s, have %s", formatBytes(required), formatBytes(available)),
			Detail:      fmt.Sprintf("install directory: %s", dir),
			Remediation: fmt.Sprintf("Free up %s or choose another install.install_dir", formatBytes(required-available)),
		}
	}
	return nil
}

// AvailableBytes returns the bytes available to unprivileged users on the
// filesystem holding path.
func AvailableBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func nearestExisting(path string) string {
	check := filepath.Clean(path)
	for {
		if _, err := os.Stat(check); err == nil {
			return check
		}
		parent := filepath.Dir(check)
		if parent == check {
			return check
		}
		check = parent
	}
}

func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockChecker is a test double for Checker.
type MockChecker struct {
	CheckFunc func(ctx context.Context, req Request) error
	Requests  []Request
}

// Check records req and delegates to CheckFunc, returning nil if unset.
func (m *MockChecker) Check(ctx context.Context, req Request) error {
	m.Requests = append(m.Requests, req)
	if m.CheckFunc == nil {
		return nil
	}
	return m.CheckFunc(ctx, req)
}

var (
	_ Checker = (*DefaultChecker)(nil)
	_ Checker = (*MockChecker)(nil)
)
