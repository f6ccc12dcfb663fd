// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/infra/process"
)

type stubListener struct{ net.Listener }

func (stubListener) Close() error { return nil }

func fakeChecker(uid int, free int64, listenErr error) *DefaultChecker {
	return &DefaultChecker{
		geteuid:   func() int { return uid },
		freeBytes: func(string) (int64, error) { return free, nil },
		listen: func(network, address string) (net.Listener, error) {
			if listenErr != nil {
				return nil, listenErr
			}
			return stubListener{}, nil
		},
	}
}

func request() Request {
	return Request{
		InstallDir:   "/opt/velociraptor",
		BindAddress:  "0.0.0.0",
		Port:         8889,
		MinFreeBytes: DefaultMinFreeBytes,
	}
}

func TestCheck_AllPass(t *testing.T) {
	c := fakeChecker(1000, DefaultMinFreeBytes, nil)
	assert.NoError(t, c.Check(context.Background(), request()))
}

func TestCheck_PrivilegeOnlyWhenNeeded(t *testing.T) {
	c := fakeChecker(1000, DefaultMinFreeBytes, nil)
	req := request()
	req.NeedRoot = true

	err := c.Check(context.Background(), req)
	var ce *CheckError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CheckErrorPrivilege, ce.Type)
	assert.Contains(t, ce.Remediation, "administrator rights")

	root := fakeChecker(0, DefaultMinFreeBytes, nil)
	assert.NoError(t, root.Check(context.Background(), req))
}

func TestCheck_CollectsEveryFailure(t *testing.T) {
	c := fakeChecker(1000, 1<<20, errors.New("address already in use"))
	req := request()
	req.NeedRoot = true

	err := c.Check(context.Background(), req)
	require.Error(t, err)
	rem := Remediations(err)
	require.Len(t, rem, 3)
	assert.Contains(t, rem[1], "Check port availability")
	assert.Contains(t, rem[2], "Free up")
	assert.Contains(t, err.Error(), "Insufficient disk space: need 2.0 GB, have 1.0 MB")
}

func TestCheck_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fakeChecker(0, DefaultMinFreeBytes, nil).Check(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck_CancelledKeepsPrivilegeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := request()
	req.NeedRoot = true

	err := fakeChecker(1000, DefaultMinFreeBytes, nil).Check(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
	var ce *CheckError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CheckErrorPrivilege, ce.Type)
}

func TestCheck_PortHeldByRunningServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	c := NewDefaultChecker()
	req := Request{
		InstallDir:  t.TempDir(),
		BindAddress: "127.0.0.1",
		Port:        l.Addr().(*net.TCPAddr).Port,
	}
	err = c.Check(context.Background(), req)
	var ce *CheckError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CheckErrorPortInUse, ce.Type)

	req.ServerRunning = true
	assert.NoError(t, c.Check(context.Background(), req))
}

func TestCheckDiskSpace_Unreadable(t *testing.T) {
	c := fakeChecker(0, 0, nil)
	c.freeBytes = func(string) (int64, error) { return 0, os.ErrPermission }
	err := c.CheckDiskSpace("/opt/velociraptor", 1)
	var ce *CheckError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CheckErrorDiskUnreadable, ce.Type)
	assert.NoError(t, c.CheckDiskSpace("/opt/velociraptor", 0))
}

func TestCheckPort_Real(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	c := NewDefaultChecker()
	err = c.CheckPort("127.0.0.1", port)
	var ce *CheckError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CheckErrorPortInUse, ce.Type)
}

func TestAvailableBytes(t *testing.T) {
	free, err := AvailableBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, int64(0))

	_, err = AvailableBytes(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestNearestExisting(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, nearestExisting(filepath.Join(dir, "a", "b", "c")))
	assert.Equal(t, dir, nearestExisting(dir))
}

func TestRemediations(t *testing.T) {
	a := &CheckError{Remediation: "fix a"}
	b := &CheckError{Remediation: "fix b"}
	wrapped := fmt.Errorf("prereq: %w", errors.Join(a, errors.New("plain"), b))
	assert.Equal(t, []string{"fix a", "fix b"}, Remediations(wrapped))
	assert.Nil(t, Remediations(nil))
	assert.Nil(t, Remediations(errors.New("plain")))
}

func TestCheckError_FullError(t *testing.T) {
	e := &CheckError{Message: "m", Detail: "d", Remediation: "r"}
	assert.Equal(t, "m", e.Error())
	assert.Equal(t, "m\n\nDetails: d\n\nTo fix:\nr", e.FullError())
	assert.Equal(t, "PORT_IN_USE", CheckErrorPortInUse.String())
}

// =============================================================================
// SystemdService
// =============================================================================

func systemd(t *testing.T, pm process.Manager, available bool) *SystemdService {
	t.Helper()
	s := NewSystemdService(pm, t.TempDir(), "")
	s.runDir = t.TempDir()
	s.lookPath = func(string) (string, error) {
		if !available {
			return "", errors.New("not found")
		}
		return "/bin/systemctl", nil
	}
	return s
}

func okRun(ctx context.Context, name string, args ...string) ([]byte, error) { return nil, nil }

func TestSystemdService_Install(t *testing.T) {
	pm := &process.MockManager{RunFunc: okRun}
	s := systemd(t, pm, true)

	spec := UnitSpec{BinaryPath: "/opt/vr/velociraptor", ConfigPath: "/opt/vr/server.config.yaml", WorkingDir: "/opt/vr"}
	require.NoError(t, s.Install(context.Background(), spec))

	unit, err := os.ReadFile(s.UnitPath())
	require.NoError(t, err)
	assert.Contains(t, string(unit), "ExecStart=/opt/vr/velociraptor --config /opt/vr/server.config.yaml frontend")
	assert.True(t, s.Installed())

	calls := pm.GetCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"daemon-reload"}, calls[0].Args)
	assert.Equal(t, []string{"enable", DefaultUnitName}, calls[1].Args)
	assert.Equal(t, []string{"restart", DefaultUnitName}, calls[2].Args)

	assert.True(t, s.IsActive(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestSystemdService_Unavailable(t *testing.T) {
	pm := &process.MockManager{RunFunc: okRun}
	s := systemd(t, pm, false)
	assert.False(t, s.Available())
	assert.ErrorIs(t, s.Install(context.Background(), UnitSpec{}), ErrServiceUnavailable)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrServiceUnavailable)
	assert.False(t, s.IsActive(context.Background()))
	assert.Empty(t, pm.GetCalls())
}

func TestSystemdService_EnableFails(t *testing.T) {
	pm := &process.MockManager{RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if args[0] == "enable" {
			return nil, errors.New("unit failed")
		}
		return nil, nil
	}}
	s := systemd(t, pm, true)
	err := s.Install(context.Background(), UnitSpec{})
	assert.ErrorContains(t, err, "unit failed")
}
