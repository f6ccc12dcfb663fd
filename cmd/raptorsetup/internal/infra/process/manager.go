// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned by Terminate when pid does not exist.
var ErrNotRunning = errors.New("process is not running")

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// StartSpec describes a detached background process.
type StartSpec struct {
	// Name is the executable path.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means the caller's.
	Dir string

	// LogPath receives stdout and stderr. Empty discards output.
	LogPath string
}

// Manager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Manager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Description
	//
	// Waits for completion. On failure the error carries trimmed stderr and
	// the exit code.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: stdout, also returned on failure
	//   - error: *CommandError if the command fails or is cancelled
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithInput executes a command with data piped to stdin.
	//
	// # Limitations
	//
	//   - Input is fully buffered in memory before being written
	RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)

	// Start launches a detached background process and returns its PID.
	//
	// # Description
	//
	// The process gets its own session so it outlives the installer. Output
	// is appended to spec.LogPath when set.
	//
	// # Limitations
	//
	//   - Context cancellation does not kill the started process
	Start(ctx context.Context, spec StartSpec) (int, error)

	// IsRunning checks if a process whose command line matches pattern exists.
	//
	// # Outputs
	//
	//   - bool: True if at least one matching process is running
	//   - int: PID of first matching process (0 if not found)
	//   - error: Non-nil if detection fails (not for "not found")
	//
	// # Assumptions
	//
	//   - pgrep is available on the system
	IsRunning(ctx context.Context, pattern string) (bool, int, error)

	// Alive reports whether pid exists.
	Alive(pid int) bool

	// Cmdline returns the argument vector pid was started with.
	//
	// # Outputs
	//
	//   - []string: argv, argv[0] first
	//   - error: ErrNotRunning if pid does not exist
	Cmdline(pid int) ([]string, error)

	// Terminate sends SIGTERM to pid and SIGKILL if it is still alive after
	// grace. Returns ErrNotRunning if pid does not exist.
	Terminate(ctx context.Context, pid int, grace time.Duration) error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultManager implements Manager using os/exec.
type DefaultManager struct {
	// pollInterval is how often Terminate checks for exit.
	pollInterval time.Duration
}

// NewDefaultManager creates a Manager that executes real processes.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{pollInterval: 100 * time.Millisecond}
}

// Run executes a command synchronously and returns its output.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return pm.run(ctx, nil, name, args...)
}

// RunWithInput executes a command with data piped to stdin.
func (pm *DefaultManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	return pm.run(ctx, input, name, args...)
}

func (pm *DefaultManager) run(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cmdErr := &CommandError{
			Command:  CommandLine(name, args...),
			ExitCode: -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), cmdErr
	}
	return stdout.Bytes(), nil
}

// CommandLine joins name and args for display, masking the value that
// follows any --password or --secret style flag.
func CommandLine(name string, args ...string) string {
	shown := make([]string, 0, len(args)+1)
	shown = append(shown, name)
	mask := false
	for _, a := range args {
		switch {
		case mask:
			shown = append(shown, "****")
			mask = false
		case isSecretFlag(a):
			if flag, _, ok := strings.Cut(a, "="); ok {
				shown = append(shown, flag+"=****")
			} else {
				shown = append(shown, a)
				mask = true
			}
		default:
			shown = append(shown, a)
		}
	}
	return strings.Join(shown, " ")
}

func isSecretFlag(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return false
	}
	lower := strings.ToLower(arg)
	return strings.Contains(lower, "password") || strings.Contains(lower, "secret")
}

// CommandError describes a command that failed to run or exited non-zero.
// ExitCode is -1 when the process never produced an exit status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Start launches a detached background process.
func (pm *DefaultManager) Start(ctx context.Context, spec StartSpec) (int, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, fmt.Errorf("open process log %s: %w", spec.LogPath, err)
		}
		// The child keeps its own descriptor.
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	// Reap in the background so the child never lingers as a zombie while
	// the installer is alive.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// IsRunning checks if a process matching the pattern exists.
func (pm *DefaultManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	output, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgrep failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 0 && lines[0] != "" {
		pid, err := strconv.Atoi(lines[0])
		if err != nil {
			return true, 0, nil
		}
		return true, pid, nil
	}
	return false, 0, nil
}

// Alive reports whether pid exists using signal 0.
func (pm *DefaultManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Cmdline reads /proc/<pid>/cmdline, falling back to ps where /proc is
// not mounted.
func (pm *DefaultManager) Cmdline(pid int) ([]string, error) {
	if pid <= 0 {
		return nil, ErrNotRunning
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err == nil {
		return strings.FieldsFunc(string(data), func(r rune) bool { return r == 0 }), nil
	}
	if _, statErr := os.Stat("/proc/self"); statErr == nil {
		return nil, ErrNotRunning
	}

	out, err := exec.Command("ps", "-o", "args=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("ps failed: %w", err)
	}
	return strings.Fields(string(out)), nil
}

// Terminate stops pid, escalating to SIGKILL after grace.
func (pm *DefaultManager) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if !pm.Alive(pid) {
		return ErrNotRunning
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal %d: %w", pid, err)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(pm.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if !pm.Alive(pid) {
				return nil
			}
		case <-deadline.C:
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return fmt.Errorf("kill %d: %w", pid, err)
			}
			return nil
		}
	}
}

// -----------------------------------------------------------------------------
// Server lookup
// -----------------------------------------------------------------------------

// Runs reports whether pid is alive and was started from binary. A pid
// recycled by an unrelated program does not match.
func Runs(pm Manager, pid int, binary string) bool {
	if pid <= 0 || binary == "" || !pm.Alive(pid) {
		return false
	}
	argv, err := pm.Cmdline(pid)
	if err != nil {
		return false
	}
	want := filepath.Clean(binary)
	for _, arg := range argv {
		if filepath.Clean(arg) == want {
			return true
		}
	}
	return false
}

// FindServer locates the server started from binary.
//
// # Description
//
// The pid recorded in pidFile wins when it still runs binary. A stale
// pidfile is ignored and the process table is searched instead.
//
// # Outputs
//
//   - int: the server's pid, 0 when none runs
//   - error: non-nil only when the process table cannot be read
func FindServer(ctx context.Context, pm Manager, pidFile, binary string) (int, error) {
	if pid := ReadPIDFile(pidFile); Runs(pm, pid, binary) {
		return pid, nil
	}
	running, pid, err := pm.IsRunning(ctx, binary)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, nil
	}
	return pid, nil
}

// -----------------------------------------------------------------------------
// PID files
// -----------------------------------------------------------------------------

// WritePIDFile records pid at path.
func WritePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPIDFile returns the PID stored at path, or 0 if it is missing or
// unreadable.
func ReadPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil the method returns a zero value and no error, except Run and
// RunWithInput which panic so unexpected commands are caught.
type MockManager struct {
	RunFunc          func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunWithInputFunc func(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)
	StartFunc        func(ctx context.Context, spec StartSpec) (int, error)
	IsRunningFunc    func(ctx context.Context, pattern string) (bool, int, error)
	AliveFunc        func(pid int) bool
	CmdlineFunc      func(pid int) ([]string, error)
	TerminateFunc    func(ctx context.Context, pid int, grace time.Duration) error

	// Calls records all method invocations for verification
	Calls []Call

	mu sync.Mutex
}

// Call records a single method invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
	Input  []byte
	PID    int
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunWithInput delegates to RunWithInputFunc and records the call.
func (m *MockManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	m.record(Call{Method: "RunWithInput", Name: name, Args: args, Input: input})
	if m.RunWithInputFunc == nil {
		panic("MockManager.RunWithInputFunc not set")
	}
	return m.RunWithInputFunc(ctx, name, input, args...)
}

// Start delegates to StartFunc and records the call.
func (m *MockManager) Start(ctx context.Context, spec StartSpec) (int, error) {
	m.record(Call{Method: "Start", Name: spec.Name, Args: spec.Args})
	if m.StartFunc == nil {
		return 0, nil
	}
	return m.StartFunc(ctx, spec)
}

// IsRunning delegates to IsRunningFunc and records the call.
func (m *MockManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	m.record(Call{Method: "IsRunning", Name: pattern})
	if m.IsRunningFunc == nil {
		return false, 0, nil
	}
	return m.IsRunningFunc(ctx, pattern)
}

// Alive delegates to AliveFunc.
func (m *MockManager) Alive(pid int) bool {
	m.record(Call{Method: "Alive", PID: pid})
	if m.AliveFunc == nil {
		return false
	}
	return m.AliveFunc(pid)
}

// Cmdline delegates to CmdlineFunc. Without it every pid is unknown.
func (m *MockManager) Cmdline(pid int) ([]string, error) {
	m.record(Call{Method: "Cmdline", PID: pid})
	if m.CmdlineFunc == nil {
		return nil, ErrNotRunning
	}
	return m.CmdlineFunc(pid)
}

// Terminate delegates to TerminateFunc and records the call.
func (m *MockManager) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	m.record(Call{Method: "Terminate", PID: pid})
	if m.TerminateFunc == nil {
		return nil
	}
	return m.TerminateFunc(ctx, pid, grace)
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Call, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)
