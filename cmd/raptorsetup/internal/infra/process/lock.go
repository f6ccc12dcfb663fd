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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Locker defines the interface for installer instance locking.
//
// # Description
//
// Locker prevents two installers from running the pipeline against the
// same host at once, e.g. one downloading the binary while the other
// removes the install directory.
//
// # Thread Safety
//
// The lock provides inter-process synchronization, not intra-process.
type Locker interface {
	// Acquire attempts to get an exclusive lock without blocking.
	// Returns *ErrLockHeld if another process holds it.
	Acquire() error

	// Release releases the lock if held.
	// Safe to call multiple times or if lock was never acquired.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the process holding the lock, or 0.
	HolderPID() int
}

// LockConfig configures lock file placement.
type LockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files.
	// Default: "raptorsetup"
	LockName string
}

// DefaultLockConfig uses the system temp directory and "raptorsetup".
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockDir:  os.TempDir(),
		LockName: "raptorsetup",
	}
}

// Lock implements Locker using flock(2).
//
// # How It Works
//
//  1. Creates a lock file at {LockDir}/{LockName}.lock
//  2. Attempts a non-blocking exclusive flock on the file
//  3. Writes PID to {LockDir}/{LockName}.pid for error messages
//  4. On release, removes the PID file and releases the flock
//
// The OS drops the flock if the holder crashes, so a stale PID file never
// blocks a later run.
type Lock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewLock creates a Lock. Does not acquire it.
func NewLock(config LockConfig) *Lock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "raptorsetup"
	}
	return &Lock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts to get an exclusive lock.
//
// # Outputs
//
//   - error: nil if acquired; *ErrLockHeld if another process holds it;
//     wrapped I/O error otherwise
func (p *Lock) Acquire() error {
	if p.held {
		return nil
	}

	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: p.HolderPID(), LockPath: p.lockPath}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// Lock is held even if the PID file cannot be written.
	_ = WritePIDFile(p.pidPath, os.Getpid())
	return nil
}

// Release removes the PID file and releases the flock.
func (p *Lock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)
	err := unix.Flock(int(p.lockFile.Fd()), unix.LOCK_UN)
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld checks local state only.
func (p *Lock) IsHeld() bool {
	return p.held
}

// HolderPID reads the PID file. May be stale if the holder crashed.
func (p *Lock) HolderPID() int {
	return ReadPIDFile(p.pidPath)
}

// Holder reports whether any process currently holds the lock, and its
// PID when known. Unlike IsHeld it asks the kernel, so it sees an
// installer running in another process.
func (p *Lock) Holder() (pid int, held bool) {
	if p.held {
		return os.Getpid(), true
	}

	f, err := os.Open(p.lockPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return p.HolderPID(), true
		}
		return 0, false
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return 0, false
}

// LockPath returns the path to the lock file.
func (p *Lock) LockPath() string {
	return p.lockPath
}

// ErrLockHeld is returned when the lock is held by another process.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another raptorsetup instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another raptorsetup instance is running (check: lsof %s)", e.LockPath)
}

var _ Locker = (*Lock)(nil)
